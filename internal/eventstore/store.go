// Package eventstore is the Local Event Store: durable, sqlite-backed
// storage of raw events across the four logical queues (cache_in,
// cache_out, store_in, store_out).
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sandwichfarm/nostrrun/internal/model"
)

// Store is the embedded relational store backing all four queues.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the sqlite database at path and runs
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single physical writer; sqlite serializes anyway

	s := &Store{db: db}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func queueTable(q model.Queue) (string, error) {
	switch q {
	case model.QueueCacheIn, model.QueueCacheOut, model.QueueStoreIn, model.QueueStoreOut:
		return "raw_" + string(q), nil
	default:
		return "", fmt.Errorf("eventstore: unknown queue %q", q)
	}
}

// Enqueue inserts event into queue with the given status, keepFor, and
// routing metadata. It returns false, with no error, if an event with the
// same id is already present in that queue (idempotent re-insert).
func (s *Store) Enqueue(ctx context.Context, queue model.Queue, event model.Event, status model.ProcStatus, keepFor *int64, routing model.Routing) (bool, error) {
	table, err := queueTable(queue)
	if err != nil {
		return false, err
	}

	tagsJSON, err := json.Marshal(event.Tags)
	if err != nil {
		return false, fmt.Errorf("marshal tags: %w", err)
	}

	row := model.Event{
		ID:              event.ID,
		Kind:            event.Kind,
		Pubkey:          event.Pubkey,
		CreatedAt:       event.CreatedAt,
		TagsJSON:        string(tagsJSON),
		Content:         event.Content,
		Sig:             event.Sig,
		ProcStatus:      status,
		ProcAt:          nil,
		KeepFor:         keepFor,
		TableName:       routing.TableName,
		RecordUUID:      routing.RecordUUID,
		UserProfileUUID: routing.UserProfileUUID,
	}

	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s
		(id, kind, pubkey, created_at, tags, content, sig, proc_status, proc_at, keep_for, table_name, record_uuid, user_profile_uuid)
		VALUES (:id, :kind, :pubkey, :created_at, :tags, :content, :sig, :proc_status, :proc_at, :keep_for, :table_name, :record_uuid, :user_profile_uuid)`, table)

	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return false, fmt.Errorf("enqueue into %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue rows affected: %w", err)
	}
	return affected > 0, nil
}

// UpdateStatus transitions the proc_status of the row identified by id in
// queue, stamping proc_at.
func (s *Store) UpdateStatus(ctx context.Context, queue model.Queue, id string, status model.ProcStatus, now int64) error {
	table, err := queueTable(queue)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET proc_status = ?, proc_at = ? WHERE id = ?`, table), status, now, id)
	if err != nil {
		return fmt.Errorf("update status in %s: %w", table, err)
	}
	return nil
}

// ErrNotFound is returned by Move when the source row does not exist.
var ErrNotFound = errors.New("eventstore: row not found")

// Move atomically deletes the row identified by id from srcQueue and
// inserts it into dstQueue, within a single transaction. It is the only
// supported mechanism for transferring an id between queues, satisfying
// conservation: the row exists in exactly one queue before and after.
func (s *Store) Move(ctx context.Context, srcQueue, dstQueue model.Queue, id string) error {
	srcTable, err := queueTable(srcQueue)
	if err != nil {
		return err
	}
	dstTable, err := queueTable(dstQueue)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move tx: %w", err)
	}
	defer tx.Rollback()

	var row model.Event
	if err := tx.GetContext(ctx, &row, fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, srcTable), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select for move: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, srcTable), id); err != nil {
		return fmt.Errorf("delete during move: %w", err)
	}

	insert := fmt.Sprintf(`INSERT OR IGNORE INTO %s
		(id, kind, pubkey, created_at, tags, content, sig, proc_status, proc_at, keep_for, table_name, record_uuid, user_profile_uuid)
		VALUES (:id, :kind, :pubkey, :created_at, :tags, :content, :sig, :proc_status, :proc_at, :keep_for, :table_name, :record_uuid, :user_profile_uuid)`, dstTable)
	if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
		return fmt.Errorf("insert during move: %w", err)
	}

	return tx.Commit()
}

// ListByStatus returns up to limit rows from queue with the given status,
// ordered by created_at ascending.
func (s *Store) ListByStatus(ctx context.Context, queue model.Queue, status model.ProcStatus, limit int) ([]model.Event, error) {
	table, err := queueTable(queue)
	if err != nil {
		return nil, err
	}
	var rows []model.Event
	err = s.db.SelectContext(ctx, &rows, fmt.Sprintf(`SELECT * FROM %s WHERE proc_status = ? ORDER BY created_at ASC LIMIT ?`, table), status, limit)
	if err != nil {
		return nil, fmt.Errorf("list by status from %s: %w", table, err)
	}
	for i := range rows {
		_ = json.Unmarshal([]byte(rows[i].TagsJSON), &rows[i].Tags)
	}
	return rows, nil
}

// Count returns the number of rows in queue matching status. A negative
// status value of -2 is treated as "any status".
func (s *Store) Count(ctx context.Context, queue model.Queue, status model.ProcStatus) (int, error) {
	table, err := queueTable(queue)
	if err != nil {
		return 0, err
	}
	var n int
	if status == anyStatus {
		err = s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	} else {
		err = s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE proc_status = ?`, table), status)
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// anyStatus is a sentinel passed to Count meaning "ignore proc_status".
const anyStatus model.ProcStatus = -2

// CountSince returns the number of rows in queue with the given status
// whose proc_at is >= since, used for the status snapshot's "sent last
// minute".
func (s *Store) CountSince(ctx context.Context, queue model.Queue, status model.ProcStatus, since int64) (int, error) {
	table, err := queueTable(queue)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE proc_status = ? AND proc_at >= ?`, table), status, since)
	if err != nil {
		return 0, fmt.Errorf("count since %s: %w", table, err)
	}
	return n, nil
}

// FetchPage returns up to limit rows from queue with the given status, for
// pagination-style consumers (e.g. queue snapshot pages). Identical in
// shape to ListByStatus; kept distinct because the spec names them as
// separate operations with independent evolution paths (e.g. cursor-based
// paging could be added to FetchPage without touching ListByStatus).
func (s *Store) FetchPage(ctx context.Context, queue model.Queue, status model.ProcStatus, limit int) ([]model.Event, error) {
	return s.ListByStatus(ctx, queue, status, limit)
}

// Get returns a single row by id from queue.
func (s *Store) Get(ctx context.Context, queue model.Queue, id string) (*model.Event, error) {
	table, err := queueTable(queue)
	if err != nil {
		return nil, err
	}
	var row model.Event
	err = s.db.GetContext(ctx, &row, fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, table), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get from %s: %w", table, err)
	}
	_ = json.Unmarshal([]byte(row.TagsJSON), &row.Tags)
	return &row, nil
}

// DB exposes the underlying handle for packages that need to share the
// same physical database (relays, trust, ratings).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// RetentionSweep is the store's retention-sweep entry point. It deletes
// nothing: it ignores keep_for and now, and always returns 0 and a nil
// error.
func (s *Store) RetentionSweep(ctx context.Context, now int64) (int, error) {
	return 0, nil
}
