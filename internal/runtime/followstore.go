package runtime

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/sandwichfarm/nostrrun/internal/model"
)

// normalizePubkey accepts either hex32 or a Bech32-style npub… and returns
// the normalized lowercase hex32 form, rejecting anything that decodes to
// neither.
func normalizePubkey(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("runtime: empty pubkey")
	}

	if strings.HasPrefix(trimmed, "npub") {
		prefix, decoded, err := nip19.Decode(trimmed)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("runtime: invalid npub %q", raw)
		}
		hexPubkey, ok := decoded.(string)
		if !ok {
			return "", fmt.Errorf("runtime: invalid npub %q", raw)
		}
		return strings.ToLower(hexPubkey), nil
	}

	lower := strings.ToLower(trimmed)
	decoded, err := hex.DecodeString(lower)
	if err != nil || len(decoded) != 32 {
		return "", fmt.Errorf("runtime: pubkey %q is not valid hex32 or npub", raw)
	}
	return lower, nil
}

// listFollows returns every follow entry, manual and derived.
func (c *Controller) listFollows(ctx context.Context) ([]model.FollowEntry, error) {
	var rows []model.FollowEntry
	err := c.store.DB().SelectContext(ctx, &rows, `SELECT pubkey, source, label FROM follows ORDER BY pubkey ASC`)
	return rows, err
}

// GetFollows returns every follow entry, manual and derived, symmetric
// with ListRelays on the relay side of the command surface.
func (c *Controller) GetFollows(ctx context.Context) ([]model.FollowEntry, error) {
	return c.listFollows(ctx)
}

// listFollowPubkeys is the flattened pubkey set SM's follow-scoped
// filter is built from.
func (c *Controller) listFollowPubkeys(ctx context.Context) ([]string, error) {
	entries, err := c.listFollows(ctx)
	if err != nil {
		return nil, err
	}
	pubkeys := make([]string, len(entries))
	for i, e := range entries {
		pubkeys[i] = e.Pubkey
	}
	return pubkeys, nil
}

// AddFollow inserts or updates one follow entry. entry.Pubkey is
// normalized to lowercase hex32 before storage; hex and npub forms of the
// same key are rejected from colliding as distinct rows.
func (c *Controller) AddFollow(ctx context.Context, entry model.FollowEntry) error {
	normalized, err := normalizePubkey(entry.Pubkey)
	if err != nil {
		return err
	}
	entry.Pubkey = normalized

	_, err = c.store.DB().NamedExecContext(ctx, `
		INSERT INTO follows (pubkey, source, label)
		VALUES (:pubkey, :source, :label)
		ON CONFLICT(pubkey) DO UPDATE SET source = excluded.source, label = excluded.label
	`, entry)
	if err != nil {
		return err
	}
	return c.reconcileFollows(ctx)
}

// RemoveFollow deletes one follow entry by pubkey, accepting hex32 or npub.
func (c *Controller) RemoveFollow(ctx context.Context, pubkey string) error {
	normalized, err := normalizePubkey(pubkey)
	if err != nil {
		return err
	}
	if _, err := c.store.DB().ExecContext(ctx, `DELETE FROM follows WHERE pubkey = ?`, normalized); err != nil {
		return err
	}
	return c.reconcileFollows(ctx)
}

// SetFollows replaces every manually-sourced follow entry with entries.
// Admin-keypair/profile-keypair-derived entries are kept, except one whose
// pubkey also appears in entries, which becomes a manual entry. Every
// entry's pubkey is normalized to lowercase hex32; the call fails, with no
// change applied, if any entry fails to normalize.
func (c *Controller) SetFollows(ctx context.Context, entries []model.FollowEntry) error {
	normalized := make([]model.FollowEntry, len(entries))
	for i, entry := range entries {
		pk, err := normalizePubkey(entry.Pubkey)
		if err != nil {
			return err
		}
		entry.Pubkey = pk
		normalized[i] = entry
	}

	tx, err := c.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM follows WHERE source = ?`, model.FollowSourceManual); err != nil {
		return err
	}
	for _, entry := range normalized {
		entry.Source = model.FollowSourceManual
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO follows (pubkey, source, label)
			VALUES (:pubkey, :source, :label)
			ON CONFLICT(pubkey) DO UPDATE SET source = excluded.source, label = excluded.label
		`, entry); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	return c.reconcileFollows(ctx)
}

// reconcileFollows forces an immediate subscription refresh so a follow
// change takes effect without waiting for the periodic refresh timer.
func (c *Controller) reconcileFollows(ctx context.Context) error {
	follows, err := c.listFollowPubkeys(ctx)
	if err != nil {
		return err
	}
	c.sm.Refresh(ctx, follows, false)
	c.broadcast(ctx)
	return nil
}
