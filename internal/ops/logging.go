// Package ops provides the structured logger used across the runtime.
package ops

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/nostrrun/internal/config"
)

// Logger wraps slog.Logger with component-scoped helpers for the core's
// recurring log sites.
type Logger struct {
	*slog.Logger
	level slog.Level
}

func levelFor(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing to os.Stdout per cfg.
func New(cfg *config.Logging) *Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter creates a logger writing to an arbitrary writer, used by
// tests to capture output.
func NewWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := levelFor(cfg.Level)
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), level: level}
}

// WithComponent scopes subsequent log lines to a named component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component), level: l.level}
}

// LogRelayConnection logs a relay connect/disconnect transition.
func (l *Logger) LogRelayConnection(url string, connected bool, err error) {
	if err != nil {
		l.Warn("relay connection failed", "relay", url, "error", err)
		return
	}
	if connected {
		l.Info("relay connected", "relay", url)
	} else {
		l.Info("relay disconnected", "relay", url)
	}
}

// LogIngestDrop logs a dropped incoming event (invalid, duplicate, backlog).
func (l *Logger) LogIngestDrop(reason string, eventID string, kind int) {
	l.Warn("event dropped", "reason", reason, "event_id", eventID, "kind", kind)
}

// LogIngestStored logs a successfully persisted incoming event.
func (l *Logger) LogIngestStored(eventID string, kind int) {
	l.Debug("event stored", "event_id", eventID, "kind", kind)
}

// LogRatingUpdate logs a rating upsert or a skip under the freshness rule.
func (l *Logger) LogRatingUpdate(gameID, rater string, applied bool, reason string) {
	if applied {
		l.Debug("rating applied", "gameid", gameID, "rater", rater)
		return
	}
	l.Debug("rating skipped", "gameid", gameID, "rater", rater, "reason", reason)
}

// LogSummaryRecompute logs a per-game summary recomputation pass.
func (l *Logger) LogSummaryRecompute(gameID string, tiers int, fields int) {
	l.Debug("summaries recomputed", "gameid", gameID, "tiers", tiers, "fields", fields)
}

// LogEgressFlush logs the outcome of one Egress Dispatcher flush cycle.
func (l *Logger) LogEgressFlush(attempted, published, failed int, throttled bool) {
	l.Info("egress flush complete", "attempted", attempted, "published", published, "failed", failed, "throttled", throttled)
}

// LogThrottle logs the Egress Dispatcher arming its cool-down timer.
func (l *Logger) LogThrottle(resumeAt time.Time) {
	l.Warn("egress throttled", "resume_at", resumeAt.Format(time.RFC3339))
}

// LogRecoverySweep logs ED's startup recovery of stale in-flight rows.
func (l *Logger) LogRecoverySweep(recovered int) {
	l.Info("recovery sweep complete", "recovered", recovered)
}

// LogSubscriptionRefresh logs a Subscription Manager refresh decision.
func (l *Logger) LogSubscriptionRefresh(changed bool, filterCount int) {
	if changed {
		l.Info("subscription refreshed", "filters", filterCount)
	} else {
		l.Debug("subscription unchanged", "filters", filterCount)
	}
}

// LogModeChange logs a Runtime Controller mode transition.
func (l *Logger) LogModeChange(from, to string) {
	l.Info("mode changed", "from", from, "to", to)
}

// LogStartup logs application startup.
func (l *Logger) LogStartup(version string) {
	l.Info("nostrrun starting", "version", version)
}

// LogShutdown logs application shutdown.
func (l *Logger) LogShutdown(reason string, keepBackground bool) {
	l.Info("nostrrun shutting down", "reason", reason, "keep_background", keepBackground)
}

// IsDebugEnabled reports whether debug-level logging is active.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}
