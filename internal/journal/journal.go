// Package journal persists the orchestrator's event stream to SQLite so
// detections, commands and state transitions survive a restart.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/shunter/internal/events"
	"github.com/mattjoyce/shunter/internal/log"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// followBuffer is deeper than the default so a slow disk does not drop rows.
const followBuffer = 1024

// Subscriber is the part of *events.Hub the journal needs.
type Subscriber interface {
	SubscribeBuffered(buffer int) (<-chan events.Event, func())
}

// Detection is one row of detection_log.
type Detection struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Relevant   bool      `json:"relevant"`
	DetectedAt time.Time `json:"detected_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Command is one row of command_log.
type Command struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	Origin    string    `json:"origin"`
	Wire      string    `json:"wire"`
	Status    string    `json:"status"`
	State     string    `json:"state,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Transition is one row of transition_log.
type Transition struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Cause      string    `json:"cause"`
	Generation uint64    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
}

type Journal struct {
	db     *sql.DB
	runID  string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a journal tagging every row with a fresh run id.
func New(db *sql.DB, logger *slog.Logger) *Journal {
	return &Journal{
		db:     db,
		runID:  uuid.NewString(),
		logger: log.Or(logger).With("component", "journal"),
		now:    time.Now,
	}
}

// RunID identifies this process's rows.
func (j *Journal) RunID() string { return j.runID }

// Follow writes hub events until ctx is cancelled. Write errors are logged
// and do not stop the loop.
func (j *Journal) Follow(ctx context.Context, hub Subscriber) {
	ch, cancel := hub.SubscribeBuffered(followBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Rows already received are still written during shutdown.
			if err := j.Record(context.WithoutCancel(ctx), ev); err != nil {
				j.logger.Warn("journal write failed", "event", ev.Type, "id", ev.ID, "error", err)
			}
		}
	}
}

type detectionData struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Relevant   bool      `json:"relevant"`
}

type commandData struct {
	Seq    uint64 `json:"seq"`
	Wire   string `json:"wire"`
	Kind   string `json:"kind"`
	Origin string `json:"origin"`
	State  string `json:"state"`
	Error  string `json:"error"`
}

type transitionData struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Cause      string `json:"cause"`
	Generation uint64 `json:"generation"`
}

// Record persists one event. Types the journal does not keep are ignored.
func (j *Journal) Record(ctx context.Context, ev events.Event) error {
	created := ev.At
	if created.IsZero() {
		created = j.now()
	}
	createdAt := created.UTC().Format(time.RFC3339Nano)

	switch ev.Type {
	case events.TypeDetection:
		var d detectionData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("decode detection: %w", err)
		}
		var detectedAt any
		if !d.Timestamp.IsZero() {
			detectedAt = d.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		_, err := j.db.ExecContext(ctx, `
INSERT INTO detection_log(id, run_id, label, confidence, relevant, detected_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), j.runID, d.Label, d.Confidence, boolInt(d.Relevant), detectedAt, createdAt)
		if err != nil {
			return fmt.Errorf("insert detection: %w", err)
		}

	case events.TypeCommandDispatched, events.TypeCommandFailed:
		var c commandData
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}
		status := StatusSent
		if ev.Type == events.TypeCommandFailed {
			status = StatusFailed
		}
		_, err := j.db.ExecContext(ctx, `
INSERT INTO command_log(id, run_id, seq, kind, origin, wire, status, state, last_error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), j.runID, c.Seq, c.Kind, c.Origin, c.Wire, status, nullString(c.State), nullString(c.Error), createdAt)
		if err != nil {
			return fmt.Errorf("insert command: %w", err)
		}

	case events.TypeStateChanged:
		var t transitionData
		if err := json.Unmarshal(ev.Data, &t); err != nil {
			return fmt.Errorf("decode transition: %w", err)
		}
		_, err := j.db.ExecContext(ctx, `
INSERT INTO transition_log(id, run_id, from_state, to_state, cause, generation, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), j.runID, t.From, t.To, t.Cause, t.Generation, createdAt)
		if err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
	}
	return nil
}

// RecentDetections returns up to limit detections, newest first.
func (j *Journal) RecentDetections(ctx context.Context, limit int) ([]Detection, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, run_id, label, confidence, relevant, detected_at, created_at
FROM detection_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var (
			d          Detection
			relevant   int
			detectedAt sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&d.ID, &d.RunID, &d.Label, &d.Confidence, &relevant, &detectedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		d.Relevant = relevant != 0
		if detectedAt.Valid {
			d.DetectedAt = parseTime(detectedAt.String)
		}
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentCommands returns up to limit commands, newest first.
func (j *Journal) RecentCommands(ctx context.Context, limit int) ([]Command, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, run_id, seq, kind, origin, wire, status, state, last_error, created_at
FROM command_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var (
			c         Command
			state     sql.NullString
			lastErr   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.Seq, &c.Kind, &c.Origin, &c.Wire, &c.Status, &state, &lastErr, &createdAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		c.State = state.String
		c.LastError = lastErr.String
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentTransitions returns up to limit transitions, newest first.
func (j *Journal) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, run_id, from_state, to_state, cause, generation, created_at
FROM transition_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t         Transition
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.From, &t.To, &t.Cause, &t.Generation, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 20
	case n > 1000:
		return 1000
	default:
		return n
	}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
