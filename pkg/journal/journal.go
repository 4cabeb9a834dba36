// Package journal persists dispatcher action transitions in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/phenomenon0/surebet/pkg/dispatch"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS action_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	action_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	bet_id      INTEGER,
	account     TEXT NOT NULL,
	amount      TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	tx_hash     TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_events_action ON action_events(action_id);
`

// Journal records action transitions. It implements dispatch.Recorder.
type Journal struct {
	db *sql.DB
}

var _ dispatch.Recorder = (*Journal)(nil)

// Open opens or creates the journal at path with WAL mode and runs
// migrations. ":memory:" gives a private in-memory journal.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	if _, err := j.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if _, err := j.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (1)`); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one transition of a.
func (j *Journal) Record(ctx context.Context, a dispatch.Action) error {
	var betID sql.NullInt64
	if a.BetID != nil {
		betID = sql.NullInt64{Int64: int64(*a.BetID), Valid: true}
	}
	var finished sql.NullString
	if a.FinishedAt != nil {
		finished = sql.NullString{String: a.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO action_events
			(action_id, kind, bet_id, account, amount, state, tx_hash, error, started_at, finished_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), betID, a.Account, a.Amount, string(a.State), a.TxHash, a.Error,
		a.StartedAt.UTC().Format(time.RFC3339Nano), finished, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording action %s: %w", a.ID, err)
	}
	return nil
}

// Recent returns the latest state of the most recent limit actions,
// newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]dispatch.Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT action_id, kind, bet_id, account, amount, state, tx_hash, error, started_at, finished_at
		FROM action_events
		WHERE seq IN (SELECT MAX(seq) FROM action_events GROUP BY action_id)
		ORDER BY seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// History returns every recorded transition of one action, oldest first.
func (j *Journal) History(ctx context.Context, actionID string) ([]dispatch.Action, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT action_id, kind, bet_id, account, amount, state, tx_hash, error, started_at, finished_at
		FROM action_events
		WHERE action_id = ?
		ORDER BY seq`, actionID)
	if err != nil {
		return nil, fmt.Errorf("querying action %s: %w", actionID, err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func scanActions(rows *sql.Rows) ([]dispatch.Action, error) {
	var out []dispatch.Action
	for rows.Next() {
		var (
			a        dispatch.Action
			kind     string
			state    string
			betID    sql.NullInt64
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&a.ID, &kind, &betID, &a.Account, &a.Amount, &state, &a.TxHash, &a.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		a.Kind = dispatch.Kind(kind)
		a.State = dispatch.State(state)
		if betID.Valid {
			id := uint64(betID.Int64)
			a.BetID = &id
		}
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			a.StartedAt = t
		}
		if finished.Valid {
			if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
				a.FinishedAt = &t
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
