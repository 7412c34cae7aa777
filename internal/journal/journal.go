// Package journal keeps an append-only SQLite record of every asset state
// transition, surviving restarts so `hls-vault history` can explain how an
// asset got into its current state.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	asset_id   TEXT NOT NULL,
	source_url TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_asset ON transitions(asset_id);
`

// Entry is one recorded transition.
type Entry struct {
	AssetID   string
	SourceURL string
	FromState string
	ToState   string
	Reason    string
	At        time.Time
}

// Journal is safe for concurrent use; database/sql serializes access.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Record appends one transition. reason is empty for ordinary transitions
// and carries the failure reason otherwise.
func (j *Journal) Record(assetID, sourceURL, from, to, reason string) error {
	_, err := j.db.Exec(
		`INSERT INTO transitions (asset_id, source_url, from_state, to_state, reason, at) VALUES (?, ?, ?, ?, ?, ?)`,
		assetID, sourceURL, from, to, reason, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// History returns transitions, newest first, capped at limit (0 = all).
// assetID filters to one asset when non-empty.
func (j *Journal) History(assetID string, limit int) ([]Entry, error) {
	q := `SELECT asset_id, source_url, from_state, to_state, reason, at FROM transitions`
	var args []any
	if assetID != "" {
		q += ` WHERE asset_id = ?`
		args = append(args, assetID)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: history: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.AssetID, &e.SourceURL, &e.FromState, &e.ToState, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
