package preview

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS preview_processes (
    component_id TEXT NOT NULL,
    pid          INTEGER NOT NULL,
    port         INTEGER NOT NULL,
    started_at   DATETIME NOT NULL,
    PRIMARY KEY (component_id, pid)
);
`

// LedgerEntry is a preview process recorded as running.
type LedgerEntry struct {
	ComponentID string
	PID         int
	Port        int
	StartedAt   time.Time
}

// Ledger remembers spawned preview processes on disk so that a restarted
// controller can reap the ones its predecessor left behind.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (and creates, if needed) the SQLite ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; supervisors write concurrently
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record adds a running process.
func (l *Ledger) Record(ctx context.Context, e LedgerEntry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO preview_processes (component_id, pid, port, started_at) VALUES (?, ?, ?, ?)`,
		e.ComponentID, e.PID, e.Port, e.StartedAt.UTC(),
	)
	return err
}

// Remove forgets a process that has exited.
func (l *Ledger) Remove(ctx context.Context, componentID string, pid int) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM preview_processes WHERE component_id = ? AND pid = ?`, componentID, pid)
	return err
}

// List returns every recorded process.
func (l *Ledger) List(ctx context.Context) ([]LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT component_id, pid, port, started_at FROM preview_processes ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ComponentID, &e.PID, &e.Port, &e.StartedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes every entry.
func (l *Ledger) Clear(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM preview_processes`)
	return err
}
