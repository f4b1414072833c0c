package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/seagrayinc/etm/pkg/etm"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_snapshot (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	document   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS completions (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_id        TEXT NOT NULL,
	card_uid     TEXT NOT NULL,
	fare         INTEGER NOT NULL,
	completed_at TEXT NOT NULL
);
`

// SQLiteStore keeps the snapshot in a single-row table and journals every
// completed fare next to it.
type SQLiteStore struct {
	mu   sync.Mutex
	conn *sqlite.Conn
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("open ledger database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		// fsync on every commit.
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	slog.Info("ledger database opened", slog.String("path", path))
	return &SQLiteStore{conn: conn, path: path}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	var document string
	found := false
	err := sqlitex.Execute(s.conn, `SELECT document FROM ledger_snapshot WHERE id = 1`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			document = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("query ledger snapshot: %w", err)
	}
	if !found {
		return Snapshot{}, ErrNotFound
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(document), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode ledger snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	return s.SaveCompletions(ctx, snap, nil)
}

func (s *SQLiteStore) SaveCompletions(ctx context.Context, snap Snapshot, completions []Completion) (err error) {
	document, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode ledger snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	endTransaction, err := sqlitex.ImmediateTransaction(s.conn)
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(s.conn, `
		INSERT INTO ledger_snapshot (id, document, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{string(document), snap.LastUpdated.UTC().Format(time.RFC3339Nano)}})
	if err != nil {
		return fmt.Errorf("write ledger snapshot: %w", err)
	}

	for _, c := range completions {
		err = sqlitex.Execute(s.conn,
			`INSERT INTO completions (tx_id, card_uid, fare, completed_at) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{c.TxID, string(c.UID), int64(c.Fare), c.At.UTC().Format(time.RFC3339Nano)}})
		if err != nil {
			return fmt.Errorf("journal completion %s: %w", c.TxID, err)
		}
	}
	return nil
}

// Recent returns up to limit journaled completions, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	var out []Completion
	err := sqlitex.Execute(s.conn,
		`SELECT tx_id, card_uid, fare, completed_at FROM completions ORDER BY seq DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				at, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(3))
				if err != nil {
					return fmt.Errorf("parse completed_at: %w", err)
				}
				out = append(out, Completion{
					TxID: stmt.ColumnText(0),
					UID:  etm.CardUID(stmt.ColumnText(1)),
					Fare: etm.Fare(stmt.ColumnInt64(2)),
					At:   at,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close ledger database %s: %w", s.path, err)
	}
	return nil
}
