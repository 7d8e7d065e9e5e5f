package gate

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"rebalancer-go/internal/signal"
)

const schema = `
CREATE TABLE IF NOT EXISTS gate_state (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	last_trigger_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS nonce_counter (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	next_nonce INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS signal_journal (
	nonce         INTEGER PRIMARY KEY,
	portfolio_id  TEXT    NOT NULL,
	deviation_bps INTEGER NOT NULL,
	emitted_at    INTEGER NOT NULL
);`

// Store persists gate state, the signal nonce counter, and an emitted-signal
// journal in sqlite. A restart must not forget an in-cooldown trigger or
// hand out a duplicate nonce.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the database at path.
func OpenStore(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve store path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		path = abs
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// LastTrigger returns the persisted last trigger instant, zero if none.
func (s *Store) LastTrigger() (time.Time, error) {
	var millis int64
	err := s.db.QueryRow("SELECT last_trigger_at FROM gate_state WHERE id = 1").Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load last trigger: %w", err)
	}
	if millis == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(millis).UTC(), nil
}

// SaveLastTrigger upserts the last trigger instant.
func (s *Store) SaveLastTrigger(t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO gate_state (id, last_trigger_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_trigger_at = excluded.last_trigger_at`,
		t.UnixMilli())
	if err != nil {
		return fmt.Errorf("save last trigger: %w", err)
	}
	return nil
}

// NextNonce returns the next monotonically increasing nonce, durably
// advancing the counter so a restart can never reuse a value.
func (s *Store) NextNonce() (uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin nonce tx: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRow("SELECT next_nonce FROM nonce_counter WHERE id = 1").Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		next = 1
		if _, err := tx.Exec("INSERT INTO nonce_counter (id, next_nonce) VALUES (1, 2)"); err != nil {
			return 0, fmt.Errorf("init nonce counter: %w", err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("load nonce counter: %w", err)
	} else {
		if _, err := tx.Exec("UPDATE nonce_counter SET next_nonce = ? WHERE id = 1", next+1); err != nil {
			return 0, fmt.Errorf("advance nonce counter: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit nonce tx: %w", err)
	}
	return uint64(next), nil
}

// Journal records an emitted signal for audit and restart deduplication.
func (s *Store) Journal(sig signal.RebalanceSignal) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO signal_journal (nonce, portfolio_id, deviation_bps, emitted_at)
		VALUES (?, ?, ?, ?)`,
		int64(sig.Nonce), sig.PortfolioID, sig.DeviationBps, sig.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal signal: %w", err)
	}
	return nil
}

// JournaledSignals returns the most recent emitted signals, newest first.
func (s *Store) JournaledSignals(limit int) ([]signal.RebalanceSignal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT nonce, portfolio_id, deviation_bps, emitted_at
		FROM signal_journal ORDER BY nonce DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []signal.RebalanceSignal
	for rows.Next() {
		var (
			nonce  int64
			sig    signal.RebalanceSignal
			millis int64
		)
		if err := rows.Scan(&nonce, &sig.PortfolioID, &sig.DeviationBps, &millis); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		sig.Nonce = uint64(nonce)
		sig.Timestamp = time.UnixMilli(millis).UTC()
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}
