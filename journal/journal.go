// Package journal records finished proxy transactions in SQLite.
// It stores what happened to each request, never the response content.
package journal

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Entry is one finished transaction.
type Entry struct {
	StartedAt time.Time     `json:"startedAt"`
	Client    string        `json:"client"`
	Method    string        `json:"method"`
	Target    string        `json:"target"`
	Outcome   string        `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration"`
}

type Journal struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// Open opens (creating if needed) the journal database in filename.
// The name "memory" opens a private in-memory database.
func Open(filename string) (*Journal, error) {
	inMemory := filename == "memory"
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if inMemory {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER,
		client TEXT,
		method TEXT,
		target TEXT,
		outcome TEXT,
		reason TEXT,
		bytes INTEGER,
		duration_us INTEGER
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	if !inMemory {
		if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Journal{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Record appends e to the journal.
func (j *Journal) Record(e Entry) error {
	j.writeMutex.Lock()
	defer j.writeMutex.Unlock()
	_, err := j.db.Exec(`INSERT INTO transactions
		(started_at, client, method, target, outcome, reason, bytes, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.StartedAt.UnixMicro(), e.Client, e.Method, e.Target, e.Outcome, e.Reason, e.Bytes, e.Duration.Microseconds())
	return err
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	entries := make([]Entry, 0)
	rows, err := j.db.Query(`SELECT
		started_at, client, method, target, outcome, reason, bytes, duration_us
		FROM transactions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var started, duration int64
		if err := rows.Scan(&started, &e.Client, &e.Method, &e.Target, &e.Outcome, &e.Reason, &e.Bytes, &duration); err != nil {
			return entries, err
		}
		e.StartedAt = time.UnixMicro(started)
		e.Duration = time.Duration(duration) * time.Microsecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of recorded entries with the given outcome,
// or of all entries if outcome is empty.
func (j *Journal) Count(outcome string) (int64, error) {
	var n int64
	var err error
	if outcome == "" {
		err = j.db.QueryRow("SELECT COUNT(*) FROM transactions").Scan(&n)
	} else {
		err = j.db.QueryRow("SELECT COUNT(*) FROM transactions WHERE outcome = ?", outcome).Scan(&n)
	}
	return n, err
}

func (j *Journal) Close() error {
	return j.db.Close()
}
