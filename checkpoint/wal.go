package checkpoint

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mudworks/weaver/store"
)

// Log is the write-ahead durability log: one row per committed version,
// appended inside the store's commit critical section. SQLite in WAL mode
// keeps appends cheap and makes startup replay a single ordered scan.
type Log struct {
	db *sql.DB
}

// OpenLog opens (or creates) the durability log database.
func OpenLog(path string) (*Log, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open durability log: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate durability log: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commits (
		version    INTEGER PRIMARY KEY,
		payload    BLOB NOT NULL,
		created_at TEXT NOT NULL
	);`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (l *Log) Close() error { return l.db.Close() }

// retryOnContention retries transient SQLite errors (BUSY, LOCKED) a few
// times before giving up. Contention is rare here because appends come from
// the store's single critical section, but pruning runs concurrently.
func retryOnContention(fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		msg := err.Error()
		if !strings.Contains(msg, "SQLITE_BUSY") && !strings.Contains(msg, "database is locked") {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

// Append durably records one committed version. It has the store.CommitHook
// shape; a returned error halts the store.
func (l *Log) Append(version uint64, writes []store.Write) error {
	payload, err := encodeWrites(writes)
	if err != nil {
		return err
	}
	return retryOnContention(func() error {
		_, err := l.db.Exec(
			`INSERT INTO commits (version, payload, created_at) VALUES (?, ?, ?)`,
			version, payload, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// ReplayAfter streams every logged commit with version > after, in order,
// through apply. Replay stops at the first apply error.
func (l *Log) ReplayAfter(after uint64, apply func(version uint64, writes []store.Write) error) error {
	rows, err := l.db.Query(
		`SELECT version, payload FROM commits WHERE version > ? ORDER BY version ASC`, after)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var version uint64
		var payload []byte
		if err := rows.Scan(&version, &payload); err != nil {
			return err
		}
		writes, err := decodeWrites(payload)
		if err != nil {
			return fmt.Errorf("decoding log entry %d: %w", version, err)
		}
		if err := apply(version, writes); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LatestVersion returns the newest logged version, or 0 for an empty log.
func (l *Log) LatestVersion() (uint64, error) {
	var v sql.NullInt64
	if err := l.db.QueryRow(`SELECT MAX(version) FROM commits`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return uint64(v.Int64), nil
}

// PruneThrough drops log entries already covered by a finished snapshot.
func (l *Log) PruneThrough(version uint64) error {
	return retryOnContention(func() error {
		_, err := l.db.Exec(`DELETE FROM commits WHERE version <= ?`, version)
		return err
	})
}
