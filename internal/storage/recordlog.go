// Package storage provides the SQLite-backed record log used by the
// file sink and the replay command.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/robolink/bridge-server/internal/sink"
)

var log = logging.Logger("bridge-storage")

// ErrLogClosed is returned by writes after Close.
var ErrLogClosed = errors.New("record log closed")

// RecordLog is an append-only log of delivered records. Rows are
// written in arrival order and replayed in the same order by rowid.
type RecordLog struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	closed bool
}

// OpenRecordLog opens (creating if necessary) the log under basePath.
func OpenRecordLog(basePath string) (*RecordLog, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record log directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "records.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open record log: %w", err)
	}

	l := &RecordLog{db: db, dbPath: dbPath}
	if err := l.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize record log: %w", err)
	}

	return l, nil
}

func (l *RecordLog) initTables() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			schema_id TEXT NOT NULL,
			captured_at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER DEFAULT (strftime('%s', 'now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}

	if _, err := l.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_records_topic_time
		ON records (topic, captured_at)
	`); err != nil {
		return fmt.Errorf("failed to create topic index: %w", err)
	}

	return nil
}

// Path returns the database file path.
func (l *RecordLog) Path() string {
	return l.dbPath
}

// Append writes one record. Capture times are stored as Unix
// nanoseconds so replay preserves inter-record spacing.
func (l *RecordLog) Append(ctx context.Context, rec sink.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO records (topic, schema_id, captured_at, payload)
		VALUES (?, ?, ?, ?)
	`, rec.Topic, rec.SchemaID, rec.CapturedAt.UnixNano(), rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// AppendBatch writes records in one transaction, preserving order.
func (l *RecordLog) AppendBatch(ctx context.Context, recs []sink.Record) error {
	if len(recs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO records (topic, schema_id, captured_at, payload)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.Exec(rec.Topic, rec.SchemaID, rec.CapturedAt.UnixNano(), rec.Payload); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to append record on %s: %w", rec.Topic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (l *RecordLog) Count() (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var count int64
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Topics returns the distinct topics present in the log.
func (l *RecordLog) Topics() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT DISTINCT topic FROM records ORDER BY topic`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("failed to scan topic row: %w", err)
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

// Replay calls fn for each stored record in append order. Replay stops
// on the first fn error or when ctx ends.
func (l *RecordLog) Replay(ctx context.Context, fn func(rec sink.Record) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT topic, schema_id, captured_at, payload
		FROM records
		ORDER BY id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to query records for replay: %w", err)
	}
	defer rows.Close()

	var replayed int64
	for rows.Next() {
		var rec sink.Record
		var capturedAt int64
		if err := rows.Scan(&rec.Topic, &rec.SchemaID, &capturedAt, &rec.Payload); err != nil {
			return fmt.Errorf("failed to scan record row: %w", err)
		}
		rec.CapturedAt = time.Unix(0, capturedAt).UTC()

		if err := fn(rec); err != nil {
			return err
		}
		replayed++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("replay aborted after %d records: %w", replayed, err)
	}

	log.Infof("Replayed %d records from %s", replayed, l.dbPath)
	return nil
}

// Close flushes and closes the underlying database.
func (l *RecordLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
