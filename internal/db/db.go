package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const DefaultName = "taskflow.db"

// TimeLayout is the fixed-width UTC form every timestamp column uses, so
// stored values sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type Config struct {
	// Path is the database file. A directory gets DefaultName appended.
	Path string
}

func dbPath(p string) string {
	if p == "" {
		return DefaultName
	}
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		return filepath.Join(p, DefaultName)
	}
	return p
}

// EnsureDir creates the directory holding the database file if missing.
func EnsureDir(p string) (string, error) {
	dir := filepath.Dir(dbPath(p))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating db directory: %w", err)
	}
	return dir, nil
}

// Open opens the SQLite database with foreign keys on, WAL journaling and
// immediate write transactions so concurrent writers queue on busy_timeout
// instead of failing on lock upgrade.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg.Path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(10000)&_txlock=immediate", dbPath(cfg.Path))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return conn, nil
}

// Path returns the resolved db file path.
func Path(p string) string {
	return dbPath(p)
}
