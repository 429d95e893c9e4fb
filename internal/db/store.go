// Package db is the SQLite persistence layer: jobs, repository locks,
// execution metrics and the notification outbox.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout matches strftime('%Y-%m-%dT%H:%M:%fZ') so Go-written and
// SQL-written timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store holds a single-connection writer and a read-only pool over the same
// WAL database file.
type Store struct {
	Writer *sql.DB
	Reader *sql.DB

	rx *sqlx.DB
}

// Open creates the database directory if needed, opens both pools and
// applies pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	writerDSN := "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	if err := migrate(context.Background(), writerDSN); err != nil {
		return nil, err
	}

	writer, err := sql.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY between pooled writers.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	s := &Store{Writer: writer}

	reader, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_query_only=true")
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetConnMaxIdleTime(5 * time.Minute)

	s.Reader = reader
	s.rx = sqlx.NewDb(reader, "sqlite3")
	return s, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	var firstErr error
	if s.Reader != nil {
		if err := s.Reader.Close(); err != nil {
			firstErr = err
		}
	}
	if s.Writer != nil {
		if err := s.Writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// migrate runs on its own short-lived pool so goose is free to use more than
// the writer's single connection.
func migrate(ctx context.Context, dsn string) error {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open migration db: %w", err)
	}
	defer conn.Close()

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, sub)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

// FormatTime renders t in the store's timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a store timestamp. The empty string yields the zero time.
func ParseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}
