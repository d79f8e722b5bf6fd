// Package checkpoint persists conversation state between requests so a
// graph run can resume where the previous question left off.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/etendosoftware/copilot/pkg/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a conversation has no checkpoint yet.
var ErrNotFound = errors.New("checkpoint not found")

const sqliteFilename = "checkpoints.sqlite"

const createTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    conversation_id VARCHAR(255) PRIMARY KEY,
    state TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// Store is a SQL-backed checkpoint store. PostgreSQL, MySQL and SQLite
// are supported via database/sql.
type Store struct {
	db      *sql.DB
	dialect string
}

// NewStore wraps an existing connection and ensures the schema exists.
func NewStore(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

// Open builds a store from the environment. Without explicit settings it
// uses an SQLite file under the configured checkpoint directory.
func Open(cfg *config.Config) (*Store, error) {
	driver := os.Getenv("COPILOT_CHECKPOINT_DRIVER")
	dsn := os.Getenv("COPILOT_CHECKPOINT_DSN")

	if driver == "" {
		driver = "sqlite"
	}
	if driver == "sqlite" && dsn == "" {
		dir := cfg.CheckpointDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
		dsn = filepath.Join(dir, sqliteFilename)
	}
	if dsn == "" {
		return nil, fmt.Errorf("COPILOT_CHECKPOINT_DSN is required for driver %s", driver)
	}

	// go-sqlite3 registers as "sqlite3".
	driverName := driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping checkpoint database: %w", err)
	}

	return NewStore(db, driver)
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, createTableSQL)
	return err
}

// placeholders rewrites ?-style parameters for postgres.
func (s *Store) query(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	out := make([]byte, 0, len(q)+8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, q[i])
	}
	return string(out)
}

// Put stores the state for a conversation, replacing any previous
// checkpoint. The update-or-insert runs in one transaction so a read
// immediately after Put sees the new state.
func (s *Store) Put(ctx context.Context, conversationID string, state json.RawMessage) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		s.query(`UPDATE checkpoints SET state = ?, updated_at = ? WHERE conversation_id = ?`),
		string(state), now, conversationID)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = tx.ExecContext(ctx,
			s.query(`INSERT INTO checkpoints (conversation_id, state, created_at, updated_at) VALUES (?, ?, ?, ?)`),
			conversationID, string(state), now, now)
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
	}

	return tx.Commit()
}

// Get returns the stored state, or ErrNotFound.
func (s *Store) Get(ctx context.Context, conversationID string) (json.RawMessage, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		s.query(`SELECT state FROM checkpoints WHERE conversation_id = ?`),
		conversationID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return json.RawMessage(state), nil
}

// Delete removes a conversation's checkpoint. Deleting a missing
// checkpoint is not an error.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		s.query(`DELETE FROM checkpoints WHERE conversation_id = ?`),
		conversationID)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
