package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "checkpoints.sqlite"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, "sqlite")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := json.RawMessage(`{"messages":[{"role":"user","content":"hello"}]}`)
	if err := store.Put(ctx, "conv-1", state); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := store.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != string(state) {
		t.Errorf("state mismatch: got %s, want %s", got, state)
	}
}

func TestPutOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "conv-1", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := store.Put(ctx, "conv-1", json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	got, err := store.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != `{"n":2}` {
		t.Errorf("expected overwritten state, got %s", got)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "conv-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting again is a no-op.
	if err := store.Delete(ctx, "conv-1"); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
}

func TestConversationsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "a", json.RawMessage(`{"c":"a"}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "b", json.RawMessage(`{"c":"b"}`)); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"c":"a"}` {
		t.Errorf("conversation a got %s", got)
	}
}

func TestUnsupportedDialect(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "x.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := NewStore(db, "oracle"); err == nil {
		t.Error("expected error for unsupported dialect")
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	s := &Store{dialect: "postgres"}
	got := s.query(`UPDATE checkpoints SET state = ?, updated_at = ? WHERE conversation_id = ?`)
	want := `UPDATE checkpoints SET state = $1, updated_at = $2 WHERE conversation_id = $3`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	s = &Store{dialect: "sqlite"}
	if got := s.query(`SELECT ?`); got != `SELECT ?` {
		t.Errorf("sqlite query rewritten: %q", got)
	}
}
