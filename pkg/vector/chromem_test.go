package vector

import (
	"context"
	"testing"
)

func testDocs() []Document {
	return []Document{
		{ID: "a", Content: "invoices overview", Embedding: []float32{1, 0, 0}, Metadata: map[string]string{"md5": "h1"}},
		{ID: "b", Content: "orders overview", Embedding: []float32{0, 1, 0}, Metadata: map[string]string{"md5": "h2"}},
		{ID: "c", Content: "shipping policy", Embedding: []float32{0, 0, 1}, Metadata: map[string]string{"md5": "h3"}},
	}
}

func TestChromemUpsertAndSearch(t *testing.T) {
	p, err := NewChromemProvider(t.TempDir(), false)
	if err != nil {
		t.Fatalf("failed to open provider: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.Upsert(ctx, "kb1", testDocs()); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	results, err := p.Search(ctx, "kb1", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("expected nearest doc a, got %s", results[0].ID)
	}
	if results[0].Metadata["md5"] != "h1" {
		t.Errorf("metadata lost: %+v", results[0].Metadata)
	}
}

func TestChromemSearchCapsTopK(t *testing.T) {
	p, err := NewChromemProvider("", false)
	if err != nil {
		t.Fatalf("failed to open provider: %v", err)
	}

	ctx := context.Background()
	if err := p.Upsert(ctx, "kb1", testDocs()[:1]); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	results, err := p.Search(ctx, "kb1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
}

func TestChromemDelete(t *testing.T) {
	p, err := NewChromemProvider("", false)
	if err != nil {
		t.Fatalf("failed to open provider: %v", err)
	}

	ctx := context.Background()
	if err := p.Upsert(ctx, "kb1", testDocs()); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := p.Delete(ctx, "kb1", "a", "b"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	count, err := p.Count("kb1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 remaining doc, got %d", count)
	}
}

func TestChromemPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p, err := NewChromemProvider(dir, false)
	if err != nil {
		t.Fatalf("failed to open provider: %v", err)
	}
	if err := p.Upsert(ctx, "kb1", testDocs()); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reloaded, err := NewChromemProvider(dir, false)
	if err != nil {
		t.Fatalf("failed to reload provider: %v", err)
	}
	count, err := reloaded.Count("kb1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 docs after reload, got %d", count)
	}
}

func TestChromemDeleteCollection(t *testing.T) {
	p, err := NewChromemProvider("", false)
	if err != nil {
		t.Fatalf("failed to open provider: %v", err)
	}

	ctx := context.Background()
	if err := p.Upsert(ctx, "kb1", testDocs()); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := p.DeleteCollection(ctx, "kb1"); err != nil {
		t.Fatalf("delete collection failed: %v", err)
	}

	count, err := p.Count("kb1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty collection, got %d", count)
	}
}
