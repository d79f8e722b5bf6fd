package kb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/vector"
)

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(text string) ([]float32, error) {
	return f.EmbedWithContext(context.Background(), text)
}

func (f *fakeEmbedder) EmbedWithContext(_ context.Context, text string) ([]float32, error) {
	v := float32(len(text)%7) + 1
	return []float32{v, 1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatchWithContext(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.EmbedWithContext(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) GetDimension() int    { return 3 }
func (f *fakeEmbedder) GetModelName() string { return "fake" }
func (f *fakeEmbedder) Close() error         { return nil }

type fakeProvider struct {
	docs    map[string]map[string]vector.Document
	deleted []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{docs: map[string]map[string]vector.Document{}}
}

func (p *fakeProvider) CreateCollection(context.Context, string, int) error { return nil }

func (p *fakeProvider) Upsert(_ context.Context, collection string, docs []vector.Document) error {
	if p.docs[collection] == nil {
		p.docs[collection] = map[string]vector.Document{}
	}
	for _, doc := range docs {
		p.docs[collection][doc.ID] = doc
	}
	return nil
}

func (p *fakeProvider) Search(_ context.Context, collection string, _ []float32, topK int) ([]vector.Result, error) {
	var out []vector.Result
	for _, doc := range p.docs[collection] {
		if len(out) >= topK {
			break
		}
		out = append(out, vector.Result{ID: doc.ID, Score: 0.9, Content: doc.Content, Metadata: doc.Metadata})
	}
	return out, nil
}

func (p *fakeProvider) SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, _ map[string]string) ([]vector.Result, error) {
	return p.Search(ctx, collection, vec, topK)
}

func (p *fakeProvider) Delete(_ context.Context, collection string, ids ...string) error {
	for _, id := range ids {
		delete(p.docs[collection], id)
		p.deleted = append(p.deleted, id)
	}
	return nil
}

func (p *fakeProvider) DeleteCollection(_ context.Context, collection string) error {
	delete(p.docs, collection)
	return nil
}

func (p *fakeProvider) Name() string { return "fake" }
func (p *fakeProvider) Close() error { return nil }

func (p *fakeProvider) count(collection string) int { return len(p.docs[collection]) }

func newTestManager(t *testing.T) (*Manager, *fakeProvider) {
	t.Helper()
	t.Setenv("COPILOT_DOCKER", "false")

	cfg := config.Load()

	provider := newFakeProvider()
	m := NewManager(cfg, &fakeEmbedder{}, nil)
	m.cfg = cfg
	m.openProvider = func(string) (vector.Provider, error) { return provider, nil }

	dir := t.TempDir()
	m.stores["kb1"] = &kbStore{provider: provider, manifest: newManifest(), dir: dir}
	return m, provider
}

func TestAddDocumentIndexesAndDedups(t *testing.T) {
	m, provider := newTestManager(t)
	ctx := context.Background()

	res, err := m.AddDocument(ctx, "kb1", "notes.txt", []byte("hello world"), false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Indexed != 1 || res.Skipped != 0 {
		t.Fatalf("first add = %+v, want 1 indexed", res)
	}
	if provider.count("kb1") != 1 {
		t.Fatalf("chunks = %d, want 1", provider.count("kb1"))
	}

	res, err = m.AddDocument(ctx, "kb1", "notes.txt", []byte("hello world"), false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Indexed != 0 || res.Skipped != 1 {
		t.Fatalf("re-add = %+v, want 1 skipped", res)
	}
	if provider.count("kb1") != 1 {
		t.Errorf("dedup should not add chunks, have %d", provider.count("kb1"))
	}
}

func TestAddDocumentReplacesChangedContent(t *testing.T) {
	m, provider := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "kb1", "notes.txt", []byte("version one"), false, 0); err != nil {
		t.Fatal(err)
	}
	oldIDs := m.stores["kb1"].manifest.Entries["notes.txt"].ChunkIDs

	if _, err := m.AddDocument(ctx, "kb1", "notes.txt", []byte("version two"), false, 0); err != nil {
		t.Fatal(err)
	}

	if provider.count("kb1") != 1 {
		t.Fatalf("chunks = %d, want 1 after replacement", provider.count("kb1"))
	}
	for _, id := range oldIDs {
		found := false
		for _, deleted := range provider.deleted {
			if deleted == id {
				found = true
			}
		}
		if !found {
			t.Errorf("old chunk %s was not deleted", id)
		}
	}
}

func TestResetPurgeProtocol(t *testing.T) {
	m, provider := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "kb1", "keep.txt", []byte("keep me"), false, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddDocument(ctx, "kb1", "drop.txt", []byte("drop me"), false, 0); err != nil {
		t.Fatal(err)
	}

	marked, err := m.Reset("kb1")
	if err != nil {
		t.Fatal(err)
	}
	if marked != 2 {
		t.Fatalf("marked = %d, want 2", marked)
	}

	// Re-sending keep.txt unchanged clears its purge mark.
	if _, err := m.AddDocument(ctx, "kb1", "keep.txt", []byte("keep me"), false, 0); err != nil {
		t.Fatal(err)
	}

	purged, err := m.Purge(ctx, "kb1")
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, ok := m.stores["kb1"].manifest.Entries["keep.txt"]; !ok {
		t.Error("keep.txt should survive the purge")
	}
	if _, ok := m.stores["kb1"].manifest.Entries["drop.txt"]; ok {
		t.Error("drop.txt should be purged")
	}
	if provider.count("kb1") != 1 {
		t.Errorf("chunks = %d, want 1 after purge", provider.count("kb1"))
	}
}

func TestDocumentsAddedBetweenResetAndPurgeSurvive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "kb1", "old.txt", []byte("old"), false, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reset("kb1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddDocument(ctx, "kb1", "new.txt", []byte("brand new"), false, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Purge(ctx, "kb1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.stores["kb1"].manifest.Entries["new.txt"]; !ok {
		t.Error("document added after reset should survive purge")
	}
}

func TestSplitText(t *testing.T) {
	small := SplitText("one line", 100)
	if len(small) != 1 || small[0].Total != 1 {
		t.Fatalf("small content should be one chunk, got %d", len(small))
	}

	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "line number %d with some padding text\n", i)
	}
	chunks := SplitText(b.String(), 200)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Errorf("chunk %d has index %d", i, chunk.Index)
		}
		if chunk.Total != len(chunks) {
			t.Errorf("chunk %d total = %d, want %d", i, chunk.Total, len(chunks))
		}
		if len(chunk.Content) > 200+50 {
			t.Errorf("chunk %d is oversized: %d bytes", i, len(chunk.Content))
		}
	}
}

func TestSkipSplitting(t *testing.T) {
	m, provider := newTestManager(t)
	ctx := context.Background()

	var b strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if _, err := m.AddDocument(ctx, "kb1", "whole.txt", []byte(b.String()), true, 100); err != nil {
		t.Fatal(err)
	}
	if provider.count("kb1") != 1 {
		t.Errorf("skip_splitting should index one chunk, got %d", provider.count("kb1"))
	}
}

func TestSearchToolFormatsResults(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "kb1", "doc.txt", []byte("alpha beta gamma"), false, 0); err != nil {
		t.Fatal(err)
	}

	tool := NewSearchTool(m, "kb1", 4)
	res, err := tool.Execute(ctx, map[string]interface{}{"query": "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("search failed: %+v", res)
	}
	if !strings.Contains(res.Content, "alpha beta gamma") || !strings.Contains(res.Content, "[doc.txt]") {
		t.Errorf("unexpected content: %q", res.Content)
	}

	res, err = tool.Execute(ctx, map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("missing query should fail")
	}
}

func TestIsImage(t *testing.T) {
	for _, name := range []string{"a.png", "b.JPG", "c.jpeg", "d.webp", "e.GIF"} {
		if !IsImage(name) {
			t.Errorf("IsImage(%q) = false", name)
		}
	}
	for _, name := range []string{"a.txt", "b.pdf", "noext"} {
		if IsImage(name) {
			t.Errorf("IsImage(%q) = true", name)
		}
	}
}

type fakeImageEmbedder struct{}

func (f *fakeImageEmbedder) EmbedImage(_ context.Context, image []byte) ([]float32, error) {
	return []float32{float32(len(image) % 5), 1, 0}, nil
}

func (f *fakeImageEmbedder) GetDimension() int { return 3 }
func (f *fakeImageEmbedder) Close() error      { return nil }

func TestReferenceToolFindsStoredImage(t *testing.T) {
	m, _ := newTestManager(t)
	m.imageEmbedder = &fakeImageEmbedder{}
	ctx := context.Background()

	ref := filepath.Join(t.TempDir(), "logo.png")
	if err := os.WriteFile(ref, []byte("fake-png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddDocument(ctx, "kb1", ref, []byte("fake-png-bytes"), false, 0); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	tool := NewReferenceTool(m, "kb1", nil)
	res, err := tool.Execute(ctx, map[string]interface{}{"image_path": ref})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("lookup failed: %s", res.Error)
	}
	out, ok := res.Output.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected output type %T", res.Output)
	}
	if out["reference"] != ref {
		t.Errorf("reference = %v, want %s", out["reference"], ref)
	}
	if _, ok := out["base64"]; !ok {
		t.Error("expected base64 of the stored reference")
	}
}

func TestReferenceToolWithoutImageEmbedder(t *testing.T) {
	m, _ := newTestManager(t)

	tool := NewReferenceTool(m, "kb1", nil)
	res, err := tool.Execute(context.Background(), map[string]interface{}{"image_path": "missing.png"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("expected an error result when image lookup is unconfigured")
	}
}
