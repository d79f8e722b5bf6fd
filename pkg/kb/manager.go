// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kb manages per-assistant knowledge bases: document ingestion
// with dedup, chunked vector indexing, search, and the two-step
// reset/purge protocol used for full re-synchronization.
package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/embedders"
	"github.com/etendosoftware/copilot/pkg/logger"
	"github.com/etendosoftware/copilot/pkg/vector"
)

const imageCollectionFormat = "AGENT_%s_IMAGES"

// AddResult reports what ingestion did with an upload.
type AddResult struct {
	Indexed int
	Skipped int
}

// openProviderFunc is swapped in tests.
type openProviderFunc func(kbDir string) (vector.Provider, error)

// Manager owns the knowledge base stores under the configured vector
// directory, one per knowledge base id.
type Manager struct {
	cfg           *config.Config
	embedder      embedders.TextEmbedder
	imageEmbedder embedders.ImageEmbedder
	openProvider  openProviderFunc

	mu     sync.Mutex
	stores map[string]*kbStore
}

type kbStore struct {
	provider vector.Provider
	manifest *Manifest
	dir      string
}

func NewManager(cfg *config.Config, embedder embedders.TextEmbedder, imageEmbedder embedders.ImageEmbedder) *Manager {
	return &Manager{
		cfg:           cfg,
		embedder:      embedder,
		imageEmbedder: imageEmbedder,
		openProvider:  vector.OpenForKB,
		stores:        map[string]*kbStore{},
	}
}

func (m *Manager) store(kbID string) (*kbStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.stores[kbID]; ok {
		return st, nil
	}

	dir := filepath.Join(m.cfg.VectorDBDir(), kbID)
	provider, err := m.openProvider(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store for %s: %w", kbID, err)
	}
	manifest, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	st := &kbStore{provider: provider, manifest: manifest, dir: dir}
	m.stores[kbID] = st
	return st, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AddDocument ingests an uploaded file. Re-sending unchanged content is a
// no-op that clears the purge mark, so a full re-sync after ResetVectorDB
// leaves untouched documents alive. Changed content replaces the previous
// chunks. Images go to the per-assistant image collection.
func (m *Manager) AddDocument(ctx context.Context, kbID, filename string, data []byte, skipSplitting bool, maxChunkSize int) (AddResult, error) {
	if IsImage(filename) {
		if err := m.addImage(ctx, kbID, filename, data); err != nil {
			return AddResult{}, err
		}
		return AddResult{Indexed: 1}, nil
	}

	st, err := m.store(kbID)
	if err != nil {
		return AddResult{}, err
	}

	files, err := Extract(ctx, filename, data)
	if err != nil {
		return AddResult{}, err
	}

	var result AddResult
	for _, file := range files {
		indexed, err := m.indexFile(ctx, st, kbID, file, skipSplitting, maxChunkSize)
		if err != nil {
			// One bad file in an archive should not sink the rest.
			logger.GetLogger().Warn("Failed to index document",
				"kb", kbID, "file", file.Name, "error", err)
			continue
		}
		if indexed {
			result.Indexed++
		} else {
			result.Skipped++
		}
	}

	return result, st.manifest.save(st.dir)
}

// AddText ingests raw text, keyed by its checksum.
func (m *Manager) AddText(ctx context.Context, kbID, text string, skipSplitting bool, maxChunkSize int) (AddResult, error) {
	st, err := m.store(kbID)
	if err != nil {
		return AddResult{}, err
	}

	file := ExtractedFile{Name: "text:" + checksum([]byte(text)), Content: text}
	indexed, err := m.indexFile(ctx, st, kbID, file, skipSplitting, maxChunkSize)
	if err != nil {
		return AddResult{}, err
	}

	result := AddResult{}
	if indexed {
		result.Indexed = 1
	} else {
		result.Skipped = 1
	}
	return result, st.manifest.save(st.dir)
}

// indexFile returns true when new chunks were written, false when the
// content was already present.
func (m *Manager) indexFile(ctx context.Context, st *kbStore, kbID string, file ExtractedFile, skipSplitting bool, maxChunkSize int) (bool, error) {
	if m.embedder == nil {
		return false, fmt.Errorf("text embedding is not configured")
	}
	sum := checksum([]byte(file.Content))

	if entry, ok := st.manifest.Entries[file.Name]; ok {
		if entry.Checksum == sum {
			entry.PurgeMark = false
			return false, nil
		}
		// Same document, new content: drop the stale chunks first.
		if err := st.provider.Delete(ctx, kbID, entry.ChunkIDs...); err != nil {
			return false, fmt.Errorf("failed to replace %s: %w", file.Name, err)
		}
		delete(st.manifest.Entries, file.Name)
	}

	var chunks []Chunk
	if skipSplitting {
		chunks = []Chunk{{Content: file.Content, Index: 0, Total: 1}}
	} else {
		chunks = SplitText(file.Content, maxChunkSize)
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	embeddings, err := m.embedder.EmbedBatchWithContext(ctx, texts)
	if err != nil {
		return false, fmt.Errorf("failed to embed %s: %w", file.Name, err)
	}
	if len(embeddings) != len(chunks) {
		return false, fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(chunks))
	}

	docs := make([]vector.Document, len(chunks))
	ids := make([]string, len(chunks))
	for i, chunk := range chunks {
		id := uuid.NewString()
		ids[i] = id
		docs[i] = vector.Document{
			ID:        id,
			Content:   chunk.Content,
			Embedding: embeddings[i],
			Metadata: map[string]string{
				"filename":    file.Name,
				"chunk_index": strconv.Itoa(chunk.Index),
			},
		}
	}

	if err := st.provider.Upsert(ctx, kbID, docs); err != nil {
		return false, fmt.Errorf("failed to store %s: %w", file.Name, err)
	}

	st.manifest.Entries[file.Name] = &ManifestEntry{Checksum: sum, ChunkIDs: ids}
	return true, nil
}

// Search embeds the query and returns the top k chunks.
func (m *Manager) Search(ctx context.Context, kbID, query string, k int) ([]vector.Result, error) {
	if k <= 0 {
		k = config.DefaultKBSearchK
	}
	if m.embedder == nil {
		return nil, fmt.Errorf("text embedding is not configured")
	}
	st, err := m.store(kbID)
	if err != nil {
		return nil, err
	}

	embedding, err := m.embedder.EmbedWithContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return st.provider.Search(ctx, kbID, embedding, k)
}

// Drop removes a knowledge base entirely, directory included. Used by the
// overwrite flag on ingestion.
func (m *Manager) Drop(kbID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.stores[kbID]; ok {
		if err := st.provider.Close(); err != nil {
			logger.GetLogger().Warn("Failed to close vector store before drop",
				"kb", kbID, "error", err)
		}
		delete(m.stores, kbID)
	}
	return os.RemoveAll(filepath.Join(m.cfg.VectorDBDir(), kbID))
}

// Reset marks every document for purge and returns how many were marked.
// Documents re-added before Purge survive.
func (m *Manager) Reset(kbID string) (int, error) {
	st, err := m.store(kbID)
	if err != nil {
		return 0, err
	}
	count := st.manifest.markAll()
	return count, st.manifest.save(st.dir)
}

// Purge deletes every document still carrying a purge mark and returns
// how many were removed.
func (m *Manager) Purge(ctx context.Context, kbID string) (int, error) {
	st, err := m.store(kbID)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, key := range st.manifest.marked() {
		entry := st.manifest.Entries[key]
		if len(entry.ChunkIDs) > 0 {
			if err := st.provider.Delete(ctx, kbID, entry.ChunkIDs...); err != nil {
				return purged, fmt.Errorf("failed to purge %s: %w", key, err)
			}
		}
		delete(st.manifest.Entries, key)
		purged++
	}
	return purged, st.manifest.save(st.dir)
}

// addImage stores an image embedding in the assistant's image collection,
// keyed by content checksum so re-uploads are idempotent.
func (m *Manager) addImage(ctx context.Context, kbID, filename string, data []byte) error {
	if m.imageEmbedder == nil {
		return fmt.Errorf("image ingestion is not configured, set %s", embedders.ImageServiceURLEnv)
	}

	st, err := m.store(kbID)
	if err != nil {
		return err
	}

	collection := fmt.Sprintf(imageCollectionFormat, kbID)
	sum := checksum(data)
	key := "image:" + filename

	if entry, ok := st.manifest.Entries[key]; ok && entry.Checksum == sum {
		entry.PurgeMark = false
		return st.manifest.save(st.dir)
	}

	embedding, err := m.imageEmbedder.EmbedImage(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to embed image %s: %w", filename, err)
	}

	doc := vector.Document{
		ID:        sum,
		Content:   filename,
		Embedding: embedding,
		Metadata:  map[string]string{"filename": filename},
	}
	if err := st.provider.Upsert(ctx, collection, []vector.Document{doc}); err != nil {
		return fmt.Errorf("failed to store image %s: %w", filename, err)
	}

	st.manifest.Entries[key] = &ManifestEntry{Checksum: sum, ChunkIDs: []string{sum}}
	return st.manifest.save(st.dir)
}

// FindSimilarImage embeds the given image and returns the closest stored
// reference with its score. ok is false when the collection is empty or
// the best match falls below the threshold (when one is set).
func (m *Manager) FindSimilarImage(ctx context.Context, kbID string, data []byte, threshold *float64) (vector.Result, bool, error) {
	if m.imageEmbedder == nil {
		return vector.Result{}, false, fmt.Errorf("image lookup is not configured, set %s", embedders.ImageServiceURLEnv)
	}

	st, err := m.store(kbID)
	if err != nil {
		return vector.Result{}, false, err
	}

	embedding, err := m.imageEmbedder.EmbedImage(ctx, data)
	if err != nil {
		return vector.Result{}, false, err
	}

	collection := fmt.Sprintf(imageCollectionFormat, kbID)
	results, err := st.provider.Search(ctx, collection, embedding, 1)
	if err != nil || len(results) == 0 {
		return vector.Result{}, false, err
	}

	best := results[0]
	if threshold != nil && float64(best.Score) < *threshold {
		return best, false, nil
	}
	return best, true, nil
}

// Close releases every open store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, st := range m.stores {
		if err := st.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, id)
	}
	return firstErr
}
