package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marketwire/newspipe/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	lastInputs []string
	lastID     *int64
	model      string
	err        error
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string, articleID *int64) ([][]float32, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastInputs = inputs
	f.lastID = articleID
	if f.err != nil {
		return nil, "", f.err
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{float32(i + 1)}
	}
	model := f.model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return out, model, nil
}

type fakeSearchStore struct {
	mu           sync.Mutex
	replaced     map[string][]store.EmbeddingChunk
	replaceErr   error
	vectorHits   []store.SearchHit
	keywordHits  []store.SearchHit
	vectorErr    error
	keywordErr   error
	vectorLimit  int
	keywordLimit int
}

func newFakeSearchStore() *fakeSearchStore {
	return &fakeSearchStore{replaced: map[string][]store.EmbeddingChunk{}}
}

func (f *fakeSearchStore) ReplaceEmbeddings(_ context.Context, sourceType string, sourceID int64, chunks []store.EmbeddingChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced[fmt.Sprintf("%s/%d", sourceType, sourceID)] = chunks
	return nil
}

func (f *fakeSearchStore) VectorSearch(_ context.Context, _ []float32, limit int) ([]store.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectorLimit = limit
	return f.vectorHits, f.vectorErr
}

func (f *fakeSearchStore) KeywordSearch(_ context.Context, _ string, limit int) ([]store.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keywordLimit = limit
	return f.keywordHits, f.keywordErr
}

func (f *fakeSearchStore) chunksFor(sourceType string, sourceID int64) []store.EmbeddingChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replaced[fmt.Sprintf("%s/%d", sourceType, sourceID)]
}

// --- Store ---

func TestStore_SingleChunk(t *testing.T) {
	st := newFakeSearchStore()
	emb := &fakeEmbedder{}
	ix := NewIndexer(st, emb, WithLogger(testLogger()))

	res, err := ix.Store(context.Background(), SourceNews, 7, "Acme beats estimates by a wide margin.", "ACME")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if res.ChunksStored != 1 || res.Model != "text-embedding-3-small" {
		t.Fatalf("unexpected result: %+v", res)
	}

	chunks := st.chunksFor(SourceNews, 7)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 stored chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.ChunkIndex != 0 || c.Model != "text-embedding-3-small" || c.Symbol != "ACME" {
		t.Errorf("unexpected chunk: %+v", c)
	}
	if c.TokenCount <= 0 {
		t.Errorf("token count should be estimated, got %d", c.TokenCount)
	}
	if len(c.Embedding) == 0 {
		t.Errorf("chunk stored without vector")
	}
}

func TestStore_MultiChunkSingleBatch(t *testing.T) {
	st := newFakeSearchStore()
	emb := &fakeEmbedder{}
	ix := NewIndexer(st, emb, WithLogger(testLogger()))

	sentence := "The central bank held rates steady and flagged slower growth ahead. "
	content := strings.Repeat(sentence, 60) // well past one chunk

	res, err := ix.Store(context.Background(), SourceNews, 3, content, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if res.ChunksStored < 2 {
		t.Fatalf("expected multiple chunks, got %d", res.ChunksStored)
	}
	if emb.calls != 1 {
		t.Errorf("chunks should embed in one batch call, got %d calls", emb.calls)
	}
	chunks := st.chunksFor(SourceNews, 3)
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d stored with index %d", i, c.ChunkIndex)
		}
	}
}

func TestStore_IdempotentForSameContent(t *testing.T) {
	st := newFakeSearchStore()
	ix := NewIndexer(st, &fakeEmbedder{}, WithLogger(testLogger()))

	content := "Same article body. It does not change between runs."
	if _, err := ix.Store(context.Background(), SourceNews, 5, content, ""); err != nil {
		t.Fatalf("first store: %v", err)
	}
	first := st.chunksFor(SourceNews, 5)
	if _, err := ix.Store(context.Background(), SourceNews, 5, content, ""); err != nil {
		t.Fatalf("second store: %v", err)
	}
	second := st.chunksFor(SourceNews, 5)

	if len(first) != len(second) {
		t.Fatalf("chunk count changed: %d then %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Text != second[i].Text || first[i].Model != second[i].Model {
			t.Errorf("chunk %d changed between identical runs", i)
		}
	}
}

func TestStore_EmptyContentErrors(t *testing.T) {
	ix := NewIndexer(newFakeSearchStore(), &fakeEmbedder{}, WithLogger(testLogger()))
	if _, err := ix.Store(context.Background(), SourceNews, 1, "   ", ""); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestStore_EmbedErrorPropagates(t *testing.T) {
	st := newFakeSearchStore()
	emb := &fakeEmbedder{err: errors.New("rate limited")}
	ix := NewIndexer(st, emb, WithLogger(testLogger()))

	_, err := ix.Store(context.Background(), SourceNews, 2, "some body", "")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected embed error, got %v", err)
	}
	if len(st.chunksFor(SourceNews, 2)) != 0 {
		t.Errorf("store must not be touched when embedding fails")
	}
}

func TestStore_NewsSourceCarriesArticleID(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := NewIndexer(newFakeSearchStore(), emb, WithLogger(testLogger()))

	if _, err := ix.Store(context.Background(), SourceNews, 9, "body text", ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	if emb.lastID == nil || *emb.lastID != 9 {
		t.Errorf("news indexing should attribute usage to the article, got %v", emb.lastID)
	}

	if _, err := ix.Store(context.Background(), "report", 9, "body text", ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	if emb.lastID != nil {
		t.Errorf("non-news source should not carry an article id")
	}
}

// --- HybridSearch ---

func hit(id int64, text string, createdAt time.Time) store.SearchHit {
	return store.SearchHit{SourceType: "news", SourceID: id, ChunkIndex: 0, Text: text, Score: 0.5, CreatedAt: createdAt}
}

func TestHybridSearch_FusesBothBackends(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newFakeSearchStore()
	st.vectorHits = []store.SearchHit{hit(1, "alpha", now), hit(2, "beta", now)}
	st.keywordHits = []store.SearchHit{hit(2, "beta", now), hit(3, "gamma", now)}
	ix := NewIndexer(st, &fakeEmbedder{}, WithLogger(testLogger()),
		WithNowFunc(func() time.Time { return now }))

	results, err := ix.HybridSearch(context.Background(), "beta query", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 fused hits, got %d: %+v", len(results), results)
	}
	// Hit 2 ranks in both backends and must fuse to the top; hit 1 leads the
	// heavier vector list and must beat the keyword-only hit 3.
	if results[0].SourceID != 2 || results[1].SourceID != 1 || results[2].SourceID != 3 {
		t.Errorf("unexpected order: %d, %d, %d",
			results[0].SourceID, results[1].SourceID, results[2].SourceID)
	}
	if results[0].Score <= results[1].Score || results[1].Score <= results[2].Score {
		t.Errorf("scores not strictly ordered: %+v", results)
	}
}

func TestHybridSearch_FreshnessBreaksRelevanceTies(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-120 * 24 * time.Hour)
	st := newFakeSearchStore()
	// Mirrored ranks with equal weights give both hits the same fused
	// relevance, so freshness alone decides.
	st.vectorHits = []store.SearchHit{hit(1, "stale", old), hit(2, "fresh", now)}
	st.keywordHits = []store.SearchHit{hit(2, "fresh", now), hit(1, "stale", old)}
	ix := NewIndexer(st, &fakeEmbedder{}, WithLogger(testLogger()),
		WithFusionWeights(0.5, 0.5),
		WithNowFunc(func() time.Time { return now }))

	results, err := ix.HybridSearch(context.Background(), "query", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 || results[0].SourceID != 2 {
		t.Fatalf("fresh hit should win the tie: %+v", results)
	}
}

func TestHybridSearch_TopKTruncates(t *testing.T) {
	now := time.Now()
	st := newFakeSearchStore()
	for i := int64(1); i <= 5; i++ {
		st.vectorHits = append(st.vectorHits, hit(i, "text", now))
	}
	ix := NewIndexer(st, &fakeEmbedder{}, WithLogger(testLogger()))

	results, err := ix.HybridSearch(context.Background(), "query", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected top 2, got %d", len(results))
	}
}

func TestHybridSearch_CandidatePoolSize(t *testing.T) {
	st := newFakeSearchStore()
	ix := NewIndexer(st, &fakeEmbedder{}, WithLogger(testLogger()), WithCandidates(7))

	if _, err := ix.HybridSearch(context.Background(), "query", 3); err != nil {
		t.Fatalf("search: %v", err)
	}
	if st.vectorLimit != 7 || st.keywordLimit != 7 {
		t.Errorf("backends asked for %d/%d candidates, want 7", st.vectorLimit, st.keywordLimit)
	}
}

func TestHybridSearch_EmptyQueryErrors(t *testing.T) {
	ix := NewIndexer(newFakeSearchStore(), &fakeEmbedder{}, WithLogger(testLogger()))
	if _, err := ix.HybridSearch(context.Background(), "  ", 5); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestHybridSearch_BackendErrorPropagates(t *testing.T) {
	st := newFakeSearchStore()
	st.vectorErr = errors.New("connection refused")
	ix := NewIndexer(st, &fakeEmbedder{}, WithLogger(testLogger()))

	_, err := ix.HybridSearch(context.Background(), "query", 5)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestHybridSearch_EmbedErrorPropagates(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("no provider")}
	ix := NewIndexer(newFakeSearchStore(), emb, WithLogger(testLogger()))

	if _, err := ix.HybridSearch(context.Background(), "query", 5); err == nil {
		t.Fatal("expected embed error")
	}
}
