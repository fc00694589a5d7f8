package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketwire/newspipe/internal/store"
)

// SourceNews is the source_type under which pipeline articles are indexed.
const SourceNews = "news"

const (
	rrfK                 = 60
	defaultCandidates    = 20
	defaultVectorWeight  = 0.6
	defaultKeywordWeight = 0.4
	relevanceWeight      = 0.8
	freshnessWeight      = 0.2
	defaultHalfLife      = 60 * 24 * time.Hour
)

// Embedder is the slice of the LLM gateway the indexer needs: one vector per
// input, in order, plus the model that produced them.
type Embedder interface {
	Embed(ctx context.Context, inputs []string, articleID *int64) ([][]float32, string, error)
}

// Store is the slice of the persistence layer the indexer needs.
type Store interface {
	ReplaceEmbeddings(ctx context.Context, sourceType string, sourceID int64, chunks []store.EmbeddingChunk) error
	VectorSearch(ctx context.Context, query []float32, limit int) ([]store.SearchHit, error)
	KeywordSearch(ctx context.Context, query string, limit int) ([]store.SearchHit, error)
}

// Indexer chunks documents, embeds the chunks in one batch and swaps them
// into the vector store atomically. It also serves hybrid search over the
// indexed corpus.
type Indexer struct {
	store    Store
	embedder Embedder
	chunker  Chunker
	logger   *slog.Logger

	candidates    int
	vectorWeight  float64
	keywordWeight float64
	halfLife      time.Duration
	nowFunc       func() time.Time
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithChunker overrides the default 1500/150 chunk geometry.
func WithChunker(c Chunker) Option {
	return func(ix *Indexer) { ix.chunker = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) {
		if l != nil {
			ix.logger = l
		}
	}
}

// WithCandidates sets how many hits each backend contributes to fusion.
func WithCandidates(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.candidates = n
		}
	}
}

// WithFusionWeights sets the per-backend reciprocal-rank weights.
func WithFusionWeights(vector, keyword float64) Option {
	return func(ix *Indexer) {
		if vector > 0 {
			ix.vectorWeight = vector
		}
		if keyword > 0 {
			ix.keywordWeight = keyword
		}
	}
}

// WithFreshnessHalfLife sets the age at which a hit's freshness halves.
func WithFreshnessHalfLife(d time.Duration) Option {
	return func(ix *Indexer) {
		if d > 0 {
			ix.halfLife = d
		}
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(f func() time.Time) Option {
	return func(ix *Indexer) {
		if f != nil {
			ix.nowFunc = f
		}
	}
}

// NewIndexer wires an indexer over the given store and embedder.
func NewIndexer(st Store, emb Embedder, opts ...Option) *Indexer {
	ix := &Indexer{
		store:         st,
		embedder:      emb,
		chunker:       NewChunker(),
		logger:        slog.Default(),
		candidates:    defaultCandidates,
		vectorWeight:  defaultVectorWeight,
		keywordWeight: defaultKeywordWeight,
		halfLife:      defaultHalfLife,
		nowFunc:       time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// StoreResult reports one indexing run.
type StoreResult struct {
	ChunksStored int    `json:"chunks_stored"`
	Model        string `json:"model"`
}

// Store chunks content, embeds every chunk in a single batch call and
// replaces the document's rows in the vector store. Replacement is atomic
// and serialised per document, so indexing the same content twice leaves the
// store unchanged and concurrent indexers of one document cannot interleave.
func (ix *Indexer) Store(ctx context.Context, sourceType string, sourceID int64, content, symbol string) (*StoreResult, error) {
	texts := ix.chunker.Split(content)
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedding: no content to index for %s/%d", sourceType, sourceID)
	}

	var articleID *int64
	if sourceType == SourceNews {
		id := sourceID
		articleID = &id
	}
	vectors, model, err := ix.embedder.Embed(ctx, texts, articleID)
	if err != nil {
		return nil, fmt.Errorf("embedding: embed %s/%d: %w", sourceType, sourceID, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding: %d vectors for %d chunks", len(vectors), len(texts))
	}

	chunks := make([]store.EmbeddingChunk, len(texts))
	for i, text := range texts {
		chunks[i] = store.EmbeddingChunk{
			ChunkIndex: i,
			Text:       text,
			Embedding:  vectors[i],
			Model:      model,
			TokenCount: estimateTokens(text),
			Symbol:     symbol,
		}
	}
	if err := ix.store.ReplaceEmbeddings(ctx, sourceType, sourceID, chunks); err != nil {
		return nil, fmt.Errorf("embedding: replace %s/%d: %w", sourceType, sourceID, err)
	}
	ix.logger.Info("document indexed",
		"source_type", sourceType, "source_id", sourceID,
		"chunks", len(chunks), "model", model)
	return &StoreResult{ChunksStored: len(chunks), Model: model}, nil
}

// SearchResult is one fused hit. Score is the blended relevance/freshness
// value in [0, 1].
type SearchResult struct {
	SourceType string    `json:"source_type"`
	SourceID   int64     `json:"source_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

type hitKey struct {
	sourceType string
	sourceID   int64
	chunkIndex int
}

// HybridSearch embeds the query, runs the vector and keyword backends in
// parallel, fuses both rankings by reciprocal rank and then blends the fused
// relevance with an age-decay freshness term before returning the top k.
func (ix *Indexer) HybridSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("embedding: empty query")
	}
	if k <= 0 {
		k = 10
	}

	vecs, _, err := ix.embedder.Embed(ctx, []string{query}, nil)
	if err != nil {
		return nil, fmt.Errorf("embedding: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding: %d vectors for query", len(vecs))
	}

	var vectorHits, keywordHits []store.SearchHit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vectorHits, err = ix.store.VectorSearch(gctx, vecs[0], ix.candidates)
		return err
	})
	g.Go(func() error {
		var err error
		keywordHits, err = ix.store.KeywordSearch(gctx, query, ix.candidates)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("embedding: search: %w", err)
	}

	merged := make(map[hitKey]*SearchResult)
	fuse := func(hits []store.SearchHit, weight float64) {
		for rank, h := range hits {
			key := hitKey{h.SourceType, h.SourceID, h.ChunkIndex}
			r, ok := merged[key]
			if !ok {
				r = &SearchResult{
					SourceType: h.SourceType,
					SourceID:   h.SourceID,
					ChunkIndex: h.ChunkIndex,
					Text:       h.Text,
					CreatedAt:  h.CreatedAt,
				}
				merged[key] = r
			}
			r.Score += weight / float64(rrfK+rank+1)
		}
	}
	fuse(vectorHits, ix.vectorWeight)
	fuse(keywordHits, ix.keywordWeight)

	var maxFused float64
	for _, r := range merged {
		if r.Score > maxFused {
			maxFused = r.Score
		}
	}
	now := ix.nowFunc()
	results := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		rel := 0.0
		if maxFused > 0 {
			rel = r.Score / maxFused
		}
		age := now.Sub(r.CreatedAt)
		if age < 0 {
			age = 0
		}
		fresh := math.Exp(-math.Ln2 * age.Hours() / ix.halfLife.Hours())
		r.Score = relevanceWeight*rel + freshnessWeight*fresh
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].SourceID > results[j].SourceID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
