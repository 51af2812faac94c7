// Package chromem implements knowledge.KnowledgeBase on top of chromem-go,
// a pure Go embedded vector database.
package chromem

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/unibase-ai/membase-go/core"
	"github.com/unibase-ai/membase-go/knowledge"
)

const (
	cacheCounters = 100_000
	cacheMaxBytes = 64 << 20
)

// Index is a chromem-go backed knowledge base. All documents live in one
// collection; tier and conversation scoping happens through metadata filters.
type Index struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder knowledge.Embedder
	cache    *ristretto.Cache
	logger   *zap.Logger
	screen   bool
	mu       sync.Mutex // serializes delete-then-add upserts
}

// Option configures the index.
type Option func(*Index)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(ix *Index) {
		ix.logger = l
	}
}

// WithDuplicateScreen skips indexing a document whose exact content is
// already stored under a different id. Costs one nearest-neighbor lookup
// per add.
func WithDuplicateScreen() Option {
	return func(ix *Index) {
		ix.screen = true
	}
}

// New creates an in-memory index holding one collection. Embeddings are
// produced by the given embedder and memoized in a ristretto cache keyed by
// content hash, so re-indexing unchanged text never recomputes a vector.
func New(collection string, embedder knowledge.Embedder, opts ...Option) (*Index, error) {
	if collection == "" {
		collection = "memories"
	}
	if embedder == nil {
		return nil, core.Validationf("chromem index requires an embedder")
	}

	db := chromem.NewDB()
	// Embeddings are supplied explicitly, so no embedding func is registered.
	col, err := db.CreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", collection, err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheCounters,
		MaxCost:     cacheMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	ix := &Index{
		db:       db,
		col:      col,
		embedder: embedder,
		cache:    cache,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With(zap.String("component", "knowledge"), zap.String("collection", collection))
	return ix, nil
}

// Index embeds and stores the documents. Re-indexing an id replaces the
// previous revision.
func (ix *Index) Index(ctx context.Context, docs ...*knowledge.Document) error {
	for _, doc := range docs {
		if err := doc.Validate(); err != nil {
			return err
		}

		emb := doc.Embedding
		if len(emb) == 0 {
			var err error
			emb, err = ix.embed(ctx, doc.Content)
			if err != nil {
				return core.Transient("embed document "+doc.ID, err)
			}
		}

		if ix.screen {
			if dup := ix.duplicateOf(ctx, doc, emb); dup != "" {
				ix.logger.Debug("duplicate content skipped",
					zap.String("id", doc.ID), zap.String("existing", dup))
				continue
			}
		}

		// chromem stores the metadata map it is given; hand it a private
		// copy so later caller mutations cannot race its readers.
		md := make(map[string]string, len(doc.Metadata))
		for k, v := range doc.Metadata {
			md[k] = v
		}

		ix.mu.Lock()
		// chromem has no upsert; drop any previous revision first.
		_ = ix.col.Delete(ctx, nil, nil, doc.ID)
		err := ix.col.AddDocument(ctx, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  md,
			Embedding: emb,
		})
		ix.mu.Unlock()
		if err != nil {
			return core.Transient("index document "+doc.ID, err)
		}

		ix.logger.Debug("indexed document",
			zap.String("id", doc.ID),
			zap.String("kind", string(doc.Kind())),
			zap.String("conversation", doc.Conversation()))
	}
	return nil
}

// Query returns up to q.TopK documents ranked by descending similarity, ties
// broken most-recent first. An empty result is not an error.
func (ix *Index) Query(ctx context.Context, q knowledge.Query) ([]*knowledge.Document, error) {
	if q.TopK <= 0 {
		return nil, nil
	}

	count := ix.col.Count()
	if count == 0 {
		return nil, nil
	}

	emb, err := ix.embed(ctx, q.Text)
	if err != nil {
		return nil, core.Transient("embed query", err)
	}

	// Over-fetch so that post-filtering by threshold and content predicate
	// can still fill TopK. chromem rejects nResults larger than the number
	// of documents surviving its own metadata filter, so shrink on demand.
	var results []chromem.Result
	for n := count; n >= 1; n-- {
		results, err = ix.col.QueryEmbedding(ctx, emb, n, q.Metadata, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocs(err) {
			return nil, fmt.Errorf("query collection: %w", err)
		}
		if n == 1 {
			return nil, nil
		}
	}

	docs := make([]*knowledge.Document, 0, len(results))
	for _, res := range results {
		if q.SimilarityThreshold > 0 && res.Similarity < q.SimilarityThreshold {
			continue
		}
		if q.Content != nil && !q.Content(res.Content) {
			continue
		}
		// Results alias the stored metadata map; copy it so callers get
		// an owned document.
		md := make(map[string]string, len(res.Metadata))
		for k, v := range res.Metadata {
			md[k] = v
		}
		docs = append(docs, &knowledge.Document{
			ID:        res.ID,
			Content:   res.Content,
			Metadata:  md,
			Embedding: res.Embedding,
			Score:     res.Similarity,
		})
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].CreatedAt().After(docs[j].CreatedAt())
	})

	if len(docs) > q.TopK {
		docs = docs[:q.TopK]
	}
	ix.logger.Debug("query served", zap.Int("results", len(docs)), zap.Int("candidates", len(results)))
	return docs, nil
}

// Exists reports whether a document with the id is indexed.
func (ix *Index) Exists(ctx context.Context, id string) (bool, error) {
	_, err := ix.col.GetByID(ctx, id)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Remove deletes documents by id, reporting how many were present. Absence
// is not an error.
func (ix *Index) Remove(ctx context.Context, ids ...string) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	before := ix.col.Count()
	if err := ix.col.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return before - ix.col.Count(), nil
}

// RemoveByFilter deletes all documents matching the metadata filter exactly.
func (ix *Index) RemoveByFilter(ctx context.Context, metadata map[string]string) (int, error) {
	if len(metadata) == 0 {
		return 0, core.Validationf("remove by filter requires at least one metadata key")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	before := ix.col.Count()
	if err := ix.col.Delete(ctx, metadata, nil); err != nil {
		return 0, fmt.Errorf("delete by filter: %w", err)
	}
	removed := before - ix.col.Count()
	ix.logger.Debug("removed by filter", zap.Int("removed", removed))
	return removed, nil
}

// Stats returns index statistics.
func (ix *Index) Stats(ctx context.Context) (knowledge.Stats, error) {
	return knowledge.Stats{
		Documents:  ix.col.Count(),
		Collection: ix.col.Name,
	}, nil
}

// Close releases the embedding cache. The collection itself is in-memory.
func (ix *Index) Close() error {
	ix.cache.Close()
	return nil
}

// duplicateOf returns the id of an already-indexed document holding the
// exact same content under a different id, "" when there is none.
func (ix *Index) duplicateOf(ctx context.Context, doc *knowledge.Document, emb []float32) string {
	if ix.col.Count() == 0 {
		return ""
	}
	results, err := ix.col.QueryEmbedding(ctx, emb, 1, nil, nil)
	if err != nil || len(results) == 0 {
		return ""
	}
	if results[0].ID != doc.ID && results[0].Content == doc.Content {
		return results[0].ID
	}
	return ""
}

// embed returns the vector for text, consulting the cache first.
func (ix *Index) embed(ctx context.Context, text string) ([]float32, error) {
	key := contentKey(text)
	if v, ok := ix.cache.Get(key); ok {
		if emb, ok := v.([]float32); ok {
			return emb, nil
		}
	}

	emb, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	ix.cache.Set(key, emb, int64(len(emb)*4))
	return emb, nil
}

func contentKey(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

// isInsufficientDocs matches chromem's error for nResults exceeding the
// number of queryable documents.
func isInsufficientDocs(err error) bool {
	return err != nil && strings.Contains(err.Error(), "nResults must be")
}
