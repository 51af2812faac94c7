package memory

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/unibase-ai/membase-go/knowledge"
)

// Tier names a memory tier for retrieval.
type Tier string

const (
	TierShortTerm Tier = "short-term"
	TierLongTerm  Tier = "long-term"
	TierProfile   Tier = "profile"
	TierKnowledge Tier = "knowledge"
)

// defaultTopK bounds retrieval when the caller does not.
const defaultTopK = 5

// kindOf maps a tier to the document kind stored in the index.
func (t Tier) kindOf() knowledge.Kind {
	switch t {
	case TierShortTerm:
		return knowledge.KindSTM
	case TierLongTerm:
		return knowledge.KindLTM
	case TierProfile:
		return knowledge.KindProfile
	default:
		return knowledge.KindKnowledge
	}
}

// Request carries retrieval parameters across tiers.
type Request struct {
	// Text is the query embedded and matched against indexed documents.
	Text string

	// TopK bounds the merged result count. Defaults to 5.
	TopK int

	// Tiers selects which memory tiers to search. Empty searches all.
	Tiers []Tier

	// SimilarityThreshold excludes indexed results scoring below it.
	// Zero falls back to the configured default.
	SimilarityThreshold float32

	// Metadata restricts indexed results to documents matching every key.
	Metadata map[string]string

	// Content restricts results to documents matching the predicate.
	Content knowledge.ContentFilter
}

// Retriever is the read-side façade over the memory tiers. Indexed tiers go
// through the knowledge base; the short-term tier is served from the live
// buffers unless the engine indexes turns, in which case it is similarity-
// searched like the rest.
type Retriever struct {
	registry *MultiMemory
	store    *LongTermStore
	index    knowledge.KnowledgeBase
	cfg      *Config
	logger   *zap.Logger
}

// NewRetriever wires the façade. The config is taken from the registry when
// cfg is nil.
func NewRetriever(registry *MultiMemory, store *LongTermStore, index knowledge.KnowledgeBase, cfg *Config, logger *zap.Logger) *Retriever {
	if cfg == nil {
		cfg = registry.Config()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		registry: registry,
		store:    store,
		index:    index,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve searches the requested tiers and returns up to TopK documents
// ranked by descending similarity, ties most-recent first. Nothing qualifying
// yields an empty slice, never an error; per-tier failures degrade the result
// instead of failing the call.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]*knowledge.Document, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	threshold := req.SimilarityThreshold
	if threshold == 0 {
		threshold = r.cfg.SimilarityThreshold
	}
	tiers := req.Tiers
	if len(tiers) == 0 {
		tiers = []Tier{TierShortTerm, TierLongTerm, TierProfile, TierKnowledge}
	}

	var merged []*knowledge.Document
	for _, tier := range tiers {
		var (
			docs []*knowledge.Document
			err  error
		)
		if tier == TierShortTerm && !r.cfg.IndexShortTerm {
			docs = r.shortTermFromBuffers(topK, req.Content)
		} else {
			docs, err = r.queryIndex(ctx, tier, req, topK, threshold)
		}
		if err != nil {
			r.logger.Warn("tier query failed", zap.String("tier", string(tier)), zap.Error(err))
			continue
		}
		merged = append(merged, docs...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].CreatedAt().After(merged[j].CreatedAt())
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

// Profile returns the current account profile, a NotFound error when none
// was ever computed.
func (r *Retriever) Profile() (*knowledge.Document, error) {
	return r.store.CurrentProfile()
}

// queryIndex runs one tier's similarity search with the tier kind pinned on
// top of the caller's metadata filter.
func (r *Retriever) queryIndex(ctx context.Context, tier Tier, req Request, topK int, threshold float32) ([]*knowledge.Document, error) {
	md := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md[knowledge.MetaKind] = string(tier.kindOf())

	docs, err := r.index.Query(ctx, knowledge.Query{
		Text:                req.Text,
		TopK:                topK,
		SimilarityThreshold: threshold,
		Metadata:            md,
		Content:             req.Content,
	})
	if err != nil {
		return nil, err
	}
	if tier != TierProfile {
		return docs, nil
	}
	// Superseded profile revisions stay indexed for history; only the
	// authoritative revision is retrievable.
	out := docs[:0]
	for _, doc := range docs {
		if !doc.Superseded() {
			out = append(out, doc)
		}
	}
	return out, nil
}

// shortTermFromBuffers serves the short-term tier from live buffers when
// turns are not indexed: the most recent messages across conversations that
// match the content predicate, as zero-score documents ranked by recency.
// It reads the existing buffers only; a retrieval never creates a
// conversation or waits on a hub preload.
func (r *Retriever) shortTermFromBuffers(topK int, filter knowledge.ContentFilter) []*knowledge.Document {
	var docs []*knowledge.Document
	for _, buf := range r.registry.buffersSnapshot() {
		conversationID := buf.ConversationID()
		for _, msg := range buf.RecentMessages(topK) {
			if filter != nil && !filter(msg.Content) {
				continue
			}
			doc := knowledge.NewDocument(knowledge.KindSTM, conversationID, msg.Content, map[string]string{
				"author": msg.Author,
				"role":   string(msg.Role),
			})
			doc.ID = msg.ID
			doc.Metadata[knowledge.MetaCreatedAt] = msg.Timestamp.Format(time.RFC3339Nano)
			docs = append(docs, doc)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].CreatedAt().After(docs[j].CreatedAt())
	})
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs
}
