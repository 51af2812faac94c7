package knowledge

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unibase-ai/membase-go/core"
)

// Metadata keys reserved by the engine. Callers may attach additional keys
// but must not overwrite these.
const (
	MetaKind         = "kind"
	MetaConversation = "conversation"
	MetaCreatedAt    = "created_at"
	MetaSuperseded   = "superseded"
)

// Kind tags a document with the memory tier it belongs to.
type Kind string

const (
	// KindKnowledge is raw knowledge indexed directly by the caller.
	KindKnowledge Kind = "knowledge"

	// KindSTM is a short-term conversation turn, indexed only when the
	// engine is configured to make the short-term tier searchable.
	KindSTM Kind = "stm"

	// KindLTM is a distilled long-term memory record owned by one conversation.
	KindLTM Kind = "ltm"

	// KindProfile is an account-level record aggregated across conversations.
	KindProfile Kind = "profile"
)

// Document is the unit stored in the knowledge base. Raw knowledge, long-term
// records, and profile records are all documents distinguished by the "kind"
// metadata field.
//
// The embedding is computed lazily by the index; callers normally leave it nil.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32

	// Score is the similarity to the query, set only on query results.
	Score float32
}

// NewDocument creates a document of the given kind. A fresh UUID is assigned
// and kind, conversation, and creation time are recorded in metadata.
func NewDocument(kind Kind, conversationID, content string, metadata map[string]string) *Document {
	md := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		md[k] = v
	}
	md[MetaKind] = string(kind)
	if conversationID != "" {
		md[MetaConversation] = conversationID
	}
	md[MetaCreatedAt] = time.Now().UTC().Format(time.RFC3339Nano)

	return &Document{
		ID:       uuid.New().String(),
		Content:  content,
		Metadata: md,
	}
}

// Kind returns the tier tag of the document.
func (d *Document) Kind() Kind {
	return Kind(d.Metadata[MetaKind])
}

// Conversation returns the owning conversation id, empty for global documents.
func (d *Document) Conversation() string {
	return d.Metadata[MetaConversation]
}

// CreatedAt parses the creation timestamp recorded in metadata.
// The zero time is returned for documents without one.
func (d *Document) CreatedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, d.Metadata[MetaCreatedAt])
	if err != nil {
		return time.Time{}
	}
	return t
}

// Superseded reports whether a newer revision replaced this document.
// Only profile records are ever superseded.
func (d *Document) Superseded() bool {
	return d.Metadata[MetaSuperseded] == "true"
}

// Clone returns a deep copy. Stores and indexes hand out clones so readers
// and writers never share a metadata map.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Metadata != nil {
		cp.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	if d.Embedding != nil {
		cp.Embedding = append([]float32(nil), d.Embedding...)
	}
	return &cp
}

// Validate rejects documents that cannot be indexed.
func (d *Document) Validate() error {
	if d.ID == "" {
		return core.Validationf("document has no id")
	}
	if strings.TrimSpace(d.Content) == "" {
		return core.Validationf("document %s has empty content", d.ID)
	}
	return nil
}

// ContentFilter is a predicate over document content. A nil filter matches
// every document.
type ContentFilter func(content string) bool

// Contains returns a filter matching documents whose content includes substr.
func Contains(substr string) ContentFilter {
	return func(content string) bool {
		return strings.Contains(content, substr)
	}
}

// Query carries retrieval parameters for KnowledgeBase.Query.
type Query struct {
	// Text is embedded and matched against stored documents.
	Text string

	// TopK bounds the number of results.
	TopK int

	// SimilarityThreshold excludes results scoring below it. Zero disables.
	SimilarityThreshold float32

	// Metadata restricts results to documents whose metadata matches every
	// key exactly. Nil disables.
	Metadata map[string]string

	// Content restricts results to documents matching the predicate.
	// Nil disables.
	Content ContentFilter
}

// Stats describes the current state of a knowledge base.
type Stats struct {
	Documents  int
	Collection string
}

// KnowledgeBase is the vector-searchable document store.
//
// Implementations: chromem.Index (embedded, in-process). Indexing is
// idempotent on document id; re-indexing replaces content instead of
// duplicating. Query returns an empty slice, never an error, when nothing
// qualifies.
type KnowledgeBase interface {
	// Index embeds and stores the documents.
	Index(ctx context.Context, docs ...*Document) error

	// Query returns up to TopK documents ranked by descending similarity,
	// ties broken most-recent first.
	Query(ctx context.Context, q Query) ([]*Document, error)

	// Exists reports whether a document with the id is indexed.
	Exists(ctx context.Context, id string) (bool, error)

	// Remove deletes documents by id and reports how many were removed.
	// Absent ids are not an error.
	Remove(ctx context.Context, ids ...string) (int, error)

	// RemoveByFilter deletes all documents whose metadata matches the
	// filter exactly and reports how many were removed.
	RemoveByFilter(ctx context.Context, metadata map[string]string) (int, error)

	// Stats returns index statistics.
	Stats(ctx context.Context) (Stats, error)

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local MiniLM, build tag "onnx"),
// or any API-backed embedder supplied by the caller.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
