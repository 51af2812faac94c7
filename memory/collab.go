package memory

import (
	"context"
	"errors"

	"github.com/unibase-ai/membase-go/knowledge"
)

// Summarizer failure modes. Implementations wrap these so the scheduler can
// distinguish a slow model from one that produced unusable output; either way
// the conversation's tail stays eligible for the next cycle.
var (
	// ErrSummaryTimeout indicates the summarizer did not answer in time.
	ErrSummaryTimeout = errors.New("summarizer timed out")

	// ErrMalformedSummary indicates the summarizer answered with output
	// that cannot be committed, such as an empty summary.
	ErrMalformedSummary = errors.New("summarizer returned malformed output")
)

// Summarizer distills a batch of conversation turns into one durable text.
//
// The scheduler calls it with the unsummarized tail and the most recent
// long-term records for context. For account-profile recomputation the
// conversation id is empty and the messages carry long-term record contents
// instead of raw turns.
type Summarizer interface {
	Summarize(ctx context.Context, conversationID string, messages []*Message, prior []*knowledge.Document) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, conversationID string, messages []*Message, prior []*knowledge.Document) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, conversationID string, messages []*Message, prior []*knowledge.Document) (string, error) {
	return f(ctx, conversationID, messages, prior)
}

// Hub is the remote durable-storage collaborator. Writes are
// eventually-consistent and fire-and-forget; preloads are synchronous.
// Implementations own their transport, queuing, and retry policy.
type Hub interface {
	// Upload mirrors conversation turns. It enqueues and returns
	// immediately; delivery failures are the implementation's to log and
	// retry, never the caller's.
	Upload(ctx context.Context, conversationID string, messages []*Message) error

	// Preload fetches the stored turns of a conversation.
	Preload(ctx context.Context, conversationID string) ([]*Message, error)

	// ListConversations returns the conversation ids known to the hub for
	// the configured account.
	ListConversations(ctx context.Context) ([]string, error)

	// UploadDocument mirrors a long-term or profile document.
	UploadDocument(ctx context.Context, doc *knowledge.Document) error

	// PreloadDocuments fetches the stored documents for the account.
	PreloadDocuments(ctx context.Context) ([]*knowledge.Document, error)
}

// Authorizer gates hub writes. A denial only skips mirroring; local state
// still updates.
type Authorizer interface {
	IsAuthorized(ctx context.Context, account string) bool
}
