// Package anthropic implements memory.Summarizer on the Anthropic Messages
// API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/unibase-ai/membase-go/knowledge"
	"github.com/unibase-ai/membase-go/memory"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-sonnet-4-20250514"

	defaultMaxTokens = 1024
)

const summarySystemPrompt = `You distill conversation transcripts into durable memory records.
Write a dense third-person summary of the new turns below. Capture decisions,
facts, preferences, and open threads. Do not address the participants and do
not add commentary. Prior memory records, when provided, are context only;
never repeat what they already state.`

const profileSystemPrompt = `You maintain a single profile of an account holder, distilled from their
long-term memory records. Merge the records below into one current profile:
stable facts, preferences, goals, and relationships. Resolve contradictions
in favor of the most recent record. Output only the profile text.`

// Summarizer distills conversation tails with a Claude model. It implements
// memory.Summarizer.
type Summarizer struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(s *Summarizer) {
		s.model = model
	}
}

// WithMaxTokens bounds the response length.
func WithMaxTokens(n int64) Option {
	return func(s *Summarizer) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Summarizer) {
		s.logger = l
	}
}

// New creates a Summarizer on an existing API client.
func New(client *anthropic.Client, opts ...Option) *Summarizer {
	s := &Summarizer{
		client:    client,
		model:     DefaultModel,
		maxTokens: defaultMaxTokens,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "summarizer"), zap.String("model", s.model))
	return s
}

// Summarize distills the messages into one memory record. An empty
// conversation id switches to profile mode, where the messages carry
// long-term record contents and the output is the merged account profile.
func (s *Summarizer) Summarize(ctx context.Context, conversationID string, messages []*memory.Message, prior []*knowledge.Document) (string, error) {
	if len(messages) == 0 {
		return "", memory.ErrMalformedSummary
	}

	system := summarySystemPrompt
	if conversationID == "" {
		system = profileSystemPrompt
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(messages, prior))),
		},
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", memory.ErrSummaryTimeout, err)
		}
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", memory.ErrMalformedSummary
	}

	s.logger.Debug("summary produced",
		zap.String("conversation", conversationID),
		zap.Int("messages", len(messages)),
		zap.Int("chars", len(text)))
	return text, nil
}

// buildPrompt lays out prior records and the transcript for the model.
func buildPrompt(messages []*memory.Message, prior []*knowledge.Document) string {
	var b strings.Builder
	if len(prior) > 0 {
		b.WriteString("Prior memory records:\n")
		for _, doc := range prior {
			b.WriteString("- ")
			b.WriteString(doc.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("New turns:\n")
	for _, msg := range messages {
		author := msg.Author
		if author == "" {
			author = string(msg.Role)
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", author, msg.Role, msg.Content)
	}
	return b.String()
}
