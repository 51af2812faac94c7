package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/unibase-ai/membase-go/knowledge"
)

// SchedulerState labels what the background loop is currently doing.
type SchedulerState int32

const (
	StateIdle SchedulerState = iota
	StateScanning
	StateSummarizing
	StateCommitting
	StateStopped
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateSummarizing:
		return "summarizing"
	case StateCommitting:
		return "committing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// priorRecords is how many recent long-term records accompany each
// summarization request as context.
const priorRecords = 3

// profileSourceRecords caps how many recent records per conversation feed a
// profile recomputation.
const profileSourceRecords = 5

// Scheduler runs the periodic distillation loop: scan conversations for
// unsummarized tails of sufficient size, summarize each eligible tail, and
// commit the result as a long-term record. Every ProfileEveryNCycles cycles it
// also recomputes the account profile from recent long-term records.
//
// One cycle handles conversations sequentially, so a slow summarization
// delays, never overlaps, the others. A summarizer failure leaves the
// conversation's high-water mark untouched; the same tail is retried next
// cycle, trading duplicate summarization work for never losing a turn.
type Scheduler struct {
	registry   *MultiMemory
	store      *LongTermStore
	index      knowledge.KnowledgeBase
	summarizer Summarizer
	cfg        *Config

	hub    Hub
	auth   Authorizer
	logger *zap.Logger

	state    atomic.Int32
	cycles   atomic.Int64
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerHub sets the hub that receives committed records.
func WithSchedulerHub(h Hub) SchedulerOption {
	return func(s *Scheduler) {
		s.hub = h
	}
}

// WithSchedulerAuthorizer sets the gate checked before hub uploads.
func WithSchedulerAuthorizer(a Authorizer) SchedulerOption {
	return func(s *Scheduler) {
		s.auth = a
	}
}

// WithSchedulerLogger sets the logger. Defaults to a no-op logger.
func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// NewScheduler wires the distillation loop. The config is taken from the
// registry when cfg is nil.
func NewScheduler(registry *MultiMemory, store *LongTermStore, index knowledge.KnowledgeBase, summarizer Summarizer, cfg *Config, opts ...SchedulerOption) *Scheduler {
	if cfg == nil {
		cfg = registry.Config()
	}
	s := &Scheduler{
		registry:   registry,
		store:      store,
		index:      index,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     zap.NewNop(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s
}

// State returns the loop's current state.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Cycles returns how many cycles have completed.
func (s *Scheduler) Cycles() int64 {
	return s.cycles.Load()
}

// Start launches the background loop at the configured cadence. Starting
// twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Stop shuts the loop down and blocks until it exits. An in-flight commit
// finishes first; only the wait between cycles and the scan phase observe the
// stop signal, so a committed summary is always paired with its high-water
// mark advance. Stopping is idempotent and returns immediately when the loop
// never ran.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if !s.started.Load() {
		s.state.Store(int32(StateStopped))
		return
	}
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	defer s.state.Store(int32(StateStopped))

	ticker := time.NewTicker(s.cfg.SummarizeInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.SummarizeInterval))
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce executes a single scan-summarize-commit cycle synchronously.
// Exposed so callers can drive the loop deterministically; the background
// loop calls it on every tick.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.state.Store(int32(StateScanning))
	defer s.state.Store(int32(StateIdle))

	var firstErr error
	for _, conversationID := range s.registry.ListConversations() {
		select {
		case <-s.stop:
			return firstErr
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		buf := s.registry.Get(ctx, conversationID)
		tail := buf.UnsummarizedTail()
		if len(tail) < s.cfg.MinTailSize {
			continue
		}
		if err := s.summarizeConversation(ctx, buf, tail); err != nil {
			s.logger.Warn("summarization skipped, tail stays eligible",
				zap.String("conversation", conversationID),
				zap.Int("tail", len(tail)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		s.state.Store(int32(StateScanning))
	}

	cycle := s.cycles.Add(1)
	if s.cfg.ProfileEveryNCycles > 0 && cycle%int64(s.cfg.ProfileEveryNCycles) == 0 {
		if err := s.recomputeProfile(ctx); err != nil {
			s.logger.Warn("profile recomputation failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// summarizeConversation distills one tail and commits the result. The
// high-water mark only advances after the record is durably appended, so a
// failure anywhere leaves the tail eligible for the next cycle.
func (s *Scheduler) summarizeConversation(ctx context.Context, buf *ConversationBuffer, tail []*Message) error {
	conversationID := buf.ConversationID()
	prior := s.store.Recent(conversationID, priorRecords)

	s.state.Store(int32(StateSummarizing))
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SummarizeTimeout)
	summary, err := s.summarizer.Summarize(sctx, conversationID, tail, prior)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrSummaryTimeout, err)
		}
		return err
	}
	if strings.TrimSpace(summary) == "" {
		return ErrMalformedSummary
	}

	s.state.Store(int32(StateCommitting))
	doc := knowledge.NewDocument(knowledge.KindLTM, conversationID, summary, map[string]string{
		"source_messages": fmt.Sprintf("%d", len(tail)),
	})
	if err := s.store.Append(conversationID, doc); err != nil {
		return err
	}
	// Index after the store append. Indexing is idempotent on id, so a
	// failure here is logged and the record re-indexed opportunistically
	// rather than failing the commit.
	if err := s.index.Index(ctx, doc); err != nil {
		s.logger.Warn("long-term record not indexed",
			zap.String("conversation", conversationID), zap.String("id", doc.ID), zap.Error(err))
	}

	lastSeq := tail[len(tail)-1].Seq
	if err := buf.AdvanceHighWaterMark(lastSeq); err != nil {
		return err
	}
	evicted := buf.Evict()
	s.uploadDocument(ctx, doc)

	s.logger.Info("conversation summarized",
		zap.String("conversation", conversationID),
		zap.Int("messages", len(tail)),
		zap.Int64("high_water_mark", lastSeq),
		zap.Int("evicted", evicted))
	return nil
}

// recomputeProfile aggregates recent long-term records across every
// conversation into a fresh account profile. The summarizer sees the records
// as system messages with an empty conversation id, its signal to produce a
// profile rather than a conversation summary.
func (s *Scheduler) recomputeProfile(ctx context.Context) error {
	var sources []*Message
	for _, conversationID := range s.store.Conversations() {
		for _, rec := range s.store.Recent(conversationID, profileSourceRecords) {
			msg := NewMessage("", s.store.Account(), RoleSystem, rec.Content)
			msg.Timestamp = rec.CreatedAt()
			sources = append(sources, msg)
		}
	}
	if len(sources) == 0 {
		return nil
	}

	var prior []*knowledge.Document
	if cur, err := s.store.CurrentProfile(); err == nil {
		prior = append(prior, cur)
	}

	s.state.Store(int32(StateSummarizing))
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SummarizeTimeout)
	profile, err := s.summarizer.Summarize(sctx, "", sources, prior)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrSummaryTimeout, err)
		}
		return err
	}
	if strings.TrimSpace(profile) == "" {
		return ErrMalformedSummary
	}

	s.state.Store(int32(StateCommitting))
	doc := knowledge.NewDocument(knowledge.KindProfile, "", profile, map[string]string{
		"account": s.store.Account(),
	})
	prev, err := s.store.SetProfile(doc)
	if err != nil {
		return err
	}
	if err := s.index.Index(ctx, doc); err != nil {
		s.logger.Warn("profile not indexed", zap.String("id", doc.ID), zap.Error(err))
	}
	// Re-index the superseded revision so the index reflects its new
	// metadata and retrieval can exclude it.
	if prev != nil {
		if err := s.index.Index(ctx, prev); err != nil {
			s.logger.Warn("superseded profile not re-indexed", zap.String("id", prev.ID), zap.Error(err))
		}
	}
	s.uploadDocument(ctx, doc)

	s.logger.Info("account profile recomputed",
		zap.String("id", doc.ID), zap.Int("sources", len(sources)))
	return nil
}

// uploadDocument mirrors a committed record to the hub, gated by the
// authorizer. Failures are the hub's to retry; the commit already happened.
func (s *Scheduler) uploadDocument(ctx context.Context, doc *knowledge.Document) {
	if s.hub == nil || !s.cfg.AutoUploadToHub {
		return
	}
	if s.auth != nil && !s.auth.IsAuthorized(ctx, s.cfg.Account) {
		s.logger.Debug("document upload skipped, account not authorized", zap.String("id", doc.ID))
		return
	}
	if err := s.hub.UploadDocument(ctx, doc); err != nil {
		s.logger.Warn("document upload enqueue failed", zap.String("id", doc.ID), zap.Error(err))
	}
}
