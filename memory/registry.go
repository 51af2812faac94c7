package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/unibase-ai/membase-go/knowledge"
)

// preloadConcurrency bounds the startup fan-out of hub conversation fetches.
const preloadConcurrency = 8

// indexQueueSize bounds the short-term indexing backlog. A full queue drops
// the batch; the tier is a cache over the buffers, not the system of record.
const indexQueueSize = 256

// MultiMemory maps conversation ids to buffers, creating them lazily on
// first access. With PreloadFromHub enabled the first access to an unseen
// conversation blocks on a hub fetch, deduplicated so each conversation is
// fetched at most once.
type MultiMemory struct {
	cfg     *Config
	hub     Hub
	auth    Authorizer
	indexer knowledge.KnowledgeBase
	logger  *zap.Logger

	mu        sync.RWMutex
	buffers   map[string]*ConversationBuffer
	preloaded map[string]bool
	defaultID string

	preload singleflight.Group

	// Short-term indexing rides its own queue so appends never block on
	// embedding computation.
	indexCh   chan []*knowledge.Document
	quit      chan struct{}
	closeOnce sync.Once
	worker    sync.WaitGroup
}

// Option configures a MultiMemory.
type Option func(*MultiMemory)

// WithHub sets the hub collaborator used for mirroring and preloads.
func WithHub(h Hub) Option {
	return func(m *MultiMemory) {
		m.hub = h
	}
}

// WithAuthorizer sets the gate checked before any hub write.
func WithAuthorizer(a Authorizer) Option {
	return func(m *MultiMemory) {
		m.auth = a
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *MultiMemory) {
		m.logger = l
	}
}

// WithIndexer sets the knowledge base that receives appended turns as
// short-term documents. Only used when IndexShortTerm is configured.
func WithIndexer(kb knowledge.KnowledgeBase) Option {
	return func(m *MultiMemory) {
		m.indexer = kb
	}
}

// NewMultiMemory creates a registry with the given configuration.
// A nil config uses DefaultConfig.
func NewMultiMemory(cfg *Config, opts ...Option) *MultiMemory {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.withDefaults()
	}
	m := &MultiMemory{
		cfg:       cfg,
		logger:    zap.NewNop(),
		buffers:   make(map[string]*ConversationBuffer),
		preloaded: make(map[string]bool),
		defaultID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "registry"), zap.String("account", cfg.Account))

	if cfg.IndexShortTerm && m.indexer != nil {
		m.indexCh = make(chan []*knowledge.Document, indexQueueSize)
		m.quit = make(chan struct{})
		m.worker.Add(1)
		go m.indexLoop()
	}
	return m
}

// Close stops the short-term indexing worker after draining its queue.
// Safe to call more than once, and a no-op without short-term indexing.
func (m *MultiMemory) Close() error {
	if m.indexCh == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	m.worker.Wait()
	return nil
}

func (m *MultiMemory) indexLoop() {
	defer m.worker.Done()
	for {
		select {
		case docs := <-m.indexCh:
			m.indexDocs(docs)
		case <-m.quit:
			// Drain what was enqueued before the close.
			for {
				select {
				case docs := <-m.indexCh:
					m.indexDocs(docs)
				default:
					return
				}
			}
		}
	}
}

func (m *MultiMemory) indexDocs(docs []*knowledge.Document) {
	if err := m.indexer.Index(context.Background(), docs...); err != nil {
		m.logger.Warn("short-term indexing failed", zap.Error(err))
	}
}

// Config returns the registry configuration.
func (m *MultiMemory) Config() *Config {
	return m.cfg
}

// DefaultConversation returns the conversation id used when callers do not
// name one.
func (m *MultiMemory) DefaultConversation() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultID
}

// UpdateDefaultConversation switches the default conversation. An empty id
// generates a fresh one.
func (m *MultiMemory) UpdateDefaultConversation(conversationID string) string {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	m.mu.Lock()
	m.defaultID = conversationID
	m.mu.Unlock()
	return conversationID
}

// Get returns the buffer for the conversation, creating it exactly once.
// Concurrent calls for the same unseen id never produce duplicate buffers.
// With PreloadFromHub enabled the creating call blocks on the hub fetch;
// fetch failures are logged and leave an empty buffer that is not marked
// preloaded, so a later access retries.
func (m *MultiMemory) Get(ctx context.Context, conversationID string) *ConversationBuffer {
	if conversationID == "" {
		conversationID = m.DefaultConversation()
	}

	m.mu.RLock()
	buf, ok := m.buffers[conversationID]
	m.mu.RUnlock()
	if ok && m.isPreloadSettled(conversationID) {
		return buf
	}

	if buf == nil {
		m.mu.Lock()
		buf, ok = m.buffers[conversationID]
		if !ok {
			buf = NewConversationBuffer(conversationID, m.cfg.BufferCapacity, m.cfg.BufferMaxAge, m.logger)
			buf.mirror = m.mirrorFunc(conversationID)
			m.buffers[conversationID] = buf
		}
		m.mu.Unlock()
	}

	if m.cfg.PreloadFromHub && m.hub != nil && !m.isPreloadSettled(conversationID) {
		m.preloadConversation(ctx, conversationID, buf)
	}
	return buf
}

// Add appends the message to its conversation's buffer, using the default
// conversation when the message does not name one.
func (m *MultiMemory) Add(ctx context.Context, msg *Message) error {
	conversationID := ""
	if msg != nil {
		conversationID = msg.ConversationID
	}
	return m.Get(ctx, conversationID).Append(msg)
}

// ListConversations returns the known conversation ids, sorted for
// deterministic iteration.
func (m *MultiMemory) ListConversations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// buffersSnapshot returns the current buffers ordered by conversation id,
// without creating any or touching the hub. Read paths use it so a retrieval
// never blocks on a preload retry.
func (m *MultiMemory) buffersSnapshot() []*ConversationBuffer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ConversationBuffer, 0, len(m.buffers))
	for _, buf := range m.buffers {
		out = append(out, buf)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConversationID() < out[j].ConversationID()
	})
	return out
}

// TotalSize returns the number of buffered messages across all conversations.
func (m *MultiMemory) TotalSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, buf := range m.buffers {
		total += buf.Size()
	}
	return total
}

// PreloadAll fetches every conversation the hub knows for the account.
// Intended for startup when PreloadFromHub is set.
func (m *MultiMemory) PreloadAll(ctx context.Context) error {
	if m.hub == nil {
		return nil
	}
	ids, err := m.hub.ListConversations(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.Get(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

// isPreloadSettled reports whether the conversation either finished its hub
// preload or does not need one.
func (m *MultiMemory) isPreloadSettled(conversationID string) bool {
	if !m.cfg.PreloadFromHub || m.hub == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.preloaded[conversationID]
}

// preloadConversation fetches stored turns once per conversation id, with
// concurrent callers sharing the same in-flight fetch.
func (m *MultiMemory) preloadConversation(ctx context.Context, conversationID string, buf *ConversationBuffer) {
	_, _, _ = m.preload.Do(conversationID, func() (any, error) {
		msgs, err := m.hub.Preload(ctx, conversationID)
		if err != nil {
			m.logger.Warn("hub preload failed",
				zap.String("conversation", conversationID), zap.Error(err))
			return nil, nil
		}
		buf.load(msgs)
		m.mu.Lock()
		m.preloaded[conversationID] = true
		m.mu.Unlock()
		m.logger.Info("preloaded conversation from hub",
			zap.String("conversation", conversationID), zap.Int("messages", len(msgs)))
		return nil, nil
	})
}

// mirrorFunc builds the fire-and-forget append hook for a conversation:
// short-term indexing when configured, then hub upload gated by the
// authorizer. Both legs ride queues, so the hook never blocks on embedding
// or network I/O.
func (m *MultiMemory) mirrorFunc(conversationID string) func([]*Message) {
	mirrorHub := m.cfg.AutoUploadToHub && m.hub != nil
	indexSTM := m.indexCh != nil
	if !mirrorHub && !indexSTM {
		return nil
	}
	return func(msgs []*Message) {
		ctx := context.Background()
		if indexSTM {
			m.enqueueIndex(conversationID, msgs)
		}
		if !mirrorHub {
			return
		}
		if m.auth != nil && !m.auth.IsAuthorized(ctx, m.cfg.Account) {
			m.logger.Debug("hub mirroring skipped, account not authorized",
				zap.String("conversation", conversationID))
			return
		}
		if err := m.hub.Upload(ctx, conversationID, msgs); err != nil {
			m.logger.Warn("hub upload enqueue failed",
				zap.String("conversation", conversationID), zap.Error(err))
		}
	}
}

// enqueueIndex hands appended turns to the indexing worker. A full queue or
// a closed registry drops the batch with a warning.
func (m *MultiMemory) enqueueIndex(conversationID string, msgs []*Message) {
	docs := make([]*knowledge.Document, 0, len(msgs))
	for _, msg := range msgs {
		doc := knowledge.NewDocument(knowledge.KindSTM, conversationID, msg.Content, map[string]string{
			"author": msg.Author,
			"role":   string(msg.Role),
		})
		// Reuse the message id so re-indexing stays idempotent.
		doc.ID = msg.ID
		docs = append(docs, doc)
	}

	select {
	case <-m.quit:
		return
	default:
	}
	select {
	case m.indexCh <- docs:
	default:
		m.logger.Warn("short-term index queue full, batch dropped",
			zap.String("conversation", conversationID), zap.Int("messages", len(docs)))
	}
}
