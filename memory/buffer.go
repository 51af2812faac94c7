package memory

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unibase-ai/membase-go/core"
)

// ConversationBuffer owns the ordered short-term turns of one conversation.
//
// The buffer assigns monotonic sequence numbers on append and tracks a
// high-water mark: the highest sequence number already folded into long-term
// memory. Eviction may drop the summarized prefix once the capacity or age
// bound is exceeded, but never the unsummarized tail; under pressure the
// buffer exceeds its soft bound instead of losing un-distilled history.
//
// Appends on different conversations never contend. Appends and the
// scheduler's tail reads on the same conversation are serialized by the
// buffer's lock so tail snapshots are consistent.
type ConversationBuffer struct {
	conversationID string
	capacity       int
	maxAge         time.Duration
	logger         *zap.Logger

	// mirror, when set, receives appended messages for hub upload.
	// It must not block.
	mirror func(msgs []*Message)

	mu       sync.RWMutex
	messages []*Message
	seen     map[string]struct{}
	nextSeq  int64
	hwm      int64 // highest summarized seq, 0 = nothing summarized
	dirty    bool
}

// NewConversationBuffer creates a buffer for the conversation with the given
// soft capacity and age bounds. Zero disables the respective bound.
func NewConversationBuffer(conversationID string, capacity int, maxAge time.Duration, logger *zap.Logger) *ConversationBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationBuffer{
		conversationID: conversationID,
		capacity:       capacity,
		maxAge:         maxAge,
		logger:         logger.With(zap.String("component", "buffer"), zap.String("conversation", conversationID)),
		seen:           make(map[string]struct{}),
		nextSeq:        1,
	}
}

// ConversationID returns the owning conversation id.
func (b *ConversationBuffer) ConversationID() string {
	return b.conversationID
}

// Append validates and appends a message, assigning its sequence number.
// Duplicate ids are skipped with a warning. When mirroring is enabled the
// message is handed to the hub path fire-and-forget; mirror failures never
// reach the caller.
func (b *ConversationBuffer) Append(msg *Message) error {
	if err := b.Validate(msg); err != nil {
		return err
	}

	b.mu.Lock()
	if _, dup := b.seen[msg.ID]; dup {
		b.mu.Unlock()
		b.logger.Warn("duplicate message skipped", zap.String("id", msg.ID))
		return nil
	}

	stored := msg.Clone()
	stored.ConversationID = b.conversationID
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	// Timestamps are non-decreasing in insertion order; clamp clock skew.
	if n := len(b.messages); n > 0 && stored.Timestamp.Before(b.messages[n-1].Timestamp) {
		stored.Timestamp = b.messages[n-1].Timestamp
	}
	stored.Seq = b.nextSeq
	b.nextSeq++

	b.messages = append(b.messages, stored)
	b.seen[stored.ID] = struct{}{}
	b.dirty = true
	mirror := b.mirror
	b.mu.Unlock()

	if mirror != nil {
		mirror([]*Message{stored.Clone()})
	}
	return nil
}

// load appends hub-fetched messages without re-mirroring them. Sequence
// numbers are reassigned locally; validation failures are logged and the
// message dropped, since remote state is not under our control.
func (b *ConversationBuffer) load(msgs []*Message) {
	for _, msg := range msgs {
		if err := b.Validate(msg); err != nil {
			b.logger.Warn("dropping invalid preloaded message", zap.Error(err))
			continue
		}
		b.mu.Lock()
		if _, dup := b.seen[msg.ID]; dup {
			b.mu.Unlock()
			continue
		}
		stored := msg.Clone()
		stored.ConversationID = b.conversationID
		if n := len(b.messages); n > 0 && stored.Timestamp.Before(b.messages[n-1].Timestamp) {
			stored.Timestamp = b.messages[n-1].Timestamp
		}
		stored.Seq = b.nextSeq
		b.nextSeq++
		b.messages = append(b.messages, stored)
		b.seen[stored.ID] = struct{}{}
		b.mu.Unlock()
	}
}

// Validate checks that the message may enter this buffer.
func (b *ConversationBuffer) Validate(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ConversationID != "" && msg.ConversationID != b.conversationID {
		return core.Validationf("message %s belongs to conversation %q, not %q",
			msg.ID, msg.ConversationID, b.conversationID)
	}
	return nil
}

// RecentMessages returns copies of the last n messages in insertion order.
// Re-calling re-reads current state.
func (b *ConversationBuffer) RecentMessages(n int) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || len(b.messages) == 0 {
		return nil
	}
	if n > len(b.messages) {
		n = len(b.messages)
	}
	out := make([]*Message, 0, n)
	for _, msg := range b.messages[len(b.messages)-n:] {
		out = append(out, msg.Clone())
	}
	return out
}

// UnsummarizedTail returns copies of the messages after the high-water mark,
// the candidate set for the next summarization pass.
func (b *ConversationBuffer) UnsummarizedTail() []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Message, 0)
	for _, msg := range b.messages {
		if msg.Seq > b.hwm {
			out = append(out, msg.Clone())
		}
	}
	return out
}

// AdvanceHighWaterMark records that every message up to toSeq has been
// committed to long-term memory. Only the scheduler calls this, after a
// successful commit. Moving past the last assigned sequence number or
// backwards is an invariant violation.
func (b *ConversationBuffer) AdvanceHighWaterMark(toSeq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if toSeq > b.nextSeq-1 {
		return core.Invariantf("high-water mark %d exceeds last sequence %d in conversation %s",
			toSeq, b.nextSeq-1, b.conversationID)
	}
	if toSeq < b.hwm {
		return core.Invariantf("high-water mark cannot move backwards from %d to %d in conversation %s",
			b.hwm, toSeq, b.conversationID)
	}
	b.hwm = toSeq
	return nil
}

// HighWaterMark returns the highest summarized sequence number.
func (b *ConversationBuffer) HighWaterMark() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hwm
}

// Evict drops messages at the front of the buffer that are both summarized
// and beyond the capacity or age bound. The unsummarized tail is never
// evicted, even under capacity pressure.
func (b *ConversationBuffer) Evict() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Time{}
	if b.maxAge > 0 {
		cutoff = time.Now().Add(-b.maxAge)
	}

	drop := 0
	for drop < len(b.messages) {
		msg := b.messages[drop]
		if msg.Seq > b.hwm {
			break
		}
		overCapacity := b.capacity > 0 && len(b.messages)-drop > b.capacity
		tooOld := b.maxAge > 0 && msg.Timestamp.Before(cutoff)
		if !overCapacity && !tooOld {
			break
		}
		drop++
	}
	if drop == 0 {
		return 0
	}

	for _, msg := range b.messages[:drop] {
		delete(b.seen, msg.ID)
	}
	b.messages = append([]*Message(nil), b.messages[drop:]...)
	b.logger.Debug("evicted summarized prefix", zap.Int("dropped", drop), zap.Int("remaining", len(b.messages)))
	return drop
}

// Size returns the number of buffered messages.
func (b *ConversationBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// LastSeq returns the highest assigned sequence number, 0 when empty.
func (b *ConversationBuffer) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq - 1
}

// Export returns a copy of every buffered message, oldest first.
func (b *ConversationBuffer) Export() []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Message, 0, len(b.messages))
	for _, msg := range b.messages {
		out = append(out, msg.Clone())
	}
	return out
}

// Dirty reports whether the buffer changed since the flag was last cleared.
func (b *ConversationBuffer) Dirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dirty
}

// ClearDirty resets the mirroring dirty flag.
func (b *ConversationBuffer) ClearDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = false
}
