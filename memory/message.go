package memory

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unibase-ai/membase-go/core"
)

// Role identifies the sender of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleFunction  Role = "function"
)

// valid reports whether the role is one of the recognized values.
func (r Role) valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleFunction:
		return true
	}
	return false
}

// Message is one conversation turn. It is immutable once appended to a
// buffer; the buffer assigns Seq at that point and it must not change
// afterwards.
//
// Identity within a conversation is (timestamp, author) tie-broken by Seq,
// which guarantees a strict order even when timestamps collide.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Author         string            `json:"author"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`

	// Seq is the insertion sequence number within the conversation,
	// assigned by the buffer starting at 1.
	Seq int64 `json:"seq"`
}

// NewMessage creates a message with a fresh id and the current wall-clock
// timestamp.
func NewMessage(conversationID, author string, role Role, content string) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Author:         author,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	}
}

// Validate rejects messages that must not enter a buffer.
func (m *Message) Validate() error {
	if m == nil {
		return core.Validationf("nil message")
	}
	if strings.TrimSpace(m.Content) == "" {
		return core.Validationf("message %s has empty content", m.ID)
	}
	if !m.Role.valid() {
		return core.Validationf("message %s has unrecognized role %q", m.ID, m.Role)
	}
	return nil
}

// Clone returns a deep copy. Buffers hand out clones so callers can never
// mutate appended messages.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
