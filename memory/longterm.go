package memory

import (
	"sync"

	"go.uber.org/zap"

	"github.com/unibase-ai/membase-go/core"
	"github.com/unibase-ai/membase-go/knowledge"
)

// LongTermStore holds the distilled memory tiers: per-conversation long-term
// records and the account profile. Records are append-only; new summaries
// are appended, never edited in place. The profile is versioned: recomputing
// it appends a new record and marks the previous one superseded, so history
// stays auditable.
type LongTermStore struct {
	account string
	logger  *zap.Logger

	mu       sync.RWMutex
	records  map[string][]*knowledge.Document
	profiles []*knowledge.Document
}

// NewLongTermStore creates an empty store for the account.
func NewLongTermStore(account string, logger *zap.Logger) *LongTermStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LongTermStore{
		account: account,
		logger:  logger.With(zap.String("component", "longterm"), zap.String("account", account)),
		records: make(map[string][]*knowledge.Document),
	}
}

// Account returns the owning account id.
func (s *LongTermStore) Account() string {
	return s.account
}

// Append adds a long-term record for the conversation, in creation order.
func (s *LongTermStore) Append(conversationID string, doc *knowledge.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if doc.Kind() != knowledge.KindLTM {
		return core.Validationf("long-term store only accepts %q documents, got %q",
			knowledge.KindLTM, doc.Kind())
	}
	if conversationID == "" {
		return core.Validationf("long-term record %s has no conversation", doc.ID)
	}

	s.mu.Lock()
	s.records[conversationID] = append(s.records[conversationID], doc)
	s.mu.Unlock()
	s.logger.Debug("long-term record appended",
		zap.String("conversation", conversationID), zap.String("id", doc.ID))
	return nil
}

// Recent returns the last n records of the conversation in chronological
// order, most recent last. An unknown conversation yields an empty slice.
func (s *LongTermStore) Recent(conversationID string, n int) []*knowledge.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[conversationID]
	if n <= 0 || len(recs) == 0 {
		return nil
	}
	if n > len(recs) {
		n = len(recs)
	}
	out := make([]*knowledge.Document, n)
	copy(out, recs[len(recs)-n:])
	return out
}

// Count returns the number of long-term records for the conversation.
func (s *LongTermStore) Count(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[conversationID])
}

// Conversations returns the ids that own at least one long-term record.
func (s *LongTermStore) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}

// SetProfile installs doc as the authoritative profile record and returns
// the superseded previous revision, nil when none existed. Superseding
// never mutates the old record in place: a marked clone replaces it, so
// readers holding the old document (the index included) see a frozen
// snapshot. Callers re-index the returned revision to publish the mark.
func (s *LongTermStore) SetProfile(doc *knowledge.Document) (*knowledge.Document, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if doc.Kind() != knowledge.KindProfile {
		return nil, core.Validationf("profile tier only accepts %q documents, got %q",
			knowledge.KindProfile, doc.Kind())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *knowledge.Document
	if n := len(s.profiles); n > 0 {
		prev = s.profiles[n-1].Clone()
		if prev.Metadata == nil {
			prev.Metadata = make(map[string]string, 1)
		}
		prev.Metadata[knowledge.MetaSuperseded] = "true"
		s.profiles[n-1] = prev
	}
	s.profiles = append(s.profiles, doc)
	s.logger.Info("profile updated", zap.String("id", doc.ID), zap.Int("revisions", len(s.profiles)))
	return prev, nil
}

// CurrentProfile returns the single authoritative profile record.
// A NotFound error is returned when no profile was ever computed.
func (s *LongTermStore) CurrentProfile() (*knowledge.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.profiles) == 0 {
		return nil, core.NotFound("profile", s.account)
	}
	return s.profiles[len(s.profiles)-1], nil
}

// ProfileHistory returns every profile revision, oldest first. All but the
// last are superseded.
func (s *LongTermStore) ProfileHistory() []*knowledge.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*knowledge.Document, len(s.profiles))
	copy(out, s.profiles)
	return out
}
