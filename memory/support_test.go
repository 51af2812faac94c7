package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/unibase-ai/membase-go/knowledge"
)

// fakeHub records calls in memory and serves canned preload data.
type fakeHub struct {
	mu           sync.Mutex
	uploads      map[string][]*Message
	docs         []*knowledge.Document
	stored       map[string][]*Message
	preloadCalls map[string]int
	preloadErr   error // returned once, then cleared
	listErr      error
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		uploads:      make(map[string][]*Message),
		stored:       make(map[string][]*Message),
		preloadCalls: make(map[string]int),
	}
}

func (h *fakeHub) Upload(_ context.Context, conversationID string, msgs []*Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploads[conversationID] = append(h.uploads[conversationID], msgs...)
	return nil
}

func (h *fakeHub) Preload(_ context.Context, conversationID string) ([]*Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preloadCalls[conversationID]++
	if h.preloadErr != nil {
		err := h.preloadErr
		h.preloadErr = nil
		return nil, err
	}
	return h.stored[conversationID], nil
}

func (h *fakeHub) ListConversations(_ context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	ids := make([]string, 0, len(h.stored))
	for id := range h.stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (h *fakeHub) UploadDocument(_ context.Context, doc *knowledge.Document) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.docs = append(h.docs, doc)
	return nil
}

func (h *fakeHub) PreloadDocuments(_ context.Context) ([]*knowledge.Document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*knowledge.Document(nil), h.docs...), nil
}

func (h *fakeHub) uploadCount(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.uploads[conversationID])
}

func (h *fakeHub) documentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs)
}

// fakeAuth allows or denies every account.
type fakeAuth struct {
	allow bool
}

func (a *fakeAuth) IsAuthorized(context.Context, string) bool {
	return a.allow
}

// fakeIndex is a deterministic in-memory knowledge base: every stored
// document matching the filters scores 1.0.
type fakeIndex struct {
	mu   sync.Mutex
	docs map[string]*knowledge.Document
	err  error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: make(map[string]*knowledge.Document)}
}

func (f *fakeIndex) Index(_ context.Context, docs ...*knowledge.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, doc := range docs {
		f.docs[doc.ID] = doc
	}
	return nil
}

func (f *fakeIndex) Query(_ context.Context, q knowledge.Query) ([]*knowledge.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*knowledge.Document
	for _, doc := range f.docs {
		if !metadataMatches(doc, q.Metadata) {
			continue
		}
		if q.Content != nil && !q.Content(doc.Content) {
			continue
		}
		cp := *doc
		cp.Score = 1.0
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt().After(out[j].CreatedAt())
	})
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}

func (f *fakeIndex) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[id]
	return ok, nil
}

func (f *fakeIndex) Remove(_ context.Context, ids ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := f.docs[id]; ok {
			delete(f.docs, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeIndex) RemoveByFilter(_ context.Context, metadata map[string]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for id, doc := range f.docs {
		if metadataMatches(doc, metadata) {
			delete(f.docs, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeIndex) Stats(context.Context) (knowledge.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return knowledge.Stats{Documents: len(f.docs), Collection: "fake"}, nil
}

func (f *fakeIndex) Close() error { return nil }

func (f *fakeIndex) kindCount(kind knowledge.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, doc := range f.docs {
		if doc.Kind() == kind {
			n++
		}
	}
	return n
}

func metadataMatches(doc *knowledge.Document, metadata map[string]string) bool {
	for k, v := range metadata {
		if doc.Metadata[k] != v {
			return false
		}
	}
	return true
}

// fillConversation appends n user turns to the conversation.
func fillConversation(ctx context.Context, m *MultiMemory, conversationID string, n int) {
	for i := 0; i < n; i++ {
		msg := NewMessage(conversationID, "alice", RoleUser, "turn content")
		_ = m.Add(ctx, msg)
	}
}
