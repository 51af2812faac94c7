package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unibase-ai/membase-go/core"
	"github.com/unibase-ai/membase-go/knowledge"
	"github.com/unibase-ai/membase-go/memory"
)

// hubRecorder captures upload payloads and serves canned reads.
type hubRecorder struct {
	mu       sync.Mutex
	uploads  []uploadPayload
	docs     []documentPayload
	failures int32 // consecutive 500s before accepting
}

func (h *hubRecorder) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&h.failures, -1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var p uploadPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.uploads = append(h.uploads, p)
		h.mu.Unlock()
	})
	mux.HandleFunc("/api/knowledge/upload", func(w http.ResponseWriter, r *http.Request) {
		var p documentPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.docs = append(h.docs, p)
		h.mu.Unlock()
	})
	mux.HandleFunc("/api/conversation", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("bucket") == "unknown" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []*memory.Message{
				memory.NewMessage("conv-1", "alice", memory.RoleUser, "stored turn"),
			},
		})
	})
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"conversations": []string{"conv-1", "conv-2"}})
	})
	mux.HandleFunc("/api/knowledge", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"documents": []documentPayload{
				{Owner: "acct", ID: "doc-1", Content: "stored summary", Metadata: map[string]string{"kind": "ltm"}},
			},
		})
	})
	return mux
}

func (h *hubRecorder) uploadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.uploads)
}

func newTestClient(t *testing.T, rec *hubRecorder, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)
	c := New(srv.URL, "acct", opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientUploadsQueuedMessages(t *testing.T) {
	rec := &hubRecorder{}
	c := newTestClient(t, rec)

	msgs := []*memory.Message{
		memory.NewMessage("conv-1", "alice", memory.RoleUser, "one"),
		memory.NewMessage("conv-1", "bob", memory.RoleAssistant, "two"),
	}
	require.NoError(t, c.Upload(context.Background(), "conv-1", msgs))
	c.Flush()

	require.Equal(t, 2, rec.uploadCount())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "acct", rec.uploads[0].Owner)
	assert.Equal(t, "conv-1", rec.uploads[0].Bucket)
	assert.Equal(t, msgs[0].ID, rec.uploads[0].ID)
	assert.Equal(t, "one", rec.uploads[0].Message.Content)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	rec := &hubRecorder{failures: 2}
	c := newTestClient(t, rec)

	msg := memory.NewMessage("conv-1", "alice", memory.RoleUser, "retry me")
	require.NoError(t, c.Upload(context.Background(), "conv-1", []*memory.Message{msg}))
	c.Flush()

	assert.Equal(t, 1, rec.uploadCount())
}

func TestClientUploadDocument(t *testing.T) {
	rec := &hubRecorder{}
	c := newTestClient(t, rec)

	doc := knowledge.NewDocument(knowledge.KindLTM, "conv-1", "a summary", nil)
	require.NoError(t, c.UploadDocument(context.Background(), doc))
	c.Flush()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.docs, 1)
	assert.Equal(t, doc.ID, rec.docs[0].ID)
	assert.Equal(t, "a summary", rec.docs[0].Content)
	assert.Equal(t, string(knowledge.KindLTM), rec.docs[0].Metadata[knowledge.MetaKind])
}

func TestClientPreload(t *testing.T) {
	rec := &hubRecorder{}
	c := newTestClient(t, rec)
	ctx := context.Background()

	msgs, err := c.Preload(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "stored turn", msgs[0].Content)

	// Unknown conversations are empty, not an error.
	msgs, err = c.Preload(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestClientListConversations(t *testing.T) {
	rec := &hubRecorder{}
	c := newTestClient(t, rec)

	ids, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-1", "conv-2"}, ids)
}

func TestClientPreloadDocuments(t *testing.T) {
	rec := &hubRecorder{}
	c := newTestClient(t, rec)

	docs, err := c.PreloadDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc-1", docs[0].ID)
	assert.Equal(t, knowledge.KindLTM, docs[0].Kind())
}

func TestClientRejectsUploadsAfterClose(t *testing.T) {
	rec := &hubRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c := New(srv.URL, "acct")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Upload(context.Background(), "conv-1",
		[]*memory.Message{memory.NewMessage("conv-1", "alice", memory.RoleUser, "late")})
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
}

func TestClientCloseAbandonsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "acct")
	msg := memory.NewMessage("conv-1", "alice", memory.RoleUser, "doomed")
	require.NoError(t, c.Upload(context.Background(), "conv-1", []*memory.Message{msg}))

	// Wait for the first attempt, then close during the backoff window.
	require.Eventually(t, func() bool {
		return hits.Load() >= 1
	}, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	assert.Less(t, hits.Load(), int32(deliverAttempts))
}

func TestStaticAuthorizer(t *testing.T) {
	a := NewStaticAuthorizer("alice")
	ctx := context.Background()

	assert.True(t, a.IsAuthorized(ctx, "alice"))
	assert.False(t, a.IsAuthorized(ctx, "bob"))

	a.Allow("bob")
	assert.True(t, a.IsAuthorized(ctx, "bob"))

	a.Revoke("alice")
	assert.False(t, a.IsAuthorized(ctx, "alice"))
}
