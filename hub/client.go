// Package hub mirrors conversation memory to a remote membase hub over HTTP.
//
// Writes go through a bounded in-process queue drained by a single worker
// goroutine, so the append path never blocks on the network. Delivery is
// at-most-once per enqueue with bounded retries; the memory engine re-uploads
// on later activity, which makes the mirror eventually consistent.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unibase-ai/membase-go/core"
	"github.com/unibase-ai/membase-go/knowledge"
	"github.com/unibase-ai/membase-go/memory"
)

const (
	defaultQueueSize   = 1024
	defaultHTTPTimeout = 10 * time.Second

	deliverAttempts = 3
	deliverBackoff  = 250 * time.Millisecond
)

// Client talks to a membase hub. It implements memory.Hub.
type Client struct {
	baseURL string
	account string
	httpc   *http.Client
	logger  *zap.Logger

	queue     chan job
	quit      chan struct{}
	closeOnce sync.Once
	worker    sync.WaitGroup
	pending   sync.WaitGroup
}

type job struct {
	path    string
	payload any
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		c.httpc = httpc
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithQueueSize bounds the upload queue.
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queue = make(chan job, n)
		}
	}
}

// New creates a hub client for the account and starts its upload worker.
// Callers must Close it to flush and stop the worker.
func New(baseURL, account string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		account: account,
		httpc:   &http.Client{Timeout: defaultHTTPTimeout},
		logger:  zap.NewNop(),
		queue:   make(chan job, defaultQueueSize),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "hub"), zap.String("account", account))

	c.worker.Add(1)
	go c.run()
	return c
}

// uploadPayload is the wire form of a mirrored conversation turn.
type uploadPayload struct {
	Owner   string          `json:"owner"`
	Bucket  string          `json:"bucket"`
	ID      string          `json:"id"`
	Message *memory.Message `json:"message"`
}

// documentPayload is the wire form of a mirrored memory document.
type documentPayload struct {
	Owner    string            `json:"owner"`
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// Upload enqueues conversation turns for mirroring and returns immediately.
// A full queue or a closed client yields a transient error; the turns stay
// in local memory either way.
func (c *Client) Upload(_ context.Context, conversationID string, msgs []*memory.Message) error {
	for _, msg := range msgs {
		p := uploadPayload{Owner: c.account, Bucket: conversationID, ID: msg.ID, Message: msg}
		if err := c.enqueue(job{path: "/api/upload", payload: p}); err != nil {
			return err
		}
	}
	return nil
}

// UploadDocument enqueues a long-term or profile document for mirroring.
func (c *Client) UploadDocument(_ context.Context, doc *knowledge.Document) error {
	p := documentPayload{Owner: c.account, ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata}
	return c.enqueue(job{path: "/api/knowledge/upload", payload: p})
}

// Preload fetches the stored turns of a conversation. An unknown
// conversation yields an empty slice.
func (c *Client) Preload(ctx context.Context, conversationID string) ([]*memory.Message, error) {
	q := url.Values{"owner": {c.account}, "bucket": {conversationID}}
	var out struct {
		Messages []*memory.Message `json:"messages"`
	}
	if err := c.get(ctx, "/api/conversation", q, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ListConversations returns the conversation ids the hub knows for the account.
func (c *Client) ListConversations(ctx context.Context) ([]string, error) {
	q := url.Values{"owner": {c.account}}
	var out struct {
		Conversations []string `json:"conversations"`
	}
	if err := c.get(ctx, "/api/conversations", q, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// PreloadDocuments fetches the account's stored memory documents.
func (c *Client) PreloadDocuments(ctx context.Context) ([]*knowledge.Document, error) {
	q := url.Values{"owner": {c.account}}
	var out struct {
		Documents []documentPayload `json:"documents"`
	}
	if err := c.get(ctx, "/api/knowledge", q, &out); err != nil {
		return nil, err
	}
	docs := make([]*knowledge.Document, 0, len(out.Documents))
	for _, p := range out.Documents {
		docs = append(docs, &knowledge.Document{ID: p.ID, Content: p.Content, Metadata: p.Metadata})
	}
	return docs, nil
}

// Flush blocks until every enqueued upload has been attempted.
func (c *Client) Flush() {
	c.pending.Wait()
}

// Close stops the worker after draining the queue. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	c.worker.Wait()
	return nil
}

func (c *Client) enqueue(j job) error {
	select {
	case <-c.quit:
		return core.Transient("hub upload", fmt.Errorf("client closed"))
	default:
	}
	c.pending.Add(1)
	select {
	case c.queue <- j:
		return nil
	default:
		c.pending.Done()
		return core.Transient("hub upload", fmt.Errorf("queue full (%d)", cap(c.queue)))
	}
}

func (c *Client) run() {
	defer c.worker.Done()
	for {
		select {
		case j := <-c.queue:
			c.deliver(j)
			c.pending.Done()
		case <-c.quit:
			// Drain what was enqueued before the close.
			for {
				select {
				case j := <-c.queue:
					c.deliver(j)
					c.pending.Done()
				default:
					return
				}
			}
		}
	}
}

// deliver posts one job with bounded retries. Exhausted retries drop the
// job; the engine re-mirrors on later activity. A close during backoff
// abandons the remaining attempts instead of burning them against a dead
// endpoint.
func (c *Client) deliver(j job) {
	var lastErr error
	for attempt := 0; attempt < deliverAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(deliverBackoff << (attempt - 1)):
			case <-c.quit:
				c.logger.Debug("hub delivery abandoned on close",
					zap.String("path", j.path), zap.Error(lastErr))
				return
			}
		}
		if lastErr = c.post(j.path, j.payload); lastErr == nil {
			return
		}
	}
	c.logger.Warn("hub delivery dropped after retries",
		zap.String("path", j.path), zap.Error(lastErr))
}

func (c *Client) post(path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", path, err)
	}
	resp, err := c.httpc.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return core.Transient("hub post "+path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return core.Transient("hub post "+path, fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return core.Transient("hub get "+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return core.Transient("hub get "+path, fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
