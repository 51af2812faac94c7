package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unibase-ai/membase-go/knowledge"
)

func staticSummarizer(text string) Summarizer {
	return SummarizerFunc(func(context.Context, string, []*Message, []*knowledge.Document) (string, error) {
		return text, nil
	})
}

func newTestScheduler(t *testing.T, cfg *Config, sum Summarizer, opts ...SchedulerOption) (*Scheduler, *MultiMemory, *LongTermStore, *fakeIndex) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	registry := NewMultiMemory(cfg)
	store := NewLongTermStore(cfg.Account, nil)
	idx := newFakeIndex()
	return NewScheduler(registry, store, idx, sum, cfg, opts...), registry, store, idx
}

func TestSchedulerSummarizesEligibleTail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTailSize = 20
	cfg.ProfileEveryNCycles = 0
	s, registry, store, idx := newTestScheduler(t, cfg, staticSummarizer("the distilled summary"))
	ctx := context.Background()

	fillConversation(ctx, registry, "conv-1", 25)
	require.NoError(t, s.RunOnce(ctx))

	require.Equal(t, 1, store.Count("conv-1"))
	rec := store.Recent("conv-1", 1)[0]
	assert.Equal(t, "the distilled summary", rec.Content)
	assert.Equal(t, knowledge.KindLTM, rec.Kind())
	assert.Equal(t, "25", rec.Metadata["source_messages"])

	buf := registry.Get(ctx, "conv-1")
	assert.Equal(t, int64(25), buf.HighWaterMark())
	assert.Empty(t, buf.UnsummarizedTail())
	assert.Equal(t, 1, idx.kindCount(knowledge.KindLTM))
}

func TestSchedulerSkipsShortTails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTailSize = 20
	cfg.ProfileEveryNCycles = 0
	s, registry, store, _ := newTestScheduler(t, cfg, staticSummarizer("unused"))
	ctx := context.Background()

	fillConversation(ctx, registry, "conv-a", 5)
	fillConversation(ctx, registry, "conv-b", 19)
	require.NoError(t, s.RunOnce(ctx))

	assert.Equal(t, 0, store.Count("conv-a"))
	assert.Equal(t, 0, store.Count("conv-b"))
	assert.Equal(t, int64(0), registry.Get(ctx, "conv-a").HighWaterMark())
}

func TestSchedulerRetriesTailAfterFailure(t *testing.T) {
	var calls atomic.Int64
	flaky := SummarizerFunc(func(context.Context, string, []*Message, []*knowledge.Document) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("model overloaded")
		}
		return "recovered summary", nil
	})
	cfg := DefaultConfig()
	cfg.MinTailSize = 20
	cfg.ProfileEveryNCycles = 0
	s, registry, store, _ := newTestScheduler(t, cfg, flaky)
	ctx := context.Background()

	fillConversation(ctx, registry, "conv-1", 25)

	// Failed cycle: high-water mark untouched, tail still eligible.
	require.Error(t, s.RunOnce(ctx))
	assert.Equal(t, 0, store.Count("conv-1"))
	assert.Equal(t, int64(0), registry.Get(ctx, "conv-1").HighWaterMark())

	// Next cycle summarizes the same tail.
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, store.Count("conv-1"))
	assert.Equal(t, int64(25), registry.Get(ctx, "conv-1").HighWaterMark())
}

func TestSchedulerRejectsMalformedSummary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTailSize = 20
	cfg.ProfileEveryNCycles = 0
	s, registry, store, _ := newTestScheduler(t, cfg, staticSummarizer("   "))
	ctx := context.Background()

	fillConversation(ctx, registry, "conv-1", 25)
	err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedSummary)
	assert.Equal(t, 0, store.Count("conv-1"))
	assert.Equal(t, int64(0), registry.Get(ctx, "conv-1").HighWaterMark())
}

func TestSchedulerMapsTimeoutError(t *testing.T) {
	slow := SummarizerFunc(func(ctx context.Context, _ string, _ []*Message, _ []*knowledge.Document) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.MinTailSize = 20
	cfg.ProfileEveryNCycles = 0
	cfg.SummarizeTimeout = 20 * time.Millisecond
	s, registry, store, _ := newTestScheduler(t, cfg, slow)
	ctx := context.Background()

	fillConversation(ctx, registry, "conv-1", 25)
	err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSummaryTimeout)
	assert.Equal(t, 0, store.Count("conv-1"))
}

func TestSchedulerRecomputesProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTailSize = 5
	cfg.ProfileEveryNCycles = 1
	s, registry, store, idx := newTestScheduler(t, cfg, staticSummarizer("distilled"))
	ctx := context.Background()

	fillConversation(ctx, registry, "conv-1", 10)
	require.NoError(t, s.RunOnce(ctx))

	first, err := store.CurrentProfile()
	require.NoError(t, err)
	assert.Equal(t, knowledge.KindProfile, first.Kind())

	// The next cycle has no eligible tail but still refreshes the profile
	// from stored records, superseding the previous revision.
	require.NoError(t, s.RunOnce(ctx))
	second, err := store.CurrentProfile()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	history := store.ProfileHistory()
	require.Len(t, history, 2)
	assert.True(t, history[0].Superseded())
	assert.Equal(t, 2, idx.kindCount(knowledge.KindProfile))

	// The index saw the marked revision, not just the store.
	superseded, err := idx.Query(context.Background(), knowledge.Query{
		TopK:     5,
		Metadata: map[string]string{knowledge.MetaKind: string(knowledge.KindProfile), knowledge.MetaSuperseded: "true"},
	})
	require.NoError(t, err)
	require.Len(t, superseded, 1)
	assert.Equal(t, first.ID, superseded[0].ID)
}

func TestSchedulerSkipsProfileWithoutRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTailSize = 20
	cfg.ProfileEveryNCycles = 1
	s, _, store, _ := newTestScheduler(t, cfg, staticSummarizer("unused"))

	require.NoError(t, s.RunOnce(context.Background()))
	_, err := store.CurrentProfile()
	assert.Error(t, err)
}

func TestSchedulerUploadsCommittedRecords(t *testing.T) {
	hub := newFakeHub()
	cfg := DefaultConfig()
	cfg.MinTailSize = 5
	cfg.ProfileEveryNCycles = 0
	cfg.AutoUploadToHub = true
	s, registry, _, _ := newTestScheduler(t, cfg, staticSummarizer("distilled"),
		WithSchedulerHub(hub), WithSchedulerAuthorizer(&fakeAuth{allow: true}))
	ctx := context.Background()

	fillConversation(ctx, registry, "conv-1", 10)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, hub.documentCount())
}

func TestSchedulerUploadSkippedWhenUnauthorized(t *testing.T) {
	hub := newFakeHub()
	cfg := DefaultConfig()
	cfg.MinTailSize = 5
	cfg.ProfileEveryNCycles = 0
	cfg.AutoUploadToHub = true
	s, registry, store, _ := newTestScheduler(t, cfg, staticSummarizer("distilled"),
		WithSchedulerHub(hub), WithSchedulerAuthorizer(&fakeAuth{allow: false}))
	ctx := context.Background()

	fillConversation(ctx, registry, "conv-1", 10)
	require.NoError(t, s.RunOnce(ctx))

	// Commit happened locally; nothing left the process.
	assert.Equal(t, 1, store.Count("conv-1"))
	assert.Equal(t, 0, hub.documentCount())
}

func TestSchedulerStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SummarizeInterval = 10 * time.Millisecond
	cfg.ProfileEveryNCycles = 0
	s, _, _, _ := newTestScheduler(t, cfg, staticSummarizer("unused"))

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		return s.Cycles() >= 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, StateStopped, s.State())

	// Stop is idempotent.
	s.Stop()
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, nil, staticSummarizer("unused"))

	// Stopping a loop that never ran returns instead of blocking.
	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a scheduler that was never started")
	}
	assert.Equal(t, StateStopped, s.State())
}
