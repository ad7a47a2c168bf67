package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marklubin/doublebufferproxy/internal/convstate"
	"github.com/marklubin/doublebufferproxy/internal/logger"
	"github.com/marklubin/doublebufferproxy/internal/tokenizer"
)

func newTestStore(ttl time.Duration) *ConversationStore {
	sizer := tokenizer.NewSizer(map[string]int{"tiny": 100}, 50000)
	return New(sizer, logger.NoOpLogger{}, ttl, nil)
}

func TestGetOrCreateCreatesOnce(t *testing.T) {
	s := newTestStore(time.Hour)

	st1, created1 := s.GetOrCreate("key-1", "tiny")
	require.True(t, created1)
	assert.Equal(t, convstate.PhaseIdle, st1.Phase)
	assert.Equal(t, 100, st1.ContextWindow)

	st2, created2 := s.GetOrCreate("key-1", "tiny")
	assert.False(t, created2)
	assert.Same(t, st1, st2)
}

func TestGetOrCreateConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(time.Hour)

	var wg sync.WaitGroup
	results := make([]*convstate.ConversationState, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, _ := s.GetOrCreate("shared-key", "tiny")
			results[i] = st
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		assert.Same(t, results[0], results[i], "concurrent GetOrCreate for the same key must return the same instance")
	}
}

func TestWithStateSerializesMutation(t *testing.T) {
	s := newTestStore(time.Hour)
	s.GetOrCreate("key-1", "tiny")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithState(context.Background(), "key-1", func(cs *convstate.ConversationState) {
				cs.TotalInputTokens++
			})
		}()
	}
	wg.Wait()

	view, ok := s.Detail("key-1")
	require.True(t, ok)
	assert.Equal(t, 100, view.TotalInputTokens)
}

func TestWithStateRejectsInvariantViolation(t *testing.T) {
	s := newTestStore(time.Hour)
	s.GetOrCreate("key-1", "tiny")

	err := s.WithState(context.Background(), "key-1", func(cs *convstate.ConversationState) {
		bad := 999
		cs.WALStartIndex = &bad // violates invariant: checkpoint_content nil, phase IDLE
	})
	assert.Error(t, err)
}

func TestSnapshotHoldsNoLocksAfterReturn(t *testing.T) {
	s := newTestStore(time.Hour)
	s.GetOrCreate("key-1", "tiny")
	s.GetOrCreate("key-2", "tiny")

	views := s.Snapshot()
	assert.Len(t, views, 2)

	// If Snapshot held a lock, this concurrent mutation would deadlock.
	done := make(chan struct{})
	go func() {
		_ = s.WithState(context.Background(), "key-1", func(cs *convstate.ConversationState) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WithState blocked after Snapshot returned; a lock must have leaked")
	}
}

func TestEvictIdleRemovesOnlyExpired(t *testing.T) {
	s := newTestStore(10 * time.Millisecond)
	st, _ := s.GetOrCreate("old", "tiny")
	st.LastActivityAt = time.Now().Add(-time.Hour)

	s.GetOrCreate("fresh", "tiny")

	n := s.EvictIdle(time.Now())
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Count())

	_, ok := s.Detail("old")
	assert.False(t, ok)
	_, ok = s.Detail("fresh")
	assert.True(t, ok)
}

func TestEvictIdleDefersWhenCheckpointInFlight(t *testing.T) {
	s := newTestStore(10 * time.Millisecond)
	st, _ := s.GetOrCreate("busy", "tiny")
	st.LastActivityAt = time.Now().Add(-time.Hour)

	cancelled := false
	st.InFlightCheckpoint = &convstate.CheckpointHandle{Epoch: 1, Cancel: func() { cancelled = true }}

	n := s.EvictIdle(time.Now())
	assert.Equal(t, 0, n, "an entry with an in-flight checkpoint must not be evicted immediately")
	assert.True(t, cancelled, "eviction must request cancellation of the in-flight checkpoint")
	assert.Equal(t, 1, s.Count())
}

func TestResetClearsState(t *testing.T) {
	s := newTestStore(time.Hour)
	st, _ := s.GetOrCreate("key-1", "tiny")

	cancelled := false
	_ = s.WithState(context.Background(), "key-1", func(cs *convstate.ConversationState) {
		cs.Messages = []convstate.Message{{Role: "user", ContentPreview: "hi"}}
		content := "summary"
		idx := 1
		cs.WALStartIndex = &idx
		cs.CheckpointContent = &content
		cs.Phase = convstate.PhaseWALActive
	})
	_ = st

	s.Reset(s.entries["key-1"].state.ConvID)

	view, ok := s.Detail("key-1")
	require.True(t, ok)
	assert.Equal(t, convstate.PhaseIdle, view.Phase)
	assert.Empty(t, view.Messages)
	assert.Nil(t, view.CheckpointContent)
	assert.Nil(t, view.WALStartIndex)
	_ = cancelled
}

func TestResetIsIdempotent(t *testing.T) {
	s := newTestStore(time.Hour)
	st, _ := s.GetOrCreate("key-1", "tiny")
	convID := st.ConvID

	s.Reset(convID)
	first, _ := s.Detail("key-1")
	s.Reset(convID)
	second, _ := s.Detail("key-1")

	assert.Equal(t, first.Phase, second.Phase)
	assert.Equal(t, first.Messages, second.Messages)
}

func TestResetAllWhenConvIDEmpty(t *testing.T) {
	s := newTestStore(time.Hour)
	s.GetOrCreate("key-1", "tiny")
	s.GetOrCreate("key-2", "tiny")

	_ = s.WithState(context.Background(), "key-1", func(cs *convstate.ConversationState) {
		cs.TotalInputTokens = 50
	})

	s.Reset("")

	v1, _ := s.Detail("key-1")
	v2, _ := s.Detail("key-2")
	assert.Equal(t, 0, v1.TotalInputTokens)
	assert.Equal(t, 0, v2.TotalInputTokens)
}

func TestSubscribeNotifiesOnCommittedMutation(t *testing.T) {
	s := newTestStore(time.Hour)
	s.GetOrCreate("key-1", "tiny")

	notified := make(chan string, 1)
	s.Subscribe(notifierFunc(func(key string) { notified <- key }))

	_ = s.WithState(context.Background(), "key-1", func(cs *convstate.ConversationState) {
		cs.TotalInputTokens = 5
	})

	select {
	case key := <-notified:
		assert.Equal(t, "key-1", key)
	case <-time.After(time.Second):
		t.Fatal("expected a notification after committed mutation")
	}
}

type notifierFunc func(key string)

func (f notifierFunc) Notify(key string) { f(key) }
