// Package store implements ConversationStore (spec.md §4.2): the mapping
// from conversation fingerprint to live ConversationState, owning
// creation, lookup, per-conversation mutex, and TTL-based eviction.
//
// The shape -- a top-level RWMutex-guarded map plus a per-entry mutex --
// is grounded on the framework's ConversationConnectionManager
// (internal/conversation/manager.go): a session map guarded by a
// RWMutex, with per-session mutexes for session-level mutation and a
// CleanupExpiredSessions sweep. This package generalizes that shape to
// the richer per-conversation phase/checkpoint state the engine needs.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/marklubin/doublebufferproxy/internal/convstate"
	"github.com/marklubin/doublebufferproxy/internal/logger"
	"github.com/marklubin/doublebufferproxy/internal/tokenizer"
)

// Persister is the subset of internal/persist.Store the ConversationStore
// needs: write-through of committed state (a reset saves the cleared
// state), and removal on eviction.
// Defined here (not imported) so store has no dependency on the sqlite
// driver; persist.Store satisfies it.
type Persister interface {
	Save(ctx context.Context, s *convstate.ConversationState) error
	Delete(ctx context.Context, key string) error
	LoadAll(ctx context.Context) ([]*convstate.ConversationState, error)
}

// entry pairs a ConversationState with the mutex that serializes all
// mutation of it (spec.md §5: "a single mutex per ConversationState
// serializes all observable mutations").
type entry struct {
	mu    sync.Mutex
	state *convstate.ConversationState
}

// ChangeNotifier is implemented by dashboard.Publisher; the store and
// engine call Notify after every committed mutation so subscribers can
// be informed (spec.md §4.7). Defined here to avoid an import cycle
// between store and dashboard.
type ChangeNotifier interface {
	Notify(key string)
}

// ConversationStore owns the key->ConversationState map.
type ConversationStore struct {
	sizer *tokenizer.Sizer
	log   logger.Logger
	ttl   time.Duration

	persist Persister

	mu      sync.RWMutex
	entries map[string]*entry

	notifiersMu sync.RWMutex
	notifiers   []ChangeNotifier
}

// New creates an empty ConversationStore.
func New(sizer *tokenizer.Sizer, log logger.Logger, ttl time.Duration, persist Persister) *ConversationStore {
	return &ConversationStore{
		sizer:   sizer,
		log:     log,
		ttl:     ttl,
		persist: persist,
		entries: make(map[string]*entry),
	}
}

// Subscribe registers a ChangeNotifier to be called after every committed
// mutation. Not safe to call concurrently with Notify delivery for the
// same notifier, but registration itself is safe to call at any time.
func (s *ConversationStore) Subscribe(n ChangeNotifier) {
	s.notifiersMu.Lock()
	defer s.notifiersMu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

func (s *ConversationStore) notify(key string) {
	s.notifiersMu.RLock()
	defer s.notifiersMu.RUnlock()
	for _, n := range s.notifiers {
		n.Notify(key)
	}
}

// Restore loads persisted conversations at startup (supplemented feature,
// SPEC_FULL.md "Persisted state layout"). A conversation found mid
// checkpoint at crash time reverts to IDLE: there is no in-flight task to
// resume, so CHECKPOINTING would violate the §3 invariant that
// in_flight_checkpoint is non-nil exactly in that phase.
func (s *ConversationStore) Restore(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	states, err := s.persist.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if st.Phase == convstate.PhaseCheckpointing || st.Phase == convstate.PhaseCheckpointPending {
			st.Phase = convstate.PhaseIdle
			st.InFlightCheckpoint = nil
		}
		s.entries[st.Key] = &entry{state: st}
	}
	s.log.Info("restored conversations from persisted store", map[string]interface{}{"count": len(states)})
	return nil
}

// GetOrCreate returns the state for key, creating it with phase IDLE and
// a resolved context window if absent. Returns created=true when a new
// state was constructed.
func (s *ConversationStore) GetOrCreate(key, model string) (*convstate.ConversationState, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		e.mu.Lock()
		e.state.LastActivityAt = time.Now()
		e.mu.Unlock()
		return e.state, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the write lock: another goroutine may have created
	// it between the RUnlock above and this Lock.
	if e, ok := s.entries[key]; ok {
		e.mu.Lock()
		e.state.LastActivityAt = time.Now()
		e.mu.Unlock()
		return e.state, false
	}

	now := time.Now()
	st := &convstate.ConversationState{
		Key:            key,
		ConvID:         convstate.ConvID(key),
		Model:          model,
		ContextWindow:  s.sizer.ContextWindowFor(model),
		Phase:          convstate.PhaseIdle,
		LastActivityAt: now,
		BackoffCurrent: 0,
	}
	s.entries[key] = &entry{state: st}
	s.log.Info("conversation created", map[string]interface{}{"conv_id": st.ConvID, "model": model, "context_window": st.ContextWindow})
	return st, true
}

// WithState acquires the per-conversation mutex for key and invokes fn,
// then persists the result and notifies subscribers. Guarantees at most
// one fn runs concurrently per key (spec.md §4.2, testable property 2's
// single-flight sibling for ordinary mutation).
func (s *ConversationStore) WithState(ctx context.Context, key string, fn func(*convstate.ConversationState)) error {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	fn(e.state)
	if err := e.state.CheckInvariants(); err != nil {
		e.mu.Unlock()
		s.log.Error("invariant violated after mutation", map[string]interface{}{"key": key, "error": err.Error()})
		return err
	}
	var stCopy convstate.ConversationState
	stCopy = *e.state
	e.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(ctx, &stCopy); err != nil {
			s.log.Warn("failed to persist conversation state", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}
	s.notify(key)
	return nil
}

// ConversationView is a read-only, race-free copy of a ConversationState
// suitable for returning from Snapshot/Detail without holding any lock
// after the call returns (spec.md §4.2).
type ConversationView struct {
	Key                   string
	ConvID                string
	Model                 string
	ContextWindow         int
	Phase                 convstate.Phase
	Messages              []convstate.Message
	TotalInputTokens      int
	Utilization           float64
	WALStartIndex         *int
	CheckpointContent     *string
	CheckpointStartedAt   *time.Time
	CheckpointCompletedAt *time.Time
	LastActivityAt        time.Time
}

func viewOf(st *convstate.ConversationState) ConversationView {
	msgs := make([]convstate.Message, len(st.Messages))
	copy(msgs, st.Messages)
	return ConversationView{
		Key:                   st.Key,
		ConvID:                st.ConvID,
		Model:                 st.Model,
		ContextWindow:         st.ContextWindow,
		Phase:                 st.Phase,
		Messages:              msgs,
		TotalInputTokens:      st.TotalInputTokens,
		Utilization:           st.Utilization(),
		WALStartIndex:         st.WALStartIndex,
		CheckpointContent:     st.CheckpointContent,
		CheckpointStartedAt:   st.CheckpointStartedAt,
		CheckpointCompletedAt: st.CheckpointCompletedAt,
		LastActivityAt:        st.LastActivityAt,
	}
}

// Snapshot returns a point-in-time copy of every tracked conversation.
// No locks are held once Snapshot returns.
func (s *ConversationStore) Snapshot() []ConversationView {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	views := make([]ConversationView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		views = append(views, viewOf(e.state))
		e.mu.Unlock()
	}
	return views
}

// Detail returns a single conversation's view by key.
func (s *ConversationStore) Detail(key string) (ConversationView, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return ConversationView{}, false
	}
	e.mu.Lock()
	v := viewOf(e.state)
	e.mu.Unlock()
	return v, true
}

// DetailByConvID looks up a conversation by its short conv_id rather than
// the full fingerprint, as the dashboard and /v1/_reset endpoints do.
func (s *ConversationStore) DetailByConvID(convID string) (ConversationView, bool) {
	key, ok := s.keyForConvID(convID)
	if !ok {
		return ConversationView{}, false
	}
	return s.Detail(key)
}

func (s *ConversationStore) keyForConvID(convID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, e := range s.entries {
		if e.state.ConvID == convID {
			return k, true
		}
	}
	return "", false
}

// EvictIdle removes entries whose last activity exceeds the configured
// TTL. An entry with an in-flight checkpoint is not removed immediately:
// its cancel function is invoked and eviction is deferred to the next
// sweep, by which time the task will have observed the cancellation and
// cleared InFlightCheckpoint (spec.md §4.2, testable property 7).
func (s *ConversationStore) EvictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, e := range s.entries {
		e.mu.Lock()
		idle := now.Sub(e.state.LastActivityAt) > s.ttl
		hasInFlight := e.state.InFlightCheckpoint != nil
		if idle && hasInFlight {
			e.state.InFlightCheckpoint.Cancel()
		}
		e.mu.Unlock()

		if idle && !hasInFlight {
			delete(s.entries, key)
			if s.persist != nil {
				_ = s.persist.Delete(context.Background(), key)
			}
			evicted++
		}
	}
	return evicted
}

// Reset clears one conversation (by conv_id) or all conversations back to
// IDLE, cancelling any in-flight checkpoint first (spec.md §4.2).
// Resetting twice in a row is a no-op the second time (testable property 6).
func (s *ConversationStore) Reset(convID string) {
	s.mu.RLock()
	var targets []*entry
	if convID == "" {
		for _, e := range s.entries {
			targets = append(targets, e)
		}
	} else if key, ok := s.keyForConvIDLocked(convID); ok {
		targets = append(targets, s.entries[key])
	}
	s.mu.RUnlock()

	for _, e := range targets {
		e.mu.Lock()
		if e.state.InFlightCheckpoint != nil {
			e.state.InFlightCheckpoint.Cancel()
		}
		e.state.Messages = nil
		e.state.CheckpointContent = nil
		e.state.WALStartIndex = nil
		e.state.Phase = convstate.PhaseIdle
		e.state.InFlightCheckpoint = nil
		e.state.TotalInputTokens = 0
		e.state.Epoch++
		key := e.state.Key
		var stCopy convstate.ConversationState = *e.state
		e.mu.Unlock()

		if s.persist != nil {
			_ = s.persist.Save(context.Background(), &stCopy)
		}
		s.notify(key)
	}
}

// keyForConvIDLocked is keyForConvID for callers already holding s.mu.
func (s *ConversationStore) keyForConvIDLocked(convID string) (string, bool) {
	for k, e := range s.entries {
		if e.state.ConvID == convID {
			return k, true
		}
	}
	return "", false
}

// Count returns the number of tracked conversations (for GET /health).
func (s *ConversationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RunEvictionLoop runs EvictIdle on the given interval until ctx is
// cancelled -- "one periodic task for TTL eviction" (spec.md §5).
func (s *ConversationStore) RunEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.EvictIdle(now); n > 0 {
				s.log.Debug("evicted idle conversations", map[string]interface{}{"count": n})
			}
		}
	}
}
