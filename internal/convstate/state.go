// Package convstate defines ConversationState (spec.md §3): the per
// conversation record the rest of the proxy operates on, and the phase
// enum driving the BufferEngine state machine.
package convstate

import "time"

// Phase is one of the six BufferEngine states (spec.md §4.5).
type Phase string

const (
	PhaseIdle               Phase = "IDLE"
	PhaseCheckpointPending  Phase = "CHECKPOINT_PENDING"
	PhaseCheckpointing      Phase = "CHECKPOINTING"
	PhaseWALActive          Phase = "WAL_ACTIVE"
	PhaseSwapReady          Phase = "SWAP_READY"
	PhaseSwapExecuting      Phase = "SWAP_EXECUTING"
)

// Message is one observed conversation turn. Content is stored as a
// preview (not the full body) to keep dashboard snapshots small; the
// token estimate is computed once and cached on the message.
type Message struct {
	Role           string
	ContentPreview string
	TokenEstimate  int
}

// CheckpointHandle identifies one CheckpointExecutor run. It is the
// "monotonically increasing epoch counter" design note from spec.md §9:
// a background task verifies its Epoch still matches the state's current
// epoch before committing a result, so a superseded or cancelled run is
// discarded instead of silently overwriting newer state.
type CheckpointHandle struct {
	Epoch  uint64
	Cancel func()
}

// ConversationState is one tracked conversation. All mutation of its
// fields (outside of construction) must happen while the owning
// ConversationStore's per-key mutex is held -- see store.ConversationStore.
type ConversationState struct {
	Key            string
	ConvID         string
	Model          string
	ContextWindow  int

	Phase Phase

	Messages         []Message
	TotalInputTokens int

	WALStartIndex     *int
	CheckpointContent *string

	CheckpointStartedAt   *time.Time
	CheckpointCompletedAt *time.Time
	LastActivityAt        time.Time

	InFlightCheckpoint *CheckpointHandle

	// Epoch increments every time a new checkpoint attempt starts (in the
	// engine's maybeEnterCheckpointing) or the conversation is reset
	// (store.ConversationStore.Reset). A completing
	// checkpoint task must present the epoch it started with; a mismatch
	// means it was cancelled or superseded.
	Epoch uint64

	// NextCheckpointAttemptAt gates the IDLE->CHECKPOINT_PENDING
	// transition after a failed attempt, implementing the backoff in
	// spec.md §4.5.
	NextCheckpointAttemptAt time.Time
	// BackoffCurrent is the backoff delay that will be used for the next
	// failure, doubling on each consecutive failure up to a configured
	// cap.
	BackoffCurrent time.Duration
}

// Utilization returns TotalInputTokens/ContextWindow, clamped to
// non-negative (ContextWindow is always > 0 by construction).
func (s *ConversationState) Utilization() float64 {
	if s.ContextWindow <= 0 {
		return 0
	}
	u := float64(s.TotalInputTokens) / float64(s.ContextWindow)
	if u < 0 {
		return 0
	}
	return u
}

// CheckInvariants verifies the §3 invariants hold for s. It is used by
// tests (property 1 in spec.md §8) and by store.ConversationStore.WithState
// after every mutation.
func (s *ConversationState) CheckInvariants() error {
	walActive := s.Phase == PhaseWALActive || s.Phase == PhaseSwapReady || s.Phase == PhaseSwapExecuting
	if (s.WALStartIndex != nil) != walActive {
		return invariantError("wal_start_index non-nil iff phase in {WAL_ACTIVE,SWAP_READY,SWAP_EXECUTING}")
	}
	if s.WALStartIndex != nil && s.CheckpointContent == nil {
		return invariantError("checkpoint_content must be set whenever wal_start_index is set")
	}
	if (s.InFlightCheckpoint != nil) != (s.Phase == PhaseCheckpointing) {
		return invariantError("in_flight_checkpoint non-nil iff phase == CHECKPOINTING")
	}
	if s.WALStartIndex != nil {
		if *s.WALStartIndex < 0 || *s.WALStartIndex > len(s.Messages) {
			return invariantError("0 <= wal_start_index <= len(messages)")
		}
	}
	return nil
}

type invariantErr string

func (e invariantErr) Error() string { return "convstate: invariant violated: " + string(e) }

func invariantError(msg string) error { return invariantErr(msg) }
