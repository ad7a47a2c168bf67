// Package engine implements the BufferEngine state machine (spec.md
// §4.5): the per-conversation double-buffer lifecycle from IDLE through
// CHECKPOINT_PENDING, CHECKPOINTING, WAL_ACTIVE, SWAP_READY, and
// SWAP_EXECUTING back to IDLE.
//
// Entering CHECKPOINTING requires the per-conversation mutex (held via
// store.ConversationStore.WithState); the spawned checkpoint task does
// NOT hold that mutex while awaiting upstream -- it runs detached and
// reacquires the mutex only to commit its result, verifying its epoch
// still matches before doing so. This mirrors the framework's resilience
// package's pattern of never holding a lock across network I/O.
package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/marklubin/doublebufferproxy/internal/checkpoint"
	"github.com/marklubin/doublebufferproxy/internal/convstate"
	"github.com/marklubin/doublebufferproxy/internal/detector"
	"github.com/marklubin/doublebufferproxy/internal/logger"
	"github.com/marklubin/doublebufferproxy/internal/perrors"
	"github.com/marklubin/doublebufferproxy/internal/store"
	"github.com/marklubin/doublebufferproxy/internal/telemetry"
)

// Engine drives BufferEngine transitions for every conversation tracked
// by a ConversationStore.
type Engine struct {
	store     *store.ConversationStore
	executor  *checkpoint.Executor
	log       logger.Logger
	detector  *detector.Detector
	tel       *telemetry.Provider

	checkpointThreshold float64
	swapThreshold       float64
	backoffBase         time.Duration
	backoffCap          time.Duration
	checkpointTimeout   time.Duration
}

// Config bundles the tunables LoadFromEnv produces.
type Config struct {
	CheckpointThreshold float64
	SwapThreshold       float64
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	CheckpointTimeout   time.Duration

	// Telemetry records checkpoint outcomes and swap hits; nil disables
	// recording (telemetry.Provider's methods tolerate a nil receiver).
	Telemetry *telemetry.Provider
}

// New builds an Engine.
func New(st *store.ConversationStore, exec *checkpoint.Executor, det *detector.Detector, log logger.Logger, cfg Config) *Engine {
	return &Engine{
		store:               st,
		executor:            exec,
		detector:            det,
		log:                 log,
		tel:                 cfg.Telemetry,
		checkpointThreshold: cfg.CheckpointThreshold,
		swapThreshold:       cfg.SwapThreshold,
		backoffBase:         cfg.BackoffBase,
		backoffCap:          cfg.BackoffCap,
		checkpointTimeout:   cfg.CheckpointTimeout,
	}
}

// OnActivity is called by the proxy handler after it has appended new
// messages and updated token accounting for key (spec.md §4.6 step 3).
// It re-evaluates IDLE->CHECKPOINT_PENDING->CHECKPOINTING and, when a
// checkpoint becomes due, spawns the executor as a detached goroutine.
func (e *Engine) OnActivity(ctx context.Context, key string) {
	var spawn *spawnRequest
	_ = e.store.WithState(ctx, key, func(st *convstate.ConversationState) {
		spawn = e.maybeEnterCheckpointing(st)
	})
	if spawn != nil {
		go e.runCheckpoint(key, spawn)
	}
}

// evaluateThresholds re-checks WAL_ACTIVE -> SWAP_READY once utilization
// has been recomputed; maybeEnterCheckpointing calls it at the start of
// OnActivity's mutation pass.
func (e *Engine) evaluateThresholds(st *convstate.ConversationState) {
	if st.Phase == convstate.PhaseWALActive && st.Utilization() >= e.swapThreshold {
		st.Phase = convstate.PhaseSwapReady
	}
}

type spawnRequest struct {
	epoch        uint64
	ctx          context.Context
	cancel       context.CancelFunc
	walCandidate int
	snap         checkpoint.Snapshot
}

// maybeEnterCheckpointing performs every phase transition that doesn't
// require an upstream call, and returns a spawnRequest when a checkpoint
// attempt should start. Caller must hold the per-conversation mutex (it
// is invoked from inside store.WithState).
func (e *Engine) maybeEnterCheckpointing(st *convstate.ConversationState) *spawnRequest {
	e.evaluateThresholds(st)

	if st.Phase != convstate.PhaseIdle {
		return nil
	}
	if st.Utilization() < e.checkpointThreshold {
		return nil
	}
	if !st.NextCheckpointAttemptAt.IsZero() && time.Now().Before(st.NextCheckpointAttemptAt) {
		// Hysteresis: a prior attempt failed and the backoff window has
		// not elapsed yet.
		return nil
	}

	st.Phase = convstate.PhaseCheckpointPending
	walCandidate := len(st.Messages)

	ctx, cancel := context.WithCancel(context.Background())
	st.Epoch++
	epoch := st.Epoch
	st.InFlightCheckpoint = &convstate.CheckpointHandle{Epoch: epoch, Cancel: cancel}
	st.Phase = convstate.PhaseCheckpointing

	msgs := make([]convstate.Message, len(st.Messages))
	copy(msgs, st.Messages)

	return &spawnRequest{
		epoch:        epoch,
		ctx:          ctx,
		cancel:       cancel,
		walCandidate: walCandidate,
		snap: checkpoint.Snapshot{
			Model:            st.Model,
			Messages:         msgs,
			TotalInputTokens: st.TotalInputTokens,
		},
	}
}

// runCheckpoint runs the detached executor task for one checkpoint
// attempt and commits its result, verifying the epoch still matches
// (spec.md §4.5 "Single-flight and ordering").
func (e *Engine) runCheckpoint(key string, req *spawnRequest) {
	ctx, cancel := context.WithTimeout(req.ctx, e.checkpointTimeout)
	defer cancel()
	defer req.cancel()

	start := time.Now()
	summary, err := e.executor.Run(ctx, req.snap)
	duration := time.Since(start)

	_ = e.store.WithState(context.Background(), key, func(st *convstate.ConversationState) {
		if st.InFlightCheckpoint == nil || st.InFlightCheckpoint.Epoch != req.epoch {
			// Cancelled or superseded (reset, or another attempt started);
			// discard this result.
			return
		}
		if err != nil {
			outcome := "error"
			switch {
			case perrors.IsCancelled(err):
				outcome = "cancelled"
			case perrors.IsTooSmall(err):
				outcome = "too_small"
			}
			e.tel.RecordCheckpointOutcome(context.Background(), outcome, duration)
			e.log.Warn("checkpoint attempt failed", map[string]interface{}{"key": key, "error": err.Error()})
			st.Phase = convstate.PhaseIdle
			st.InFlightCheckpoint = nil
			st.BackoffCurrent = nextBackoff(st.BackoffCurrent, e.backoffBase, e.backoffCap)
			st.NextCheckpointAttemptAt = time.Now().Add(st.BackoffCurrent)
			return
		}
		e.tel.RecordCheckpointOutcome(context.Background(), "success", duration)

		content := summary
		st.CheckpointContent = &content
		idx := req.walCandidate
		st.WALStartIndex = &idx
		st.Phase = convstate.PhaseWALActive
		st.InFlightCheckpoint = nil
		st.BackoffCurrent = 0
		st.NextCheckpointAttemptAt = time.Time{}
		st.CheckpointCompletedAt = timePtr(time.Now())
	})
}

// nextBackoff doubles the current delay up to cap, starting from base
// when no attempt has failed yet (spec.md §4.5: "base delay 30s, cap 10
// min"). Delegates the doubling arithmetic to backoff.v5's exponential
// policy rather than hand-rolling it.
func nextBackoff(current, base, maxDelay time.Duration) time.Duration {
	if current <= 0 {
		return base
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = current
	policy.MaxInterval = maxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.Reset()
	// The first interval a fresh policy yields is InitialInterval itself;
	// the second is the doubled (and capped) one.
	policy.NextBackOff()
	next := policy.NextBackOff()
	if next > maxDelay {
		return maxDelay
	}
	return next
}

func timePtr(t time.Time) *time.Time { return &t }

// Classify runs the CompactionDetector against an inbound request,
// exposed so proxyhandler doesn't need its own detector reference.
func (e *Engine) Classify(req detector.Request) detector.Classification {
	return e.detector.Classify(req)
}

// SwapResult is what TryHandleSwap returns when it synthesizes the
// substitute response (spec.md §4.5 "Substitute response").
type SwapResult struct {
	SummaryText string
}

// TryHandleSwap implements the SWAP_EXECUTING transition: if the request
// is Compact and a checkpoint is ready (WAL_ACTIVE or SWAP_READY with
// non-nil checkpoint_content), it commits the swap and returns the
// summary text to synthesize a response from. Otherwise returns
// ok=false, meaning the caller must forward to upstream.
func (e *Engine) TryHandleSwap(ctx context.Context, key string, classification detector.Classification) (result SwapResult, ok bool) {
	_ = e.store.WithState(ctx, key, func(st *convstate.ConversationState) {
		if classification != detector.Compact {
			return
		}
		ready := st.Phase == convstate.PhaseWALActive || st.Phase == convstate.PhaseSwapReady
		if !ready || st.CheckpointContent == nil {
			return
		}

		st.Phase = convstate.PhaseSwapExecuting
		result = SwapResult{SummaryText: *st.CheckpointContent}
		ok = true
		e.tel.RecordSwapHit(ctx)

		// Commit: clear checkpoint state, truncate messages to the
		// post-swap tail, and reset token accounting.
		if st.WALStartIndex != nil {
			tail := st.Messages[*st.WALStartIndex:]
			st.Messages = append([]convstate.Message(nil), tail...)
		}
		st.CheckpointContent = nil
		st.WALStartIndex = nil
		st.TotalInputTokens = tokensOf(st.Messages)
		st.Phase = convstate.PhaseIdle
	})
	return result, ok
}

func tokensOf(msgs []convstate.Message) int {
	total := 0
	for _, m := range msgs {
		if m.TokenEstimate > 0 {
			total += m.TokenEstimate
		}
	}
	return total
}
