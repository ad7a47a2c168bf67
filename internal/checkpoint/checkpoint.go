// Package checkpoint implements CheckpointExecutor (spec.md §4.4): the
// detached task that summarizes a conversation snapshot via a one-shot
// upstream call, cancellable, and classified into the §4.4 error kinds.
package checkpoint

import (
	"context"

	"github.com/marklubin/doublebufferproxy/internal/convstate"
	"github.com/marklubin/doublebufferproxy/internal/perrors"
	"github.com/marklubin/doublebufferproxy/internal/telemetry"
	"github.com/marklubin/doublebufferproxy/internal/upstream"
)

// Snapshot is the immutable view of a conversation the executor runs
// against; CheckpointExecutor never touches ConversationState directly,
// keeping the per-conversation mutex free for the duration of the
// upstream call (spec.md §4.5 "Single-flight and ordering").
type Snapshot struct {
	Model            string
	Messages         []convstate.Message
	TotalInputTokens int
}

// Executor runs one checkpoint attempt.
type Executor struct {
	client    *upstream.Client
	minTokens int
	tel       *telemetry.Provider
}

// New builds an Executor bound to the given upstream client. minTokens is
// the configured COMPACT_TRIGGER_TOKENS floor: a snapshot below it is
// rejected as TooSmall without calling upstream. tel may be nil, in which
// case span/metric recording is a no-op (telemetry.Provider's methods
// tolerate a nil receiver).
func New(client *upstream.Client, minTokens int, tel *telemetry.Provider) *Executor {
	return &Executor{client: client, minTokens: minTokens, tel: tel}
}

const summarizePrompt = "Create a detailed summary of the conversation above, preserving all facts, decisions, and open questions a continuation would need."

// Run issues the summarization call for snapshot and returns the full
// summary text. It returns ErrTooSmall without calling upstream when the
// snapshot is below the documented minimum, and translates ctx
// cancellation and upstream failures into the spec.md §4.4 error kinds.
func (e *Executor) Run(ctx context.Context, snap Snapshot) (string, error) {
	if snap.TotalInputTokens < e.minTokens {
		return "", perrors.ErrTooSmall
	}

	req := upstream.SummarizeRequest{Model: snap.Model}
	for _, m := range snap.Messages {
		req.Messages = append(req.Messages, upstream.SummarizeMessage{Role: m.Role, Content: m.ContentPreview})
	}
	req.Messages = append(req.Messages, upstream.SummarizeMessage{Role: "user", Content: summarizePrompt})

	ctx, span := e.tel.StartSpan(ctx, "checkpoint.summarize")
	defer span.End()
	e.tel.RecordUpstreamCall(ctx, "checkpoint")

	text, _, err := e.client.Summarize(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", perrors.ErrCancelled
		}
		return "", err
	}
	return text, nil
}
