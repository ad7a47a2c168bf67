// Package tokenizer implements the pure, stateless Tokenizer/Sizer
// component (spec.md §4.1): token-count estimation and model-to-window
// resolution. Both functions are deterministic and free of I/O.
package tokenizer

import "github.com/marklubin/doublebufferproxy/internal/convstate"

// charsPerToken is the heuristic used to turn message text length into an
// approximate token count. Any reasonable heuristic is acceptable per
// spec.md §4.1 as long as it is monotone in input length; four characters
// per token is the commonly cited rule of thumb for English prose.
const charsPerToken = 4

// EstimateTokens returns an approximate input-token count for a message
// list. It is monotone: appending any message never decreases the
// estimate.
func EstimateTokens(messages []convstate.Message) int {
	total := 0
	for _, m := range messages {
		// Every message carries a small fixed overhead (role marker,
		// separators) in addition to its content length.
		total += 4 + len(m.ContentPreview)/charsPerToken
		if m.TokenEstimate > 0 {
			// Prefer a caller-supplied estimate (e.g. derived from the
			// full, un-truncated content) over the preview-based one.
			total += m.TokenEstimate
			total -= len(m.ContentPreview) / charsPerToken
		}
	}
	return total
}

// Sizer resolves a model identifier to its documented context-window
// size, using the configured table with a conservative fallback for
// unrecognized models.
type Sizer struct {
	windows map[string]int
	fallback int
}

// NewSizer builds a Sizer from a model->window table and a default for
// unrecognized models.
func NewSizer(windows map[string]int, fallback int) *Sizer {
	cp := make(map[string]int, len(windows))
	for k, v := range windows {
		cp[k] = v
	}
	return &Sizer{windows: cp, fallback: fallback}
}

// ContextWindowFor returns the context window for model, or the
// configured fallback if model is unrecognized.
func (s *Sizer) ContextWindowFor(model string) int {
	if w, ok := s.windows[model]; ok {
		return w
	}
	return s.fallback
}
