// Package proxyhandler implements ProxyHandler (spec.md §4.6): the
// request-path glue between the inbound client connection, the
// ConversationStore/BufferEngine, and the upstream client. Body decoding
// follows the gandalf gateway's tolerant-parse-then-forward-raw-bytes
// shape (other_examples' proxy.go): only enough of the JSON is parsed to
// drive bookkeeping, while the original bytes are what actually get
// forwarded, keeping non-intercepted traffic byte-faithful.
package proxyhandler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/marklubin/doublebufferproxy/internal/convstate"
	"github.com/marklubin/doublebufferproxy/internal/detector"
	"github.com/marklubin/doublebufferproxy/internal/engine"
	"github.com/marklubin/doublebufferproxy/internal/logger"
	"github.com/marklubin/doublebufferproxy/internal/perrors"
	"github.com/marklubin/doublebufferproxy/internal/store"
	"github.com/marklubin/doublebufferproxy/internal/telemetry"
	"github.com/marklubin/doublebufferproxy/internal/tokenizer"
	"github.com/marklubin/doublebufferproxy/internal/upstream"
)

// maxRequestBody bounds the size of a parsed client request body.
const maxRequestBody = 16 << 20

// chatPath is the upstream path the Messages-style chat/completion
// endpoint lives at; requests to any other path are forwarded unchanged
// and never classified.
const chatPath = "/messages"

// wireMessage is the minimal shape the handler needs out of an inbound
// request body. Fields it doesn't recognize are irrelevant here because
// forwarding uses the original bytes, not a re-marshaling of this struct.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	System   string        `json:"system"`
	Stream   bool          `json:"stream"`
	Messages []wireMessage `json:"messages"`
}

// Handler implements http.Handler for the proxy listener.
type Handler struct {
	store    *store.ConversationStore
	engine   *engine.Engine
	upstream *upstream.Client
	log      logger.Logger
	tel      *telemetry.Provider

	passthrough bool
	errNotifier APIErrorNotifier
}

// APIErrorNotifier is the subset of dashboard.Publisher the handler needs
// to emit api_error dashboard events on forwarding failures (spec.md §7:
// "dashboard emits api_error"). Defined here, not imported, to avoid a
// proxyhandler<->dashboard import cycle.
type APIErrorNotifier interface {
	PublishAPIError(convID, message string)
}

// New builds a Handler. tel may be nil, in which case span/metric
// recording around upstream forwarding is a no-op.
func New(st *store.ConversationStore, eng *engine.Engine, up *upstream.Client, log logger.Logger, passthrough bool, tel *telemetry.Provider) *Handler {
	return &Handler{store: st, engine: eng, upstream: up, log: log, passthrough: passthrough, tel: tel}
}

// SetErrorNotifier wires a dashboard publisher so upstream forwarding
// failures are surfaced as api_error events, not just logged.
func (h *Handler) SetErrorNotifier(n APIErrorNotifier) {
	h.errNotifier = n
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if r.URL.Path != chatPath || h.passthrough {
		h.forward(w, r, body)
		return
	}

	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		// Tolerant per spec.md §4.6, but a body that isn't even valid JSON
		// can't be bookkept; forward it unchanged and let upstream judge it.
		h.log.Warn("request body not valid JSON, forwarding unexamined", map[string]interface{}{"error": err.Error()})
		h.forward(w, r, body)
		return
	}

	key := keyFor(r, wire)
	st, _ := h.store.GetOrCreate(key, wire.Model)
	msgs := toConvMessages(wire.Messages)

	err = h.store.WithState(r.Context(), key, func(cs *convstate.ConversationState) {
		appendNew(cs, msgs)
		cs.TotalInputTokens = tokenizer.EstimateTokens(cs.Messages)
		cs.LastActivityAt = time.Now()
	})
	if err != nil {
		h.log.Error("invariant check failed, forwarding without interception", map[string]interface{}{"key": key, "error": err.Error()})
		h.forward(w, r, body)
		return
	}

	classification := h.engine.Classify(detector.Request{
		IsChatEndpoint:  true,
		LastUserMessage: lastUserMessage(wire.Messages),
		MessageCount:    len(wire.Messages),
	})

	if swap, ok := h.engine.TryHandleSwap(r.Context(), key, classification); ok {
		h.writeSubstitute(w, wire, swap.SummaryText)
		h.engine.OnActivity(r.Context(), key)
		return
	}

	h.forwardAndObserve(w, r, body, key, st.Model, wire.Stream)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx, span := h.tel.StartSpan(r.Context(), "upstream.forward")
	defer span.End()
	h.tel.RecordUpstreamCall(ctx, "forward")

	resp, err := h.upstream.Forward(ctx, r.URL.Path, r.Header, body)
	if err != nil {
		h.notifyError("", err)
		if resp == nil {
			writeUpstreamFailure(w, err)
			return
		}
	}
	copyResponse(w, resp)
}

// forwardAndObserve streams the upstream response back to the client
// verbatim while extracting the authoritative token usage it reports, per
// spec.md §4.6 step 6.
func (h *Handler) forwardAndObserve(w http.ResponseWriter, r *http.Request, body []byte, key, model string, streaming bool) {
	spanCtx, span := h.tel.StartSpan(r.Context(), "upstream.forward")
	h.tel.RecordUpstreamCall(spanCtx, "forward")

	resp, err := h.upstream.Forward(spanCtx, chatPath, r.Header, body)
	span.End()
	if err != nil {
		h.notifyError(key, err)
		if resp == nil {
			writeUpstreamFailure(w, err)
			return
		}
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	var usageTokens int
	var haveUsage bool

	if streaming {
		// Bytes reach the client as the parser reads them; each complete
		// event is flushed so the client need not wait for the stream end.
		flusher, _ := w.(http.Flusher)
		tee := io.TeeReader(resp.Body, w)
		_ = upstream.ParseSSE(r.Context(), tee, func(ev upstream.StreamEvent) error {
			if n, ok := upstream.ExtractUsageFromEvent(ev); ok {
				usageTokens = n
				haveUsage = true
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		// Relay anything the parser stopped short of reading.
		io.Copy(w, resp.Body)
		if flusher != nil {
			flusher.Flush()
		}
	} else {
		raw, _ := io.ReadAll(resp.Body)
		w.Write(raw)
		if n, ok := extractNonStreamUsage(raw); ok {
			usageTokens = n
			haveUsage = true
		}
	}

	ctx := context.Background()
	_ = h.store.WithState(ctx, key, func(cs *convstate.ConversationState) {
		if haveUsage {
			cs.TotalInputTokens = usageTokens
		}
	})
	h.engine.OnActivity(ctx, key)
}

func extractNonStreamUsage(body []byte) (int, bool) {
	var parsed struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false
	}
	if parsed.Usage.InputTokens == 0 {
		return 0, false
	}
	return parsed.Usage.InputTokens, true
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	if resp == nil {
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (h *Handler) notifyError(key string, err error) {
	if h.errNotifier == nil {
		return
	}
	convID := ""
	if key != "" {
		convID = convstate.ConvID(key)
	}
	h.errNotifier.PublishAPIError(convID, err.Error())
}

func writeUpstreamFailure(w http.ResponseWriter, err error) {
	if perrors.IsNetworkError(err) {
		writeError(w, http.StatusBadGateway, "upstream unreachable")
		return
	}
	if status := perrors.UpstreamStatus(err); status != 0 {
		writeError(w, status, "upstream error")
		return
	}
	writeError(w, http.StatusBadGateway, "upstream error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeSubstitute synthesizes the SWAP_EXECUTING response: the same
// on-the-wire shape the client expects, with the assistant text set to
// the stored checkpoint summary (spec.md §4.5 "Substitute response").
func (h *Handler) writeSubstitute(w http.ResponseWriter, wire wireRequest, summary string) {
	w.Header().Set("Content-Type", "application/json")
	if wire.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		writeSubstituteStream(w, wire.Model, summary)
		return
	}
	w.WriteHeader(http.StatusOK)
	resp := substituteResponse(wire.Model, summary)
	json.NewEncoder(w).Encode(resp)
}

func substituteResponse(model, summary string) map[string]interface{} {
	return map[string]interface{}{
		"id":    "msg_synthesized",
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]string{
			{"type": "text", "text": summary},
		},
		"stop_reason": "end_turn",
		"usage": map[string]int{
			"input_tokens":  0,
			"output_tokens": tokenizer.EstimateTokens([]convstate.Message{{ContentPreview: summary}}),
		},
	}
}

func writeSubstituteStream(w http.ResponseWriter, model, summary string) {
	flusher, _ := w.(http.Flusher)
	write := func(event, data string) {
		w.Write([]byte("event: " + event + "\n"))
		w.Write([]byte("data: " + data + "\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
	startPayload, _ := json.Marshal(map[string]interface{}{
		"type":    "message_start",
		"message": map[string]interface{}{"id": "msg_synthesized", "type": "message", "role": "assistant", "model": model},
	})
	write("message_start", string(startPayload))

	deltaPayload, _ := json.Marshal(map[string]interface{}{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": summary},
	})
	write("content_block_delta", string(deltaPayload))

	stopPayload, _ := json.Marshal(map[string]interface{}{"type": "message_stop"})
	write("message_stop", string(stopPayload))
}

func keyFor(r *http.Request, wire wireRequest) string {
	sessionID := r.Header.Get("X-Session-Id")
	firstUser := firstUserMessage(wire.Messages)
	return convstate.Fingerprint(sessionID, wire.System, firstUser)
}

func toConvMessages(msgs []wireMessage) []convstate.Message {
	out := make([]convstate.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, convstate.Message{Role: m.Role, ContentPreview: contentPreview(m.Content)})
	}
	return out
}

// appendNew appends messages observed in this request that aren't
// already present, preserving order (spec.md §4.6 step 3). A client
// resending its full rolling history on every turn means only the
// newest suffix needs to be appended.
func appendNew(cs *convstate.ConversationState, msgs []convstate.Message) {
	if len(msgs) <= len(cs.Messages) {
		return
	}
	cs.Messages = append(cs.Messages, msgs[len(cs.Messages):]...)
}

func contentPreview(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncate(s, 2048)
	}
	return truncate(string(raw), 2048)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstUserMessage(msgs []wireMessage) string {
	for _, m := range msgs {
		if m.Role == "user" {
			return contentPreview(m.Content)
		}
	}
	return ""
}

func lastUserMessage(msgs []wireMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return contentPreview(msgs[i].Content)
		}
	}
	return ""
}
