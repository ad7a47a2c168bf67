// Package upstream implements the HTTP client the proxy uses to talk to
// the real LLM API: forwarding chat requests (streaming and
// non-streaming) and issuing the one-shot summarization calls the
// CheckpointExecutor needs. Grounded on the gandalf gateway's proxy
// client shape (Proxy.ChatCompletion / ChatCompletionStream) from
// other_examples, adapted to also expose the raw byte-faithful forwarding
// path spec.md §4.6 requires for non-intercepted traffic.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marklubin/doublebufferproxy/internal/perrors"
)

// Client talks to the upstream chat/completion API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a Client. baseURL is the upstream API root (e.g.
// "https://api.anthropic.com/v1"); apiKey is sent as the upstream's
// expected auth header.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 0}, // streaming responses must not hit a fixed client timeout; callers use context
	}
}

// Forward relays body verbatim to the upstream chat/completion endpoint,
// preserving headers the client sent except Host and Content-Length (the
// transport sets the latter from body); when the Client has an apiKey,
// it replaces any x-api-key the client sent. It returns the raw
// upstream *http.Response for the caller to stream back byte-faithfully
// (spec.md §4.6: "forwarding must be byte-faithful for non-intercepted
// paths").
func (c *Client) Forward(ctx context.Context, path string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, perrors.NetworkErrorf("upstream.Forward", err)
	}
	for k, vs := range header {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, perrors.ErrCancelled
		}
		return nil, perrors.NetworkErrorf("upstream.Forward", err)
	}
	if resp.StatusCode >= 400 {
		return resp, perrors.UpstreamError("upstream.Forward", resp.StatusCode, fmt.Errorf("upstream responded %d", resp.StatusCode))
	}
	return resp, nil
}

// SummarizeRequest is the one-shot, non-streaming request the
// CheckpointExecutor issues to produce a conversation summary.
type SummarizeRequest struct {
	Model        string
	SystemPrompt string
	Messages     []SummarizeMessage
}

// SummarizeMessage is a minimal role/content pair for the summarize call.
type SummarizeMessage struct {
	Role    string
	Content string
}

// Summarize issues a non-streaming completion request and returns the
// full response text. It classifies failures per spec.md §4.4's error
// kinds: NetworkError, UpstreamError(status), or Cancelled.
func (c *Client) Summarize(ctx context.Context, req SummarizeRequest) (string, int, error) {
	payload, err := buildSummarizePayload(req)
	if err != nil {
		return "", 0, perrors.NetworkErrorf("upstream.Summarize", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", 0, perrors.NetworkErrorf("upstream.Summarize", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, perrors.ErrCancelled
		}
		return "", 0, perrors.NetworkErrorf("upstream.Summarize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", resp.StatusCode, perrors.UpstreamError("upstream.Summarize", resp.StatusCode, fmt.Errorf("upstream responded %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, perrors.ErrCancelled
		}
		return "", 0, perrors.NetworkErrorf("upstream.Summarize", err)
	}

	text, err := extractSummaryText(body)
	if err != nil {
		return "", 0, perrors.NetworkErrorf("upstream.Summarize", err)
	}
	return text, resp.StatusCode, nil
}

// StreamEvent is one parsed SSE event from a forwarded streaming response.
type StreamEvent struct {
	Event string
	Data  []byte
}

// ParseSSE reads Server-Sent Events from r, invoking fn for each complete
// event, until EOF or ctx cancellation. Grounded on the SSE "data:"/
// "event:" line framing gandalf's proxy client parses for streamed chat
// completions.
func ParseSSE(ctx context.Context, r io.Reader, fn func(StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur StreamEvent
	var data bytes.Buffer
	flush := func() error {
		if data.Len() == 0 && cur.Event == "" {
			return nil
		}
		cur.Data = append([]byte(nil), bytes.TrimRight(data.Bytes(), "\n")...)
		err := fn(cur)
		cur = StreamEvent{}
		data.Reset()
		return err
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return perrors.ErrCancelled
		}
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
			data.WriteByte('\n')
		default:
			// Ignore comment lines and unrecognized fields (id:, retry:).
		}
	}
	if err := scanner.Err(); err != nil {
		return perrors.NetworkErrorf("upstream.ParseSSE", err)
	}
	return flush()
}

// ExtractUsageFromEvent pulls the authoritative input-token usage out of a
// message_start or message_delta event if present, returning ok=false
// otherwise. Used by proxyhandler to update total_input_tokens to the
// value upstream actually reported (spec.md §4.6 step 6).
func ExtractUsageFromEvent(ev StreamEvent) (tokens int, ok bool) {
	return extractUsageField(ev.Data, "input_tokens")
}

func extractUsageField(data []byte, field string) (int, bool) {
	idx := bytes.Index(data, []byte(`"`+field+`"`))
	if idx < 0 {
		return 0, false
	}
	rest := data[idx+len(field)+2:]
	colon := bytes.IndexByte(rest, ':')
	if colon < 0 {
		return 0, false
	}
	rest = bytes.TrimLeft(rest[colon+1:], " ")
	end := 0
	for end < len(rest) && (rest[end] >= '0' && rest[end] <= '9') {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(rest[:end]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// summarizeWireRequest is the native Anthropic Messages API request shape
// for the one-shot summarize call, mirroring the teacher's
// ai/providers/anthropic/models.go AnthropicRequest.
type summarizeWireRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Messages  []summarizeWireMsg `json:"messages"`
}

type summarizeWireMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// summarizeWireResponse is the fields of a non-streaming Messages API
// response the summarize call needs, mirroring the teacher's
// AnthropicResponse/ContentItem.
type summarizeWireResponse struct {
	Content []summarizeContentItem `json:"content"`
}

type summarizeContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func buildSummarizePayload(req SummarizeRequest) ([]byte, error) {
	wire := summarizeWireRequest{
		Model:     req.Model,
		MaxTokens: 1024,
		Stream:    false,
		System:    req.SystemPrompt,
	}
	wire.Messages = make([]summarizeWireMsg, len(req.Messages))
	for i, m := range req.Messages {
		wire.Messages[i] = summarizeWireMsg{Role: m.Role, Content: m.Content}
	}
	return json.Marshal(wire)
}

// extractSummaryText pulls the assistant text out of a non-streaming
// Messages API response body, mirroring the teacher's
// json.Unmarshal(body, &anthropicResp) handling.
func extractSummaryText(body []byte) (string, error) {
	var wire summarizeWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return "", fmt.Errorf("unmarshal summarize response: %w", err)
	}
	for _, item := range wire.Content {
		if item.Type == "text" {
			return item.Text, nil
		}
	}
	return "", fmt.Errorf("no text content block in response")
}
