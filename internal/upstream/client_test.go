package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marklubin/doublebufferproxy/internal/perrors"
)

func TestForwardSetsAPIKeyAndPreservesCustomHeaders(t *testing.T) {
	var gotKey, gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotSession = r.Header.Get("X-Session-Id")
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", 0)
	header := http.Header{"Host": []string{"client-said-this"}, "X-Session-Id": []string{"sess-1"}}
	resp, err := c.Forward(context.Background(), "/messages", header, []byte(`{"hi":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "sk-test", gotKey)
	assert.Equal(t, "sess-1", gotSession, "non-Host client headers must be forwarded unchanged")

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"hi":1}`, string(body))
}

func TestForwardClassifiesUpstreamErrorButStillReturnsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 0)
	resp, err := c.Forward(context.Background(), "/messages", http.Header{}, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, perrors.IsUpstreamError(err))
	assert.Equal(t, http.StatusBadRequest, perrors.UpstreamStatus(err))
	require.NotNil(t, resp, "the raw response must still be returned so the caller can forward it byte-faithfully")
	resp.Body.Close()
}

func TestForwardReturnsNetworkErrorOnUnreachableHost(t *testing.T) {
	c := New("http://127.0.0.1:1", "key", 0)
	_, err := c.Forward(context.Background(), "/messages", http.Header{}, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, perrors.IsNetworkError(err))
}

func TestSummarizeReturnsTextAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"model":"tiny"`)
		w.Write([]byte(`{"content":[{"type":"text","text":"a summary with \"quotes\""}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 0)
	text, status, err := c.Summarize(context.Background(), SummarizeRequest{
		Model:        "tiny",
		SystemPrompt: "be terse",
		Messages:     []SummarizeMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, `a summary with "quotes"`, text)
}

func TestSummarizeDecodesUnicodeEscapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"café and 你好"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 0)
	text, _, err := c.Summarize(context.Background(), SummarizeRequest{Model: "tiny"})
	require.NoError(t, err)
	assert.Equal(t, "café and 你好", text)
}

func TestBuildSummarizePayloadRoundTripsSpecialCharacters(t *testing.T) {
	var gotModel, gotSystem, gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decoded struct {
			Model    string `json:"model"`
			System   string `json:"system"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &decoded))
		gotModel = decoded.Model
		gotSystem = decoded.System
		gotContent = decoded.Messages[0].Content
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 0)
	_, _, err := c.Summarize(context.Background(), SummarizeRequest{
		Model:        "tiny",
		SystemPrompt: "quote \" and backslash \\ and newline\n",
		Messages:     []SummarizeMessage{{Role: "user", Content: "emoji \U0001F600 and unicode é"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tiny", gotModel)
	assert.Equal(t, "quote \" and backslash \\ and newline\n", gotSystem)
	assert.Equal(t, "emoji \U0001F600 and unicode é", gotContent)
}

func TestSummarizeClassifiesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 0)
	_, status, err := c.Summarize(context.Background(), SummarizeRequest{Model: "tiny"})
	require.Error(t, err)
	assert.True(t, perrors.IsUpstreamError(err))
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestSummarizeReturnsCancelledOnContextTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	c := New(srv.URL, "key", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := c.Summarize(ctx, SummarizeRequest{Model: "tiny"})
	require.Error(t, err)
	assert.True(t, perrors.IsCancelled(err))
}

func TestParseSSEEmitsEventsSplitOnBlankLines(t *testing.T) {
	raw := "event: message_start\n" +
		"data: {\"usage\":{\"input_tokens\":7}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"delta\":\"he\"}\n" +
		"data: {\"more\":\"llo\"}\n\n"

	var events []StreamEvent
	err := ParseSSE(context.Background(), bytes.NewReader([]byte(raw)), func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "message_start", events[0].Event)
	assert.Contains(t, string(events[0].Data), "input_tokens")
	assert.Equal(t, "content_block_delta", events[1].Event)
	assert.Contains(t, string(events[1].Data), "he")
	assert.Contains(t, string(events[1].Data), "llo")
}

func TestParseSSEStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ParseSSE(ctx, bytes.NewReader([]byte("event: x\ndata: y\n\n")), func(ev StreamEvent) error {
		return nil
	})
	require.Error(t, err)
	assert.True(t, perrors.IsCancelled(err))
}

func TestExtractUsageFromEvent(t *testing.T) {
	ev := StreamEvent{Data: []byte(`{"type":"message_start","message":{"usage":{"input_tokens":123}}}`)}
	tokens, ok := ExtractUsageFromEvent(ev)
	require.True(t, ok)
	assert.Equal(t, 123, tokens)
}

func TestExtractUsageFromEventMissingField(t *testing.T) {
	ev := StreamEvent{Data: []byte(`{"type":"ping"}`)}
	_, ok := ExtractUsageFromEvent(ev)
	assert.False(t, ok)
}
