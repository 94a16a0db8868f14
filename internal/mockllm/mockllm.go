// Package mockllm runs an in-process HTTP server that replays canned
// provider responses, so dialect, dispatcher and gateway tests run without
// real API keys. It accepts both dialect shapes at their canonical paths
// and is driven by an ordered scenario list: the first match wins.
package mockllm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"emx-llm/internal/llm"
)

// Scenario pairs a request predicate with the responses it serves. Each
// hit consumes the next entry of Responses; the last entry repeats once
// the sequence is exhausted.
type Scenario struct {
	Name      string
	Match     func(r *http.Request, body []byte) bool
	Responses []Response

	hits int
}

// Response is one canned reply. Exactly one of JSON, Body or SSE should be
// set. SSE chunks are written as-is with a flush (and optional delay)
// between chunks.
type Response struct {
	Status     int
	Header     map[string]string
	JSON       any
	Body       string
	SSE        []string
	ChunkDelay time.Duration
}

// Server is the mock upstream.
type Server struct {
	mu        sync.Mutex
	scenarios []Scenario
	requests  atomic.Int64
	srv       *httptest.Server
}

// New starts the server on a random local port.
func New(scenarios ...Scenario) *Server {
	s := &Server{scenarios: scenarios}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// BaseURL is the address tests inject as api_base.
func (s *Server) BaseURL() string { return s.srv.URL }

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// Requests reports how many requests the server has received.
func (s *Server) Requests() int { return int(s.requests.Load()) }

// Add appends scenarios after construction.
func (s *Server) Add(scenarios ...Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = append(s.scenarios, scenarios...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	resp, ok := s.pick(r, body)
	if !ok {
		http.Error(w, fmt.Sprintf("no scenario matches %s %s", r.Method, r.URL.Path), http.StatusNotImplemented)
		return
	}
	writeResponse(w, resp)
}

func (s *Server) pick(r *http.Request, body []byte) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.scenarios {
		sc := &s.scenarios[i]
		if sc.Match != nil && !sc.Match(r, body) {
			continue
		}
		if len(sc.Responses) == 0 {
			continue
		}
		idx := sc.hits
		if idx >= len(sc.Responses) {
			idx = len(sc.Responses) - 1
		}
		sc.hits++
		return sc.Responses[idx], true
	}
	return Response{}, false
}

func writeResponse(w http.ResponseWriter, resp Response) {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}

	switch {
	case len(resp.SSE) > 0:
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(status)
		flusher, _ := w.(http.Flusher)
		for _, chunk := range resp.SSE {
			if resp.ChunkDelay > 0 {
				time.Sleep(resp.ChunkDelay)
			}
			fmt.Fprint(w, chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
	case resp.JSON != nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp.JSON)
	default:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		fmt.Fprint(w, resp.Body)
	}
}

// MatchPath matches on the request path only.
func MatchPath(path string) func(*http.Request, []byte) bool {
	return func(r *http.Request, _ []byte) bool {
		return r.URL.Path == path
	}
}

// OpenAIChat builds a non-streaming chat completion payload.
func OpenAIChat(content string, usage llm.Usage) Response {
	return Response{JSON: map[string]any{
		"id":      "chatcmpl-mock",
		"object":  "chat.completion",
		"created": 1234567890,
		"model":   "glm-4-flash",
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}}
}

// OpenAIStream builds an SSE response delivering the chunks as deltas
// followed by the [DONE] terminator.
func OpenAIStream(chunks ...string) Response {
	var frames []string
	for _, chunk := range chunks {
		data, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion.chunk",
			"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": chunk}}},
		})
		frames = append(frames, fmt.Sprintf("data: %s\n\n", data))
	}
	frames = append(frames, "data: [DONE]\n\n")
	return Response{SSE: frames}
}

// AnthropicMessage builds a non-streaming messages payload.
func AnthropicMessage(content string, usage llm.Usage) Response {
	return Response{JSON: map[string]any{
		"id":   "msg-mock",
		"type": "message",
		"role": "assistant",
		"content": []any{
			map[string]any{"type": "text", "text": content},
		},
		"stop_reason": "end_turn",
		"model":       "glm-4-flash",
		"usage": map[string]any{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
		},
	}}
}

// AnthropicStream builds the canonical streaming event sequence for the
// given text chunks.
func AnthropicStream(inputTokens int, chunks ...string) Response {
	frame := func(event string, payload any) string {
		data, _ := json.Marshal(payload)
		return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
	}

	frames := []string{frame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": "msg-mock", "type": "message", "role": "assistant",
			"content": []any{}, "model": "glm-4-flash",
			"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})}
	frames = append(frames, frame("content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	}))
	for _, chunk := range chunks {
		frames = append(frames, frame("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "text_delta", "text": chunk},
		}))
	}
	frames = append(frames,
		frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}),
		frame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn"},
			"usage": map[string]any{"output_tokens": len(chunks)},
		}),
		frame("message_stop", map[string]any{"type": "message_stop"}),
	)
	return Response{SSE: frames}
}

// Status builds a plain status response with a JSON error body.
func Status(status int, message string) Response {
	return Response{
		Status: status,
		JSON: map[string]any{
			"error": map[string]any{"message": message, "type": "mock_error"},
		},
	}
}
