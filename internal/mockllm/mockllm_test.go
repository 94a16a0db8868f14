package mockllm

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"emx-llm/internal/llm"
)

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestFirstMatchingScenarioWins(t *testing.T) {
	srv := New(
		Scenario{
			Name:      "chat",
			Match:     MatchPath("/chat/completions"),
			Responses: []Response{OpenAIChat("first", llm.Sum(1, 1))},
		},
		Scenario{
			Name:      "chat-shadowed",
			Match:     MatchPath("/chat/completions"),
			Responses: []Response{OpenAIChat("second", llm.Sum(1, 1))},
		},
	)
	defer srv.Close()

	resp, body := get(t, srv.BaseURL()+"/chat/completions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "first")
	require.Equal(t, 1, srv.Requests())
}

func TestNoMatchReturns501(t *testing.T) {
	srv := New()
	defer srv.Close()
	resp, _ := get(t, srv.BaseURL()+"/anything")
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestResponseSequence(t *testing.T) {
	srv := New(Scenario{
		Match: MatchPath("/chat/completions"),
		Responses: []Response{
			Status(429, "slow down"),
			Status(429, "slow down"),
			OpenAIChat("finally", llm.Sum(1, 1)),
		},
	})
	defer srv.Close()

	url := srv.BaseURL() + "/chat/completions"
	resp, _ := get(t, url)
	require.Equal(t, 429, resp.StatusCode)
	resp, _ = get(t, url)
	require.Equal(t, 429, resp.StatusCode)
	resp, body := get(t, url)
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, body, "finally")
	// The last response repeats once the sequence is exhausted.
	resp, _ = get(t, url)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 4, srv.Requests())
}

func TestSSEResponse(t *testing.T) {
	srv := New(Scenario{
		Match:     MatchPath("/v1/messages"),
		Responses: []Response{AnthropicStream(10, "Hello", " world")},
	})
	defer srv.Close()

	resp, body := get(t, srv.BaseURL()+"/v1/messages")
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Contains(t, body, "event: message_start")
	require.Contains(t, body, `"text":"Hello"`)
	require.Contains(t, body, "event: message_stop")
}

func TestLoadScenarios(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scenarios:
  - name: rate-limited-then-ok
    path: /chat/completions
    responses:
      - status: 429
        body: '{"error":{"message":"slow down"}}'
      - status: 200
        body: '{"choices":[{"message":{"content":"ok"}}]}'
  - name: stream
    path: /v1/messages
    responses:
      - sse:
          - "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
        chunk_delay_ms: 1
`), 0o600))

	scenarios, err := LoadScenarios(path)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)

	srv := New(scenarios...)
	defer srv.Close()

	resp, _ := get(t, srv.BaseURL()+"/chat/completions")
	require.Equal(t, 429, resp.StatusCode)
	resp, body := get(t, srv.BaseURL()+"/chat/completions")
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, body, "ok")

	_, body = get(t, srv.BaseURL()+"/v1/messages")
	require.Contains(t, body, "message_stop")
}

func TestLoadScenariosValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scenarios:\n  - name: x\n"), 0o600))
	_, err := LoadScenarios(path)
	require.Error(t, err)
}
