package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"emx-llm/internal/config"
	"emx-llm/internal/llm"
	"emx-llm/internal/mockllm"
)

// fixtureConfig wires both provider roots at the mock upstream plus the
// glm-5 leaf used by the resolution tests.
func fixtureConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	cfg, err := config.Load(config.Options{
		LocalFile: "/nonexistent/config.toml",
		UserFile:  "/nonexistent/user.toml",
		Environ:   []string{},
		Overrides: map[string]string{
			"openai.api_base":                "x",
			"openai.api_key":                 "sk-x",
			"openai.model":                   "gpt-4",
			"anthropic.api_key":              "k",
			"anthropic.api_base":             "y",
			"anthropic.glm.glm-5.model":      "glm-5",
			"anthropic.glm.glm-5.max_tokens": "2048",
		},
	})
	require.NoError(t, err)
	cfg.Provider.Child("openai").APIBase = upstream
	cfg.Provider.Child("anthropic").APIBase = upstream
	return cfg
}

func newGateway(t *testing.T, upstream string) *Server {
	t.Helper()
	srv, err := New(fixtureConfig(t, upstream), nil)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error.Type
}

func TestHealth(t *testing.T) {
	gw := newGateway(t, "http://unused")
	rec := do(t, gw.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload["status"])
	require.NotEmpty(t, payload["timestamp"])
}

func TestChatCompletionsPassthrough(t *testing.T) {
	upstream := mockllm.New(mockllm.Scenario{
		Match: mockllm.MatchPath("/chat/completions"),
		Responses: []mockllm.Response{{
			Body: `{"choices":[{"message":{"content":"hi"}}],"vendor_extra":42}`,
		}},
	})
	defer upstream.Close()

	gw := newGateway(t, upstream.BaseURL())
	rec := do(t, gw.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"model":"openai.gpt-4","messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "openai", rec.Header().Get("x-gateway-provider"))
	require.Equal(t, "gpt-4", rec.Header().Get("x-gateway-model"))
	// Extra upstream fields survive the relay untouched.
	require.Contains(t, rec.Body.String(), "vendor_extra")
}

func TestMessagesEndpointResolvesShortName(t *testing.T) {
	upstream := mockllm.New(mockllm.Scenario{
		Match:     mockllm.MatchPath("/v1/messages"),
		Responses: []mockllm.Response{mockllm.AnthropicMessage("ok", llm.Sum(1, 1))},
	})
	defer upstream.Close()

	gw := newGateway(t, upstream.BaseURL())
	rec := do(t, gw.Handler(), http.MethodPost, "/v1/messages",
		`{"model":"glm-5","system":"S","messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "anthropic", rec.Header().Get("x-gateway-provider"))
	require.Equal(t, "glm-5", rec.Header().Get("x-gateway-model"))
}

func TestDialectMismatchReturns400(t *testing.T) {
	gw := newGateway(t, "http://unused")
	rec := do(t, gw.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"model":"anthropic.glm.glm-5","messages":[{"role":"user","content":"x"}]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "bad_request", errType(t, rec))
}

func TestDialectMismatchSymmetric(t *testing.T) {
	gw := newGateway(t, "http://unused")
	rec := do(t, gw.Handler(), http.MethodPost, "/v1/messages",
		`{"model":"openai.gpt-4","messages":[{"role":"user","content":"x"}]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "bad_request", errType(t, rec))
}

func TestUnknownModelReturns404(t *testing.T) {
	gw := newGateway(t, "http://unused")
	rec := do(t, gw.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"model":"no-such-model","messages":[{"role":"user","content":"x"}]}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", errType(t, rec))
}

func TestMalformedBodyReturns400(t *testing.T) {
	gw := newGateway(t, "http://unused")

	rec := do(t, gw.Handler(), http.MethodPost, "/v1/chat/completions", `{"model": broken`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw.Handler(), http.MethodPost, "/v1/chat/completions", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"model":"openai.gpt-4","messages":[{"role":"wizard","content":"x"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpstream401PassesThrough(t *testing.T) {
	upstream := mockllm.New(mockllm.Scenario{
		Match:     mockllm.MatchPath("/chat/completions"),
		Responses: []mockllm.Response{mockllm.Status(401, "invalid api key")},
	})
	defer upstream.Close()

	gw := newGateway(t, upstream.BaseURL())
	rec := do(t, gw.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"model":"openai.gpt-4","messages":[{"role":"user","content":"x"}]}`)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid api key")
}

func TestUpstream500MapsToBadGateway(t *testing.T) {
	upstream := mockllm.New(mockllm.Scenario{
		Match:     mockllm.MatchPath("/chat/completions"),
		Responses: []mockllm.Response{mockllm.Status(503, "overloaded")},
	})
	defer upstream.Close()

	gw := newGateway(t, upstream.BaseURL())
	rec := do(t, gw.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"model":"openai.gpt-4","messages":[{"role":"user","content":"x"}]}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "upstream_error", errType(t, rec))
	require.Contains(t, rec.Body.String(), "503")
}

func TestStreamingRelay(t *testing.T) {
	upstream := mockllm.New(mockllm.Scenario{
		Match:     mockllm.MatchPath("/v1/messages"),
		Responses: []mockllm.Response{mockllm.AnthropicStream(5, "str", "eam")},
	})
	defer upstream.Close()

	gw := newGateway(t, upstream.BaseURL())
	rec := do(t, gw.Handler(), http.MethodPost, "/v1/messages",
		`{"model":"glm-5","stream":true,"messages":[{"role":"user","content":"x"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Contains(t, rec.Body.String(), `"text":"str"`)
	require.Contains(t, rec.Body.String(), "message_stop")
}

func TestListModels(t *testing.T) {
	gw := newGateway(t, "http://unused")
	rec := do(t, gw.Handler(), http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "list", payload.Object)

	var ids []string
	for _, m := range payload.Data {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"anthropic.glm.glm-5", "openai"}, ids)
	require.Equal(t, "anthropic", payload.Data[0].OwnedBy)
}

func TestListProviders(t *testing.T) {
	gw := newGateway(t, "http://unused")
	rec := do(t, gw.Handler(), http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Data []struct {
			ID      string `json:"id"`
			Type    string `json:"type"`
			APIBase string `json:"api_base"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 2)
	require.Equal(t, "anthropic", payload.Data[0].ID)
	require.Equal(t, "openai", payload.Data[1].ID)
}

func TestCallerMaxTokensOverridesConfig(t *testing.T) {
	var captured []byte
	upstream := mockllm.New(mockllm.Scenario{
		Match: func(r *http.Request, body []byte) bool {
			captured = body
			return true
		},
		Responses: []mockllm.Response{mockllm.AnthropicMessage("ok", llm.Sum(1, 1))},
	})
	defer upstream.Close()

	gw := newGateway(t, upstream.BaseURL())
	rec := do(t, gw.Handler(), http.MethodPost, "/v1/messages",
		`{"model":"glm-5","max_tokens":77,"messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(captured, &body))
	require.Equal(t, float64(77), body["max_tokens"])
}

func TestReloadSwapsRoutingSnapshot(t *testing.T) {
	gw := newGateway(t, "http://unused")

	tree := config.NewNode()
	section := config.NewNode()
	section.Type = "openai"
	section.APIBase = "http://elsewhere"
	section.APIKey = "sk"
	section.Model = "new-model"
	tree.Children["fresh"] = section
	gw.Reload(tree)

	rec := do(t, gw.Handler(), http.MethodGet, "/v1/models", "")
	require.Contains(t, rec.Body.String(), "fresh")
	require.NotContains(t, rec.Body.String(), "glm-5")
}
