package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"emx-llm/internal/client"
	"emx-llm/internal/config"
	"emx-llm/internal/llm"
)

// chatRequest is the inbound body for both dialect endpoints; only the
// routed fields are decoded, the dialect reshapes the outbound body.
type chatRequest struct {
	Model     string      `json:"model"`
	Messages  []gwMessage `json:"messages"`
	System    flexText    `json:"system"`
	MaxTokens *int        `json:"max_tokens"`
	Stream    bool        `json:"stream"`
}

// gwMessage accepts native message shapes from either dialect: content is
// a plain string or a list of typed blocks, of which the text blocks are
// flattened in order.
type gwMessage struct {
	Role    llm.Role
	Content string
}

func (m *gwMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string   `json:"role"`
		Content flexText `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	role, err := llm.ParseRole(raw.Role)
	if err != nil {
		return err
	}
	m.Role = role
	m.Content = string(raw.Content)
	return nil
}

// flexText decodes a string or a list of {type,text} blocks.
type flexText string

func (t *flexText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = flexText(s)
		return nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return errors.New("content must be a string or a list of content blocks")
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	*t = flexText(sb.String())
	return nil
}

func decodeRequest(c echo.Context) (chatRequest, error) {
	var req chatRequest
	body := c.Request().Body
	defer body.Close()

	decoder := json.NewDecoder(body)
	if err := decoder.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, badRequest("request body is required")
		}
		return req, badRequest(fmt.Sprintf("invalid JSON payload: %v", err))
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return req, badRequest("request body must contain a single JSON object")
	}
	if strings.TrimSpace(req.Model) == "" {
		return req, badRequest("model must be provided")
	}
	if len(req.Messages) == 0 {
		return req, badRequest("at least one message is required")
	}
	return req, nil
}

func (r chatRequest) conversation() []llm.Message {
	msgs := make([]llm.Message, 0, len(r.Messages)+1)
	if r.System != "" {
		msgs = append(msgs, llm.System(string(r.System)))
	}
	for _, m := range r.Messages {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	return s.dispatch(c, config.KindOpenAI)
}

func (s *Server) handleMessages(c echo.Context) error {
	return s.dispatch(c, config.KindAnthropic)
}

// dispatch resolves the model field, enforces dialect compatibility, and
// relays the upstream response verbatim.
func (s *Server) dispatch(c echo.Context, want config.Kind) error {
	req, err := decodeRequest(c)
	if err != nil {
		return err
	}

	eff, err := s.current().res.Resolve(req.Model)
	if err != nil {
		return resolveError(err)
	}
	if eff.Kind != want {
		return badRequest(fmt.Sprintf(
			"model %q resolves to a %s provider; this endpoint speaks the %s dialect",
			req.Model, eff.Kind, want))
	}
	if req.MaxTokens != nil {
		eff.MaxTokens = req.MaxTokens
	}

	header := c.Response().Header()
	header.Set("x-gateway-provider", string(eff.Kind))
	header.Set("x-gateway-model", eff.Model)

	cl := client.New(eff, s.httpClient)
	ctx := c.Request().Context()
	msgs := req.conversation()

	if req.Stream {
		resp, err := cl.ChatStreamRaw(ctx, msgs)
		if err != nil {
			return dispatchError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return upstreamFailure(c, resp)
		}
		return relayStream(c, resp)
	}

	resp, err := cl.ChatRaw(ctx, msgs)
	if err != nil {
		return dispatchError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return upstreamFailure(c, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatchError(err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(resp.StatusCode, contentType, body)
}

// upstreamFailure turns an upstream HTTP error into the gateway response:
// 401 and 429 pass through with their original bodies, everything else is
// reported under 5xx.
func upstreamFailure(c echo.Context, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests {
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = echo.MIMEApplicationJSON
		}
		return c.Blob(resp.StatusCode, contentType, body)
	}

	msg := fmt.Sprintf("upstream returned HTTP %d: %s", resp.StatusCode, truncate(string(body), 300))
	return requestError{Status: http.StatusBadGateway, Message: msg, Type: "upstream_error"}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// relayStream copies upstream SSE bytes to the caller chunk by chunk,
// flushing after each read so deltas arrive as they are produced.
func relayStream(c echo.Context, resp *http.Response) error {
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	writer := c.Response().Writer
	flusher, _ := writer.(http.Flusher)

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				return nil // caller went away; body closes via defer
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return nil
		}
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"models":    len(s.current().res.Terminals()),
	})
}

func (s *Server) handleListModels(c echo.Context) error {
	terminals := s.current().res.Terminals()
	data := make([]map[string]any, 0, len(terminals))
	for _, path := range terminals {
		owner := path
		if i := strings.IndexByte(path, '.'); i > 0 {
			owner = path[:i]
		}
		data = append(data, map[string]any{
			"id":       path,
			"object":   "model",
			"owned_by": owner,
			"created":  1677610602,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleListProviders(c echo.Context) error {
	providers := s.current().res.Providers()
	data := make([]map[string]any, 0, len(providers))
	for _, p := range providers {
		data = append(data, map[string]any{
			"id":       p.Path,
			"type":     p.Type,
			"api_base": p.APIBase,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": data})
}
