package dialect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"emx-llm/internal/config"
	"emx-llm/internal/llm"
)

func intp(v int) *int { return &v }

func feedAll(t *testing.T, p StreamParser, raw string) []Event {
	t.Helper()
	var b LineBuffer
	b.Write([]byte(raw))
	var events []Event
	for {
		line, ok := b.Next()
		if !ok {
			return events
		}
		got, err := p.Feed(ClassifyLine(line))
		require.NoError(t, err)
		events = append(events, got...)
	}
}

func TestOpenAIBodyShape(t *testing.T) {
	eff := config.Effective{Kind: config.KindOpenAI, Model: "gpt-4"}
	body, err := openAI{}.Body(eff, []llm.Message{llm.User("hi")}, false)
	require.NoError(t, err)
	require.JSONEq(t, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"stream":false}`, string(body))
}

func TestOpenAIBodyMaxTokens(t *testing.T) {
	eff := config.Effective{Kind: config.KindOpenAI, Model: "gpt-4", MaxTokens: intp(512)}
	body, err := openAI{}.Body(eff, []llm.Message{llm.User("hi")}, true)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, float64(512), decoded["max_tokens"])
	require.Equal(t, true, decoded["stream"])
}

func TestOpenAIURLAndHeaders(t *testing.T) {
	d := openAI{}
	require.Equal(t, "https://api.openai.com/v1/chat/completions", d.URL("https://api.openai.com/v1"))
	require.Equal(t, "https://api.openai.com/v1/chat/completions", d.URL("https://api.openai.com/v1/"))

	h := d.Headers("sk-x")
	require.Equal(t, "Bearer sk-x", h.Get("Authorization"))
	require.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestOpenAIParseResponse(t *testing.T) {
	body := `{"choices":[{"message":{"content":"hello"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`
	text, usage, err := openAI{}.ParseResponse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "hello", text)
	require.Equal(t, llm.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, usage)

	t.Run("missing usage reports zero", func(t *testing.T) {
		_, usage, err := openAI{}.ParseResponse([]byte(`{"choices":[{"message":{"content":"x"}}]}`))
		require.NoError(t, err)
		require.Zero(t, usage)
	})
	t.Run("no choices", func(t *testing.T) {
		_, _, err := openAI{}.ParseResponse([]byte(`{"choices":[]}`))
		require.Error(t, err)
	})
}

func TestOpenAIStreamDeltas(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	p := openAI{}.NewStreamParser()
	events := feedAll(t, p, raw)

	require.Len(t, events, 3)
	require.Equal(t, "he", events[0].Delta)
	require.Equal(t, "llo", events[1].Delta)
	require.True(t, events[2].Done)
	require.True(t, p.Finished())
}

func TestOpenAIStreamRoleOnlyChunkAndUsage(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n" +
		"data: [DONE]\n\n"
	p := openAI{}.NewStreamParser()
	events := feedAll(t, p, raw)

	require.Len(t, events, 2)
	require.Equal(t, "hi", events[0].Delta)
	require.True(t, events[1].Done)
	require.NotNil(t, events[1].Usage)
	require.Equal(t, 5, events[1].Usage.TotalTokens)
}

func TestOpenAIStreamMalformedChunk(t *testing.T) {
	p := openAI{}.NewStreamParser()
	_, err := p.Feed(ClassifyLine("data: {not json"))
	require.Error(t, err)
}

func TestAnthropicBodySystemExtraction(t *testing.T) {
	eff := config.Effective{Kind: config.KindAnthropic, Model: "claude-3-opus"}
	msgs := []llm.Message{llm.System("S"), llm.User("U")}
	body, err := anthropic{}.Body(eff, msgs, false)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"model":"claude-3-opus",
		"max_tokens":4096,
		"messages":[{"role":"user","content":"U"}],
		"system":"S",
		"stream":false
	}`, string(body))
}

func TestAnthropicBodyMultipleSystemsKeepOrder(t *testing.T) {
	eff := config.Effective{Kind: config.KindAnthropic, Model: "m", MaxTokens: intp(100)}
	msgs := []llm.Message{llm.System("a"), llm.User("q"), llm.System("b")}
	body, err := anthropic{}.Body(eff, msgs, true)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, "a\n\nb", decoded["system"])
	require.Equal(t, float64(100), decoded["max_tokens"])
}

func TestAnthropicURLAndHeaders(t *testing.T) {
	d := anthropic{}
	require.Equal(t, "https://x/v1/messages", d.URL("https://x/"))
	require.Equal(t, "https://x/v1/messages", d.URL("https://x"))

	h := d.Headers("k")
	require.Equal(t, "k", h.Get("x-api-key"))
	require.Equal(t, "2023-06-01", h.Get("anthropic-version"))
	require.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestAnthropicParseResponseFlattensTextBlocks(t *testing.T) {
	body := `{
		"content":[
			{"type":"text","text":"Hello"},
			{"type":"tool_use","id":"x"},
			{"type":"text","text":", world"}
		],
		"usage":{"input_tokens":7,"output_tokens":3}
	}`
	text, usage, err := anthropic{}.ParseResponse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "Hello, world", text)
	require.Equal(t, llm.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, usage)
}

const anthropicStreamFixture = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10,\"output_tokens\":0}}}\n\n" +
	"event: ping\n" +
	"data: {\"type\":\"ping\"}\n\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n" +
	"event: content_block_stop\n" +
	"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func TestAnthropicStreamStateMachine(t *testing.T) {
	p := anthropic{}.NewStreamParser()
	events := feedAll(t, p, anthropicStreamFixture)

	require.Len(t, events, 3)
	require.Equal(t, "Hel", events[0].Delta)
	require.Equal(t, "lo", events[1].Delta)
	require.True(t, events[2].Done)
	require.NotNil(t, events[2].Usage)
	require.Equal(t, llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}, *events[2].Usage)
	require.True(t, p.Finished())
}

func TestAnthropicStreamUnknownEventsIgnored(t *testing.T) {
	raw := "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1,\"output_tokens\":0}}}\n\n" +
		"data: {\"type\":\"sprocket_event\",\"weird\":true}\n\n" +
		"data: {\"type\":\"message_stop\"}\n\n"
	p := anthropic{}.NewStreamParser()
	events := feedAll(t, p, raw)
	require.Len(t, events, 1)
	require.True(t, events[0].Done)
}

func TestAnthropicStreamMalformedChunk(t *testing.T) {
	p := anthropic{}.NewStreamParser()
	_, err := p.Feed(ClassifyLine("data: {broken"))
	require.Error(t, err)
}

func TestForSelectsDialect(t *testing.T) {
	require.Equal(t, config.KindOpenAI, For(config.KindOpenAI).Kind())
	require.Equal(t, config.KindAnthropic, For(config.KindAnthropic).Kind())
}

// For any chunking of a well-formed SSE byte stream, the emitted deltas
// are identical to the unchunked parse.
func TestStreamChunkingInvariance(t *testing.T) {
	parse := func(chunks []string) []Event {
		var b LineBuffer
		p := anthropic{}.NewStreamParser()
		var events []Event
		for _, chunk := range chunks {
			b.Write([]byte(chunk))
			for {
				line, ok := b.Next()
				if !ok {
					break
				}
				got, err := p.Feed(ClassifyLine(line))
				require.NoError(t, err)
				events = append(events, got...)
			}
		}
		return events
	}

	want := parse([]string{anthropicStreamFixture})
	for _, size := range []int{1, 2, 3, 7, 16, 61, 256} {
		var chunks []string
		for i := 0; i < len(anthropicStreamFixture); i += size {
			end := i + size
			if end > len(anthropicStreamFixture) {
				end = len(anthropicStreamFixture)
			}
			chunks = append(chunks, anthropicStreamFixture[i:end])
		}
		require.Equal(t, want, parse(chunks), "chunk size %d", size)
	}
}
