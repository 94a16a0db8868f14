package dialect

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"emx-llm/internal/config"
	"emx-llm/internal/llm"
)

const (
	anthropicVersion = "2023-06-01"

	// Anthropic requires max_tokens; this applies when no level of the
	// config tree sets one.
	defaultAnthropicMaxTokens = 4096
)

type anthropic struct{}

func (anthropic) Kind() config.Kind { return config.KindAnthropic }

func (anthropic) URL(apiBase string) string {
	return strings.TrimRight(apiBase, "/") + "/v1/messages"
}

func (anthropic) Headers(apiKey string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []llm.Message `json:"messages"`
	System    string        `json:"system,omitempty"`
	Stream    bool          `json:"stream"`
}

// Body extracts system messages from the conversation into the top-level
// system field, preserving their order.
func (anthropic) Body(eff config.Effective, msgs []llm.Message, stream bool) ([]byte, error) {
	var systems []string
	conversation := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			systems = append(systems, m.Content)
			continue
		}
		conversation = append(conversation, m)
	}

	maxTokens := defaultAnthropicMaxTokens
	if eff.MaxTokens != nil {
		maxTokens = *eff.MaxTokens
	}

	req := anthropicRequest{
		Model:     eff.Model,
		MaxTokens: maxTokens,
		Messages:  conversation,
		System:    strings.Join(systems, "\n\n"),
		Stream:    stream,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}
	return body, nil
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   *anthropicUsage         `json:"usage"`
}

// ParseResponse flattens text-type content blocks, in order, into a single
// string. Non-text blocks are ignored.
func (anthropic) ParseResponse(body []byte) (string, llm.Usage, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", llm.Usage{}, err
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	var usage llm.Usage
	if resp.Usage != nil {
		usage = llm.Sum(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	return text.String(), usage, nil
}

func (anthropic) NewStreamParser() StreamParser {
	return &anthropicStream{}
}

type anthropicStreamState int

const (
	stateInitial anthropicStreamState = iota
	stateAwaitBlock
	stateInBlock
	stateTerminal
)

type anthropicStreamChunk struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta json.RawMessage `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
}

type anthropicTextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicStream is the event state machine:
//
//	INITIAL -message_start-> AWAIT_BLOCK -content_block_start-> IN_BLOCK
//	IN_BLOCK -content_block_delta-> IN_BLOCK (emit delta)
//	IN_BLOCK -content_block_stop-> AWAIT_BLOCK
//	message_delta records usage; message_stop is terminal from any state.
//
// Unknown events, including ping, are absorbed without a transition.
type anthropicStream struct {
	state  anthropicStreamState
	input  int
	output int
}

func (s *anthropicStream) Finished() bool { return s.state == stateTerminal }

func (s *anthropicStream) Feed(line Line) ([]Event, error) {
	if s.state == stateTerminal {
		return nil, nil
	}
	switch line.Kind {
	case LineEvent:
		// Event names are repeated inside the data payload; only the
		// bare terminal matters in case the data line never arrives.
		if line.Value == "message_stop" {
			return s.terminate(), nil
		}
		return nil, nil
	case LineData:
	default:
		return nil, nil
	}

	var chunk anthropicStreamChunk
	if err := json.Unmarshal([]byte(line.Value), &chunk); err != nil {
		return nil, fmt.Errorf("decode stream chunk: %w", err)
	}

	switch chunk.Type {
	case "message_start":
		if chunk.Message != nil && chunk.Message.Usage != nil {
			s.input = chunk.Message.Usage.InputTokens
			s.output = chunk.Message.Usage.OutputTokens
		}
		s.state = stateAwaitBlock
	case "content_block_start":
		s.state = stateInBlock
	case "content_block_delta":
		if len(chunk.Delta) == 0 {
			return nil, nil
		}
		var delta anthropicTextDelta
		if err := json.Unmarshal(chunk.Delta, &delta); err != nil {
			return nil, fmt.Errorf("decode content delta: %w", err)
		}
		if delta.Type == "text_delta" && delta.Text != "" {
			return []Event{{Delta: delta.Text}}, nil
		}
	case "content_block_stop":
		s.state = stateAwaitBlock
	case "message_delta":
		if chunk.Usage != nil {
			if chunk.Usage.InputTokens > 0 {
				s.input = chunk.Usage.InputTokens
			}
			if chunk.Usage.OutputTokens > 0 {
				s.output = chunk.Usage.OutputTokens
			}
		}
	case "message_stop":
		return s.terminate(), nil
	}
	return nil, nil
}

func (s *anthropicStream) terminate() []Event {
	s.state = stateTerminal
	usage := llm.Sum(s.input, s.output)
	return []Event{{Done: true, Usage: &usage}}
}
