package dialect

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"emx-llm/internal/config"
	"emx-llm/internal/llm"
)

type openAI struct{}

func (openAI) Kind() config.Kind { return config.KindOpenAI }

func (openAI) URL(apiBase string) string {
	return strings.TrimRight(apiBase, "/") + "/chat/completions"
}

func (openAI) Headers(apiKey string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", userAgent)
	h.Set("Authorization", "Bearer "+apiKey)
	return h
}

type openAIChatRequest struct {
	Model     string        `json:"model"`
	Messages  []llm.Message `json:"messages"`
	Stream    bool          `json:"stream"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
}

func (openAI) Body(eff config.Effective, msgs []llm.Message, stream bool) ([]byte, error) {
	req := openAIChatRequest{
		Model:     eff.Model,
		Messages:  msgs,
		Stream:    stream,
		MaxTokens: eff.MaxTokens,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}
	return body, nil
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *llm.Usage `json:"usage"`
}

func (openAI) ParseResponse(body []byte) (string, llm.Usage, error) {
	var resp openAIChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", llm.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", llm.Usage{}, errors.New("response did not include choices")
	}
	var usage llm.Usage
	if resp.Usage != nil {
		usage = *resp.Usage
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (openAI) NewStreamParser() StreamParser {
	return &openAIStream{}
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *llm.Usage `json:"usage"`
}

// openAIStream reads data: frames until the [DONE] terminator. The first
// chunk may carry only the role; usage may ride on the final chunk.
type openAIStream struct {
	usage    *llm.Usage
	finished bool
}

func (s *openAIStream) Finished() bool { return s.finished }

func (s *openAIStream) Feed(line Line) ([]Event, error) {
	if s.finished || line.Kind != LineData {
		return nil, nil
	}
	if strings.TrimSpace(line.Value) == "[DONE]" {
		s.finished = true
		return []Event{{Done: true, Usage: s.usage}}, nil
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal([]byte(line.Value), &chunk); err != nil {
		return nil, fmt.Errorf("decode stream chunk: %w", err)
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		s.usage = &u
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	if delta := chunk.Choices[0].Delta.Content; delta != "" {
		return []Event{{Delta: delta}}, nil
	}
	return nil, nil
}
