// Package dialect implements the two wire-protocol families the gateway
// and client speak: request body/header/URL shaping and response and SSE
// parsing for OpenAI-style and Anthropic-style upstreams.
package dialect

import (
	"net/http"

	"emx-llm/internal/config"
	"emx-llm/internal/llm"
)

const userAgent = "emx-llm/0.1"

// Event is one item of a streaming response: an incremental text delta,
// optionally the final usage, and the terminal marker.
type Event struct {
	Delta string
	Usage *llm.Usage
	Done  bool
}

// StreamParser consumes SSE lines and produces stream events. A Done event
// is terminal; lines fed after it are ignored.
type StreamParser interface {
	Feed(line Line) ([]Event, error)
	// Finished reports whether a terminal event has been produced, so the
	// caller can distinguish clean EOF from truncation.
	Finished() bool
}

// Dialect shapes requests for and parses responses from one provider
// family.
type Dialect interface {
	Kind() config.Kind
	URL(apiBase string) string
	Headers(apiKey string) http.Header
	Body(eff config.Effective, msgs []llm.Message, stream bool) ([]byte, error)
	ParseResponse(body []byte) (string, llm.Usage, error)
	NewStreamParser() StreamParser
}

// For returns the dialect for a provider kind.
func For(kind config.Kind) Dialect {
	if kind == config.KindAnthropic {
		return anthropic{}
	}
	return openAI{}
}
