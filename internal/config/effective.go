package config

import (
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout applies when no timeout_secs is set at any level.
const DefaultTimeout = 60 * time.Second

// Effective is the fully materialized configuration for a single dispatch,
// produced by resolving a model reference against the tree. It is ephemeral:
// one value per call.
type Effective struct {
	Kind      Kind
	APIBase   string
	APIKey    string
	Model     string
	MaxTokens *int
	Timeout   time.Duration

	// Ref is the canonical dotted path of the resolved node.
	Ref string
}

// RedactKey elides a credential to a short prefix. Empty keys stay empty.
func RedactKey(key string) string {
	if key == "" {
		return ""
	}
	n := 8
	if len(key) < n {
		n = len(key)
	}
	return key[:n] + "***"
}

// String renders the config for diagnostics with the api key elided.
// Redaction is a contract of this type, not of logging middleware.
func (e Effective) String() string {
	return fmt.Sprintf("%s %s model=%s api_base=%s api_key=%s timeout=%s",
		e.Kind, e.Ref, e.Model, e.APIBase, RedactKey(e.APIKey), e.Timeout)
}

// LogValue keeps slog output redacted as well.
func (e Effective) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(e.Kind)),
		slog.String("ref", e.Ref),
		slog.String("model", e.Model),
		slog.String("api_base", e.APIBase),
		slog.String("api_key", RedactKey(e.APIKey)),
		slog.Duration("timeout", e.Timeout),
	)
}
