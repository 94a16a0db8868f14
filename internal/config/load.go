package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v9"
	"github.com/pelletier/go-toml/v2"
)

const envPrefix = "EMX_LLM_"

// Config is the process-wide configuration: gateway bind settings at the
// top level plus the provider tree rooted at [llm.provider].
type Config struct {
	Host     string
	Port     int
	LogLevel string
	Provider *Node
}

// Options controls where Load looks for its sources. The zero value uses
// the real process environment and the conventional file locations.
type Options struct {
	// LocalFile defaults to ./config.toml.
	LocalFile string
	// UserFile defaults to $EMX_HOME/config.toml, falling back to
	// ~/.emx/config.toml.
	UserFile string
	// Overrides are single-call runtime overrides, keyed by dotted path
	// relative to the provider root (e.g. "openai.api_base"). They take
	// precedence over every other source.
	Overrides map[string]string
	// Environ substitutes the process environment, for tests.
	Environ []string
}

// Load builds the configuration from its layered sources. Precedence,
// highest first: runtime overrides, environment, local file, user file,
// built-in defaults. Merging is key-wise at the leaf. A missing optional
// file is skipped; malformed syntax is an error.
func Load(opts Options) (*Config, error) {
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	envMap := environMap(environ)

	cfg := &Config{
		Host:     "127.0.0.1",
		Port:     8848,
		LogLevel: "info",
		Provider: builtinDefaults(),
	}

	userFile := opts.UserFile
	if userFile == "" {
		userFile = userConfigPath(envMap)
	}
	if err := mergeFile(cfg, userFile); err != nil {
		return nil, err
	}

	localFile := opts.LocalFile
	if localFile == "" {
		localFile = "config.toml"
	}
	if err := mergeFile(cfg, localFile); err != nil {
		return nil, err
	}

	if err := mergeEnvironment(cfg, envMap); err != nil {
		return nil, err
	}

	for path, value := range opts.Overrides {
		if err := applyOverride(cfg.Provider, path, value); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// builtinDefaults seeds the two provider roots so legacy-env-only setups
// still resolve to the canonical upstream hosts.
func builtinDefaults() *Node {
	root := NewNode()
	openai := root.ensure("openai")
	openai.Type = string(KindOpenAI)
	openai.APIBase = "https://api.openai.com/v1"
	anthropic := root.ensure("anthropic")
	anthropic.Type = string(KindAnthropic)
	anthropic.APIBase = "https://api.anthropic.com"
	return root
}

func userConfigPath(envMap map[string]string) string {
	if home := envMap["EMX_HOME"]; home != "" {
		return filepath.Join(home, "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".emx", "config.toml")
}

func mergeFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}

	llm, _ := raw["llm"].(map[string]any)
	if llm == nil {
		return nil
	}
	if host, ok := llm["host"].(string); ok {
		cfg.Host = host
	}
	if port, ok := asInt(llm["port"]); ok {
		cfg.Port = port
	}
	if level, ok := llm["log_level"].(string); ok {
		cfg.LogLevel = level
	}

	if provider, ok := llm["provider"].(map[string]any); ok {
		overlay := NewNode()
		if err := fillNode(overlay, provider); err != nil {
			return fmt.Errorf("config file %q: %w", path, err)
		}
		merge(cfg.Provider, overlay)
	}
	return nil
}

// fillNode walks a decoded TOML table into a Node. Tables become children,
// recognized scalars become leaf keys, and anything else is ignored.
func fillNode(n *Node, table map[string]any) error {
	for key, value := range table {
		switch v := value.(type) {
		case map[string]any:
			if err := fillNode(n.ensure(key), v); err != nil {
				return err
			}
		case string:
			if err := n.setLeaf(strings.ToLower(key), v); err != nil {
				return err
			}
		default:
			if i, ok := asInt(value); ok {
				if err := n.setLeaf(strings.ToLower(key), fmt.Sprintf("%d", i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// fixedEnv holds the statically bound environment variables: the gateway
// bind address plus the legacy provider credentials.
type fixedEnv struct {
	Host          string `env:"EMX_LLM_HOST"`
	Port          int    `env:"EMX_LLM_PORT"`
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBase    string `env:"OPENAI_API_BASE"`
	AnthropicKey  string `env:"ANTHROPIC_AUTH_TOKEN"`
	AnthropicBase string `env:"ANTHROPIC_BASE_URL"`
}

func mergeEnvironment(cfg *Config, envMap map[string]string) error {
	var fixed fixedEnv
	if err := env.ParseWithOptions(&fixed, env.Options{Environment: envMap}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	// Legacy variables map to the provider roots and lose to EMX_LLM_*
	// overrides applied below.
	overlay := NewNode()
	if fixed.OpenAIKey != "" {
		overlay.ensure("openai").APIKey = fixed.OpenAIKey
	}
	if fixed.OpenAIBase != "" {
		overlay.ensure("openai").APIBase = fixed.OpenAIBase
	}
	if fixed.AnthropicKey != "" {
		overlay.ensure("anthropic").APIKey = fixed.AnthropicKey
	}
	if fixed.AnthropicBase != "" {
		overlay.ensure("anthropic").APIBase = fixed.AnthropicBase
	}
	merge(cfg.Provider, overlay)

	if fixed.Host != "" {
		cfg.Host = fixed.Host
	}
	if fixed.Port != 0 {
		cfg.Port = fixed.Port
	}

	for name, value := range envMap {
		if !strings.HasPrefix(name, envPrefix) {
			continue
		}
		rest := strings.TrimPrefix(name, envPrefix)
		if rest == "HOST" || rest == "PORT" {
			continue
		}
		path, key, ok := splitEnvName(rest)
		if !ok {
			continue
		}
		node := cfg.Provider
		for _, seg := range path {
			node = node.ensure(seg)
		}
		if err := node.setLeaf(key, value); err != nil {
			return fmt.Errorf("environment variable %s: %w", name, err)
		}
	}
	return nil
}

// splitEnvName decomposes EMX_LLM_<PATH>_<KEY> (already stripped of the
// prefix) into path segments and a recognized leaf key. The longest known
// key is matched as a suffix; the leading PROVIDER segment addresses the
// tree root. EMX_LLM_PROVIDER_DEFAULT has an empty path and sets the root
// default.
func splitEnvName(rest string) ([]string, string, bool) {
	lower := strings.ToLower(rest)
	for _, key := range leafKeys {
		suffix := "_" + key
		if !strings.HasSuffix(lower, suffix) {
			continue
		}
		head := strings.TrimSuffix(lower, suffix)
		segs := strings.Split(head, "_")
		if len(segs) == 0 || segs[0] != "provider" {
			return nil, "", false
		}
		return segs[1:], key, true
	}
	return nil, "", false
}

func applyOverride(root *Node, path, value string) error {
	segs := strings.Split(strings.ToLower(path), ".")
	if len(segs) == 0 || segs[len(segs)-1] == "" {
		return fmt.Errorf("override path %q is empty", path)
	}
	key := segs[len(segs)-1]
	node := root
	for _, seg := range segs[:len(segs)-1] {
		if seg == "" {
			return fmt.Errorf("override path %q has an empty segment", path)
		}
		node = node.ensure(seg)
	}
	if err := node.setLeaf(key, value); err != nil {
		return fmt.Errorf("override %q: %w", path, err)
	}
	return nil
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}
