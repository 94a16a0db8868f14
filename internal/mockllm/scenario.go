package mockllm

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// scenarioFile is the on-disk shape of a scenario list.
type scenarioFile struct {
	Scenarios []struct {
		Name      string `yaml:"name"`
		Path      string `yaml:"path"`
		Responses []struct {
			Status       int               `yaml:"status"`
			Header       map[string]string `yaml:"header"`
			Body         string            `yaml:"body"`
			SSE          []string          `yaml:"sse"`
			ChunkDelayMS int               `yaml:"chunk_delay_ms"`
		} `yaml:"responses"`
	} `yaml:"scenarios"`
}

// LoadScenarios reads a YAML scenario file. Each entry matches on its
// request path and serves its response sequence in order.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file %q: %w", path, err)
	}

	var file scenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse scenario file %q: %w", path, err)
	}

	scenarios := make([]Scenario, 0, len(file.Scenarios))
	for _, raw := range file.Scenarios {
		if raw.Path == "" {
			return nil, fmt.Errorf("scenario %q: path must be set", raw.Name)
		}
		sc := Scenario{Name: raw.Name, Match: MatchPath(raw.Path)}
		for _, r := range raw.Responses {
			sc.Responses = append(sc.Responses, Response{
				Status:     r.Status,
				Header:     r.Header,
				Body:       r.Body,
				SSE:        r.SSE,
				ChunkDelay: time.Duration(r.ChunkDelayMS) * time.Millisecond,
			})
		}
		if len(sc.Responses) == 0 {
			return nil, fmt.Errorf("scenario %q: at least one response is required", raw.Name)
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}
