// Package fixture records HTTP payloads into txtar archives so tests can
// replay real provider traffic offline. Recording is off unless
// FIXTURE_RECORD=1 is set in the environment.
package fixture

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/tools/txtar"
)

// Enabled reports whether live responses should be captured.
func Enabled() bool {
	return os.Getenv("FIXTURE_RECORD") == "1"
}

// Recorder accumulates named payloads and writes them as one txtar
// archive. It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	files []txtar.File
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record stores a payload under a name. Names repeat in archive order.
func (r *Recorder) Record(name, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, txtar.File{Name: name, Data: []byte(content)})
}

// Len reports how many payloads have been recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// WriteFile writes the archive, creating parent directories as needed.
func (r *Recorder) WriteFile(path string) error {
	r.mu.Lock()
	archive := &txtar.Archive{Files: append([]txtar.File(nil), r.files...)}
	r.mu.Unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create fixture directory: %w", err)
		}
	}
	if err := os.WriteFile(path, txtar.Format(archive), 0o644); err != nil {
		return fmt.Errorf("write fixture archive: %w", err)
	}
	return nil
}

// Load reads an archive back as name/content pairs in file order.
func Load(path string) ([][2]string, error) {
	archive, err := txtar.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse fixture archive %q: %w", path, err)
	}
	fixtures := make([][2]string, 0, len(archive.Files))
	for _, f := range archive.Files {
		fixtures = append(fixtures, [2]string{f.Name, string(f.Data)})
	}
	return fixtures, nil
}

// RecordingTransport tees response bodies into a recorder when recording
// is enabled. It wraps the transport actually doing the work, so it can
// sit inside any http.Client.
type RecordingTransport struct {
	Base     http.RoundTripper
	Recorder *Recorder
	// Name derives the fixture name from the request; defaults to
	// METHOD_path with slashes flattened, plus a ".json" suffix.
	Name func(*http.Request) string
}

// RoundTrip implements http.RoundTripper.
func (t *RecordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil || !Enabled() || t.Recorder == nil {
		return resp, err
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	name := defaultName(req)
	if t.Name != nil {
		name = t.Name(req)
	}
	t.Recorder.Record(name, string(body))
	return resp, nil
}

func defaultName(req *http.Request) string {
	path := req.URL.Path
	if path == "" || path == "/" {
		path = "/root"
	}
	flat := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' {
			c = '_'
		}
		flat = append(flat, c)
	}
	return req.Method + string(flat) + ".json"
}
