package client

import (
	"context"
	"errors"
	"io"
	"net/http"

	"emx-llm/internal/dialect"
	"emx-llm/internal/llm"
)

// ChatStream sends a streaming chat completion. The configured timeout
// covers request-to-first-byte; once the stream is open, the caller reads
// events until Done, an error, or Close. Close releases the connection,
// so early consumers must call it.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message) (*Stream, error) {
	resp, err := c.sendDetached(ctx, msgs, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}

	return &Stream{
		resp:   resp,
		parser: c.dialect.NewStreamParser(),
		chunk:  make([]byte, 4096),
	}, nil
}

// Stream is a lazy finite sequence of dialect events backed by the HTTP
// response body. Recv returns io.EOF after the terminal event; any
// termination path closes the underlying connection.
type Stream struct {
	resp    *http.Response
	parser  dialect.StreamParser
	buf     dialect.LineBuffer
	chunk   []byte
	pending []dialect.Event
	err     error
	done    bool
	closed  bool
}

// Recv returns the next stream event.
func (s *Stream) Recv() (dialect.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.Done {
				s.finish(nil)
			}
			return ev, nil
		}
		if s.err != nil {
			return dialect.Event{}, s.err
		}
		if s.done {
			return dialect.Event{}, io.EOF
		}
		if s.closed {
			return dialect.Event{}, ErrStreamClosed
		}

		n, readErr := s.resp.Body.Read(s.chunk)
		if n > 0 {
			s.buf.Write(s.chunk[:n])
			if err := s.drainLines(); err != nil {
				s.finish(err)
				return dialect.Event{}, s.err
			}
		}
		if readErr != nil {
			s.handleReadError(readErr)
		}
	}
}

func (s *Stream) drainLines() error {
	for {
		line, ok := s.buf.Next()
		if !ok {
			return nil
		}
		events, err := s.parser.Feed(dialect.ClassifyLine(line))
		if err != nil {
			return &StreamParseError{Reason: "malformed event", Err: err}
		}
		s.pending = append(s.pending, events...)
	}
}

func (s *Stream) handleReadError(readErr error) {
	if errors.Is(readErr, io.EOF) {
		if s.parser.Finished() {
			s.finish(nil)
			return
		}
		s.finish(&StreamParseError{Reason: "stream truncated before terminal event"})
		return
	}
	if errors.Is(readErr, context.Canceled) {
		s.finish(context.Canceled)
		return
	}
	s.finish(mapTransportError(context.Background(), readErr))
}

// finish closes the body exactly once and records the terminal error.
func (s *Stream) finish(err error) {
	if !s.closed {
		s.closed = true
		s.resp.Body.Close()
	}
	s.done = true
	if s.err == nil {
		s.err = err
	}
}

// Close cancels the stream and releases the connection. It is safe to call
// at any point, including after the terminal event.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.done && s.err == nil {
		s.err = ErrStreamClosed
	}
	s.done = true
	return s.resp.Body.Close()
}
