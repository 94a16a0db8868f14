// Package client dispatches chat requests to an upstream resolved by the
// model resolver: it shapes the request through the wire dialect, applies
// the timeout and rate-limit retry policy, and parses responses or SSE
// streams back into uniform results.
package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"emx-llm/internal/config"
	"emx-llm/internal/dialect"
	"emx-llm/internal/llm"
)

// maxRetries bounds rate-limit retries; a single call issues at most
// maxRetries+1 HTTP requests.
const maxRetries = 3

// retryBase scales the 1s/2s/4s backoff. Tests shrink it.
var retryBase = time.Second

// Client dispatches chat requests for one effective configuration.
// EffectiveConfigs are ephemeral, so clients are cheap to construct per
// call; the HTTP connection pool is shared and safe for concurrent use.
type Client struct {
	eff        config.Effective
	dialect    dialect.Dialect
	httpClient *http.Client
}

// New builds a client for a materialized configuration. A nil httpClient
// selects the shared process-wide pool.
func New(eff config.Effective, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	return &Client{eff: eff, dialect: dialect.For(eff.Kind), httpClient: httpClient}
}

// Effective exposes the dispatch configuration (redacted when printed).
func (c *Client) Effective() config.Effective { return c.eff }

// Dialect exposes the wire dialect in use.
func (c *Client) Dialect() dialect.Dialect { return c.dialect }

// Chat sends a non-streaming chat completion and returns the reply text
// and usage. The configured timeout covers the whole call including retry
// sleeps.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message) (string, llm.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.eff.Timeout)
	defer cancel()

	resp, err := c.send(ctx, msgs, false)
	if err != nil {
		return "", llm.Usage{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", llm.Usage{}, mapTransportError(ctx, err)
	}
	if resp.StatusCode >= 400 {
		return "", llm.Usage{}, &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}

	text, usage, err := c.dialect.ParseResponse(body)
	if err != nil {
		return "", llm.Usage{}, &ParseError{Err: err, Snippet: snippet(string(body))}
	}
	return text, usage, nil
}

// ChatRaw sends a non-streaming request and returns the upstream response
// unparsed, whatever its status, so the gateway can forward the body
// verbatim. Closing the body releases the connection.
func (c *Client) ChatRaw(ctx context.Context, msgs []llm.Message) (*http.Response, error) {
	return c.sendDetached(ctx, msgs, false)
}

// ChatStreamRaw is ChatRaw with stream=true; the caller relays the SSE
// bytes without parsing them.
func (c *Client) ChatStreamRaw(ctx context.Context, msgs []llm.Message) (*http.Response, error) {
	return c.sendDetached(ctx, msgs, true)
}

// send issues the request with the 429 retry policy and returns the final
// response. The caller owns the body.
func (c *Client) send(ctx context.Context, msgs []llm.Message, stream bool) (*http.Response, error) {
	body, err := c.dialect.Body(c.eff, msgs, stream)
	if err != nil {
		return nil, err
	}
	url := c.dialect.URL(c.eff.APIBase)
	headers := c.dialect.Headers(c.eff.APIKey)

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header = headers.Clone()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, mapTransportError(ctx, err)
		}

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= maxRetries {
			return resp, nil
		}

		// Rate limited: release this response and back off before the
		// next attempt. Sleeps count against the dispatch deadline.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		delay := retryBase << attempt
		if err := sleepWithin(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// sleepWithin waits for the backoff delay, aborting early when the context
// ends or when the remaining deadline budget cannot fit the sleep plus a
// follow-up attempt.
func sleepWithin(ctx context.Context, delay time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
		return ErrTimeout
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return mapTransportError(ctx, ctx.Err())
	}
}

// sendDetached applies the timeout to request-to-first-byte only: the
// deadline timer is disarmed once upstream headers arrive, and the body
// stays readable until the returned response is closed.
func (c *Client) sendDetached(ctx context.Context, msgs []llm.Message, stream bool) (*http.Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.eff.Timeout, cancel)

	resp, err := c.send(reqCtx, msgs, stream)
	timerFired := !timer.Stop()
	if timerFired && err == nil {
		resp.Body.Close()
		err = ErrTimeout
	}
	if err != nil {
		cancel()
		// The first-byte timer cancelling reqCtx surfaces as a plain
		// cancellation; report it as the timeout it is unless the
		// caller really did cancel.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = ErrTimeout
		}
		return nil, err
	}

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody ties the request context to the body lifetime so closing the
// body frees the connection pool slot.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
