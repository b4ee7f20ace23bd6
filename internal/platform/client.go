// Package platform is the outbound HTTP core: every request to the SaaS
// platform goes through one rate-limited, retrying client.
//
//   - a fixed User-Agent (toolplane/«version») is stamped on every request
//   - the request interceptor classifies the call into a rate-limit tier and
//     charges the bucket before any bytes leave the process; a rejection
//     surfaces as *ratelimit.LimitError and the call is never issued
//   - {code,msg,data} response envelopes are unwrapped; code ≠ 0 becomes a
//     *PlatformError
//   - transient failures (network, 5xx) are retried with exponential
//     backoff; 4xx and rate-limit rejections are never retried
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolplane/toolplane/internal/ratelimit"
	"github.com/toolplane/toolplane/pkg/models"
)

// PlatformError is a platform response envelope with a non-zero code.
type PlatformError struct {
	Code int
	Msg  string
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform: code %d: %s", e.Code, e.Msg)
}

// StatusError is a non-2xx HTTP status with no parseable envelope.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform: http status %d", e.Status)
}

// maxResponseBytes bounds how much of a platform response is read into
// memory. Tool results are JSON documents, not file downloads.
const maxResponseBytes = 8 << 20

// Options configure the client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after the first
	// failure. Zero means the first failure is final.
	MaxRetries int
	// Limiter charges outbound calls per tier. Nil disables limiting (tests).
	Limiter *ratelimit.Limiter
}

// Client issues platform requests. Safe for concurrent use.
type Client struct {
	http       *http.Client
	base       string
	maxRetries int
	ua         string
	tracer     trace.Tracer
}

// NewClient builds the outbound client around opts.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("platform: base URL required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("platform: bad base URL: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := "toolplane/" + models.Version
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &interceptor{
				base:    http.DefaultTransport,
				ua:      ua,
				limiter: opts.Limiter,
			},
		},
		base:       base,
		maxRetries: opts.MaxRetries,
		ua:         ua,
		tracer:     otel.Tracer("toolplane/platform"),
	}, nil
}

// UserAgent reports the fixed outbound UA string.
func (c *Client) UserAgent() string { return c.ua }

// interceptor stamps the UA header and charges the rate limiter before the
// request goes on the wire.
type interceptor struct {
	base    http.RoundTripper
	ua      string
	limiter *ratelimit.Limiter
}

func (t *interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", t.ua)
	if t.limiter != nil {
		tier := ratelimit.Classify(req)
		if !t.limiter.Consume(req.Context(), tier, 1) {
			return nil, &ratelimit.LimitError{Tier: tier}
		}
	}
	return t.base.RoundTrip(req)
}

// envelope is the platform's standard response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Do issues one request and unwraps the response envelope. The returned
// bytes are the envelope's data member, or the whole document for endpoints
// that do not wrap.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any, token string) (json.RawMessage, error) {
	raw, err := c.request(ctx, method, path, query, body, token)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return json.RawMessage(raw), nil
	}
	if env.Code != 0 {
		return nil, &PlatformError{Code: env.Code, Msg: env.Msg}
	}
	if len(env.Data) == 0 {
		return json.RawMessage(raw), nil
	}
	return env.Data, nil
}

// request runs the retry loop. Each attempt gets a fresh *http.Request so
// bodies replay cleanly. Rate-limit rejections, context cancellation and 4xx
// statuses are permanent; everything else retries up to maxRetries extra
// attempts.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, token string) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("platform: encoding request body: %w", err)
		}
	}
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, span := c.tracer.Start(ctx, method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	var out []byte
	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("platform: building request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			var limited *ratelimit.LimitError
			if errors.As(err, &limited) {
				return backoff.Permanent(limited)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("platform: reading response: %w", err)
		}
		switch {
		case resp.StatusCode >= 500:
			return &StatusError{Status: resp.StatusCode}
		case resp.StatusCode >= 400:
			// Client faults carry envelopes worth surfacing; try before
			// falling back to the bare status.
			var env envelope
			if jsonErr := json.Unmarshal(data, &env); jsonErr == nil && env.Code != 0 {
				return backoff.Permanent(&PlatformError{Code: env.Code, Msg: env.Msg})
			}
			return backoff.Permanent(&StatusError{Status: resp.StatusCode})
		}
		out = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Minute
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))
	if err != nil {
		span.RecordError(err)
		log.Warn().Str("method", method).Str("path", path).Err(err).Msg("Platform request failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.body_size", len(out)))
	return out, nil
}
