// Package httputils provides HTTP clients with the retry and response-code
// policies shared by the hasher oracle client, the raw-archive REST client,
// and the HTTP-based uploader sinks (DICOMweb, XNAT, TRE-API).
package httputils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackOffConfig parameterises NewConfiguredBackOffTransport.
type BackOffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	RandomizationFactor float64
	BackOffMultiplier   float64
}

// DefaultBackOffConfig matches the retry budget used across this codebase's
// outbound HTTP clients: give up once 30 seconds have elapsed (roughly ten
// retries) rather than hang a worker indefinitely.
func DefaultBackOffConfig() *BackOffConfig {
	return &BackOffConfig{
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		RandomizationFactor: 0.5,
		BackOffMultiplier:   1.5,
	}
}

// BackOffTransport retries requests that fail at the transport level or
// return a 429 or 5xx status other than 501, using an exponential backoff.
// Every request is retried the same way, whatever its method.
type BackOffTransport struct {
	config  *BackOffConfig
	wrapped http.RoundTripper
}

// NewConfiguredBackOffTransport wraps wrapped with retry policy config.
func NewConfiguredBackOffTransport(config *BackOffConfig, wrapped http.RoundTripper) *BackOffTransport {
	if wrapped == nil {
		wrapped = http.DefaultTransport
	}
	return &BackOffTransport{config: config, wrapped: wrapped}
}

// NewBackOffTransport wraps wrapped with DefaultBackOffConfig.
func NewBackOffTransport(wrapped http.RoundTripper) *BackOffTransport {
	return NewConfiguredBackOffTransport(DefaultBackOffConfig(), wrapped)
}

func isRetriableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code != http.StatusNotImplemented)
}

// RoundTrip implements http.RoundTripper.
func (t *BackOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.config.InitialInterval
	b.MaxInterval = t.config.MaxInterval
	b.MaxElapsedTime = t.config.MaxElapsedTime
	b.RandomizationFactor = t.config.RandomizationFactor
	b.Multiplier = t.config.BackOffMultiplier

	ctx := req.Context()
	var bo backoff.BackOff = b
	if ctx != nil {
		bo = backoff.WithContext(b, ctx)
	}

	var resp *http.Response
	var lastErr error
	op := func() error {
		var err error
		resp, err = t.wrapped.RoundTrip(req)
		if err != nil {
			lastErr = err
			return err
		}
		if isRetriableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("retriable status %d", resp.StatusCode)
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()              //nolint:errcheck
			return lastErr
		}
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		if resp != nil {
			return resp, nil
		}
		return nil, lastErr
	}
	return resp, nil
}

// response2xxOnlyTransport rejects any response outside [200,300) with an
// error, so callers can treat "err == nil" as "got usable content".
type response2xxOnlyTransport struct {
	wrapped http.RoundTripper
}

func (t *response2xxOnlyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.wrapped.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("non-2xx response: %d %s", resp.StatusCode, resp.Status)
	}
	return resp, nil
}

// Response2xxOnly returns a client wrapping c's transport such that any
// response outside the 2xx range is surfaced as an error.
func Response2xxOnly(c *http.Client) *http.Client {
	cp := *c
	transport := cp.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	cp.Transport = &response2xxOnlyTransport{wrapped: transport}
	return &cp
}

// NewTimeoutClient builds an *http.Client with the given timeout and a
// backoff-retrying transport, the default shape of every outbound client
// in this codebase.
func NewTimeoutClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewBackOffTransport(http.DefaultTransport),
	}
}

// ReadAndClose drains and closes body, ignoring errors; used to make sure
// idle connections get reused.
func ReadAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// WithTimeout derives a context with the given timeout, returning a no-op
// cancel if timeout <= 0.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
