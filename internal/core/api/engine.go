// Package api issues authenticated requests against the SimpliSafe REST API,
// applying the refresh/re-login retry policy and the rate-limit breaker.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/ratelimit"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.simplisafe.com/v1"

// Authenticator is the part of the session the engine depends on.
type Authenticator interface {
	IsLoggedIn() bool
	Authorization() string
	HasCredentials() bool
	Refresh(ctx context.Context) error
	Relogin(ctx context.Context) error
}

// Request describes one logical API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

func (r Request) String() string {
	if len(r.Query) == 0 {
		return r.Method + " " + r.Path
	}
	return r.Method + " " + r.Path + "?" + r.Query.Encode()
}

// Config configures an Engine.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Auth       Authenticator
	Breaker    *ratelimit.Breaker
	Log        *slog.Logger
}

// Engine wraps outbound calls with auth header injection and the retry policy.
type Engine struct {
	baseURL string
	http    *http.Client
	auth    Authenticator
	breaker *ratelimit.Breaker
	log     *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		auth:    cfg.Auth,
		breaker: cfg.Breaker,
		log:     cfg.Log,
	}
	if e.baseURL == "" {
		e.baseURL = DefaultBaseURL
	}
	if e.http == nil {
		e.http = &http.Client{Timeout: 30 * time.Second}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Do performs the request and returns the raw response body.
func (e *Engine) Do(ctx context.Context, req Request) ([]byte, error) {
	return e.do(ctx, req, false)
}

// DoJSON performs the request and decodes the response into out.
func (e *Engine) DoJSON(ctx context.Context, req Request, out any) error {
	body, err := e.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("api: %s: %w: %w", req, apierror.ErrMalformedResponse, err)
	}
	return nil
}

func (e *Engine) do(ctx context.Context, req Request, refreshed bool) ([]byte, error) {
	if err := e.breaker.Allow(); err != nil {
		return nil, err
	}

	if !e.auth.IsLoggedIn() {
		if !e.breaker.Blocked() {
			return nil, fmt.Errorf("api: %s: %w", req, apierror.ErrNotAuthenticated)
		}
		// The last login was blocked and the cooldown has elapsed.
		if err := e.auth.Relogin(ctx); err != nil {
			return nil, err
		}
	}

	body, err := e.send(ctx, req)
	if err == nil {
		e.breaker.Reset()
		return body, nil
	}

	var pe *apierror.ProviderError
	if !errors.As(err, &pe) {
		if ctx.Err() != nil {
			return nil, err
		}
		e.log.Warn("request failed, provider unreachable", "request", req.String(), "error", err)
		e.breaker.Trip()
		return nil, apierror.RateLimited(err)
	}

	switch pe.StatusCode {
	case http.StatusUnauthorized:
		if refreshed {
			return nil, pe
		}
		return e.retryUnauthorized(ctx, req)
	case http.StatusForbidden:
		e.log.Warn("request blocked (rate limit?)", "request", req.String())
		e.breaker.Trip()
		return nil, apierror.RateLimited(pe)
	default:
		return nil, pe
	}
}

// retryUnauthorized refreshes the token and retries once; when the refresh is
// rejected and credentials are retained it logs in again and retries once more.
func (e *Engine) retryUnauthorized(ctx context.Context, req Request) ([]byte, error) {
	err := e.auth.Refresh(ctx)
	if err == nil {
		return e.do(ctx, req, true)
	}

	status := apierror.StatusCode(err)
	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && e.auth.HasCredentials() {
		e.log.Info("token refresh rejected, logging in again")
		if err := e.auth.Relogin(ctx); err != nil {
			return nil, err
		}
		return e.do(ctx, req, true)
	}
	return nil, err
}

func (e *Engine) send(ctx context.Context, req Request) ([]byte, error) {
	var reader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("api: marshal %s: %w", req, err)
		}
		reader = bytes.NewReader(payload)
	}

	target := e.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("api: create %s: %w", req, err)
	}
	httpReq.Header.Set("Authorization", e.auth.Authorization())
	httpReq.Header.Set("Accept", "application/json")
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api: send %s: %w", req, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: read %s: %w", req, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierror.NewProviderError(resp.StatusCode, body)
	}
	return body, nil
}
