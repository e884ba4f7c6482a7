package moqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/scenerun/scenerun/pkg/engine"
)

// Client talks to the Moqui REST API. It is safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewClient creates a client. No network call is made until the first request.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, engine.NewPermanentError("moqui base URL is required", nil).WithCode(engine.ErrCodeValidation)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid moqui base URL: %s", cfg.BaseURL), err).
			WithCode(engine.ErrCodeValidation)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		cfg:     cfg,
		baseURL: base,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger.With().Str("component", "moqui").Str("base_url", base.String()).Logger(),
	}
	if cfg.AccessToken != "" {
		c.setTokens(cfg.AccessToken, "", 0)
	}
	return c, nil
}

// Login authenticates with username and password and stores the tokens.
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.Username == "" {
		return engine.NewPermanentError("moqui credentials are not configured", nil).WithCode(engine.ErrCodeAuthFailed)
	}
	tok, err := c.tokenCall(ctx, pathLogin, map[string]interface{}{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return err
	}
	c.setTokens(tok.AccessToken, tok.RefreshToken, tok.ExpiresIn)
	c.logger.Debug().Time("expires_at", c.tokenExpiry()).Msg("Logged in")
	return nil
}

// Refresh exchanges the refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh == "" {
		return engine.NewPermanentError("no refresh token", nil).WithCode(engine.ErrCodeAuthFailed)
	}

	tok, err := c.tokenCall(ctx, pathRefresh, map[string]interface{}{"refreshToken": refresh})
	if err != nil {
		return err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refresh
	}
	c.setTokens(tok.AccessToken, tok.RefreshToken, tok.ExpiresIn)
	c.logger.Debug().Msg("Access token refreshed")
	return nil
}

// Logout invalidates the session on the server and forgets the tokens.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()
	if token == "" {
		return nil
	}

	req, err := c.newRequest(ctx, http.MethodPost, pathLogout, nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	c.setTokens("", "", 0)
	if err != nil {
		return engine.NewTransientError("moqui logout failed", err).WithCode(engine.ErrCodeNetwork)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GetEntity fetches one entity record by id.
func (c *Client) GetEntity(ctx context.Context, entity, id string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, entityPath(entity, id), nil, nil)
}

// ListEntities lists entity records matching the query.
func (c *Client) ListEntities(ctx context.Context, entity string, query url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, entityPath(entity, ""), query, nil)
}

// CreateEntity creates an entity record.
func (c *Client) CreateEntity(ctx context.Context, entity string, data map[string]interface{}) (*Response, error) {
	return c.Do(ctx, http.MethodPost, entityPath(entity, ""), nil, data)
}

// UpdateEntity updates fields of an entity record.
func (c *Client) UpdateEntity(ctx context.Context, entity, id string, data map[string]interface{}) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, entityPath(entity, id), nil, data)
}

// DeleteEntity deletes an entity record.
func (c *Client) DeleteEntity(ctx context.Context, entity, id string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, entityPath(entity, id), nil, nil)
}

// CallService invokes a Moqui service by name.
func (c *Client) CallService(ctx context.Context, name string, params map[string]interface{}) (*Response, error) {
	return c.Do(ctx, http.MethodPost, pathServices+name, nil, params)
}

func entityPath(entity, id string) string {
	// escaping happens when the URL is rendered
	p := pathEntities + entity
	if id != "" {
		p += "/" + id
	}
	return p
}

// Do sends an authenticated request and normalises the answer.
//
// Network errors and 5xx responses are retried up to MaxRetries with a fixed
// delay. Once those retries are spent the error is permanent; with MaxRetries
// 0 it is returned as transient for the caller to retry. A 401 triggers one refresh,
// falling back to a fresh login, followed by a single retry. Other 4xx
// responses and malformed bodies are terminal and come back as an
// unsuccessful Response with a nil error.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body interface{}) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, engine.NewPermanentError("failed to encode request body", err).WithCode(engine.ErrCodeValidation)
		}
	}

	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	authRetried := false
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, engine.NewTransientError("rate limiter wait aborted", err).WithCode(engine.ErrCodeRateLimited)
		}

		status, header, respBody, err := c.send(ctx, method, path, query, payload)
		if err != nil {
			retryable := retryableNetError(err) && ctx.Err() == nil
			if retryable && attempt < c.cfg.MaxRetries {
				c.logRetry(method, path, attempt, err.Error())
				if werr := c.sleep(ctx); werr != nil {
					return nil, networkError(method, path, werr)
				}
				continue
			}
			if retryable {
				return nil, c.exhausted(networkError(method, path, err), attempt+1)
			}
			return nil, networkError(method, path, err)
		}

		switch {
		case status == http.StatusUnauthorized && !authRetried:
			authRetried = true
			if err := c.reauthenticate(ctx); err != nil {
				return nil, err
			}
			continue

		case status == http.StatusUnauthorized:
			return nil, engine.NewPermanentError("moqui rejected credentials", nil).
				WithCode(engine.ErrCodeAuthFailed).
				WithOperation(method + " " + path)

		case status >= 500:
			if attempt < c.cfg.MaxRetries {
				c.logRetry(method, path, attempt, http.StatusText(status))
				if werr := c.sleep(ctx); werr != nil {
					return nil, networkError(method, path, werr)
				}
				continue
			}
			return nil, c.exhausted(engine.NewTransientError(fmt.Sprintf("moqui server error %d", status), nil).
				WithCode(fmt.Sprintf("HTTP_%d", status)).
				WithOperation(method+" "+path).
				WithDetail("status", status), attempt+1)

		case status == http.StatusTooManyRequests:
			return nil, engine.NewThrottledError("moqui rate limit exceeded", nil).
				WithCode(engine.ErrCodeRateLimited).
				WithOperation(method + " " + path)
		}

		return normalize(status, header, respBody), nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, method, path, query, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, data, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, engine.NewPermanentError("failed to build request", err).WithCode(engine.ErrCodeValidation)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// tokenCall posts to an auth endpoint and decodes the token pair.
func (c *Client) tokenCall(ctx context.Context, path string, body map[string]interface{}) (*tokenResponse, error) {
	payload, _ := json.Marshal(body)
	status, _, data, err := c.send(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return nil, networkError(http.MethodPost, path, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, engine.NewPermanentError(fmt.Sprintf("moqui auth call failed with status %d", status), nil).
			WithCode(engine.ErrCodeAuthFailed).
			WithOperation(path)
	}
	var tok tokenResponse
	if err := json.Unmarshal(data, &tok); err != nil || tok.AccessToken == "" {
		return nil, engine.NewPermanentError("moqui auth response has no access token", err).
			WithCode(engine.ErrCodeAuthFailed).
			WithOperation(path)
	}
	return &tok, nil
}

// ensureToken logs in when no token is held and refreshes tokens close to expiry.
func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	token, refresh, expiresAt := c.accessToken, c.refreshToken, c.expiresAt
	c.mu.Unlock()

	switch {
	case token == "" && c.cfg.Username != "":
		return c.Login(ctx)
	case token != "" && refresh != "" && !expiresAt.IsZero() && time.Until(expiresAt) < refreshSkew:
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Proactive token refresh failed, logging in again")
			if c.cfg.Username == "" {
				return err
			}
			return c.Login(ctx)
		}
	}
	return nil
}

// reauthenticate handles a 401: refresh once, then fall back to a fresh login.
func (c *Client) reauthenticate(ctx context.Context) error {
	err := c.Refresh(ctx)
	if err == nil {
		return nil
	}
	c.logger.Debug().Err(err).Msg("Token refresh failed")

	if err := c.Login(ctx); err != nil {
		return engine.NewPermanentError("moqui re-authentication failed", err).WithCode(engine.ErrCodeAuthFailed)
	}
	return nil
}

func (c *Client) setTokens(access, refresh string, expiresIn int64) {
	expiresAt := tokenExpiry(access)
	if expiresAt.IsZero() && expiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	c.mu.Lock()
	c.accessToken = access
	c.refreshToken = refresh
	c.expiresAt = expiresAt
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *Client) tokenExpiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

// tokenExpiry reads the exp claim of a JWT access token without verifying it.
// Opaque tokens have no known expiry.
func tokenExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (c *Client) sleep(ctx context.Context) error {
	t := time.NewTimer(c.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) logRetry(method, path string, attempt int, reason string) {
	c.logger.Warn().
		Str("method", method).
		Str("path", path).
		Int("attempt", attempt+1).
		Int("max_attempts", c.cfg.MaxRetries+1).
		Str("reason", reason).
		Msg("Retrying moqui request")
}

// retryableNetError reports whether a transport error is worth another attempt.
func retryableNetError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// exhausted marks a retryable failure as final once the client has spent its
// own retry budget, so the executor does not multiply the attempts. With
// MaxRetries 0 the error stays transient and node-level retries apply.
func (c *Client) exhausted(e *engine.EngineError, attempts int) *engine.EngineError {
	e.WithDetail("attempts", attempts)
	if c.cfg.MaxRetries > 0 {
		e.Class = engine.ErrorClassPermanent
		e.Message = fmt.Sprintf("%s after %d attempts", e.Message, attempts)
	}
	return e
}

func networkError(method, path string, err error) *engine.EngineError {
	code := engine.ErrCodeNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		code = engine.ErrCodeTimeout
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return engine.NewTransientError("moqui request failed", err).
		WithCode(code).
		WithOperation(method + " " + path)
}

// normalize turns a non-5xx answer into the response envelope.
func normalize(status int, header http.Header, body []byte) *Response {
	meta := map[string]interface{}{"status": status}
	if total := header.Get("X-Total-Count"); total != "" {
		if n, err := strconv.Atoi(total); err == nil {
			meta["total"] = n
		}
	}

	var data interface{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return &Response{
				Success: false,
				Meta:    meta,
				Error: &ErrorInfo{
					Code:    CodeMalformedResponse,
					Message: fmt.Sprintf("response body is not valid JSON: %v", err),
					Details: map[string]interface{}{"status": status},
				},
			}
		}
	}

	if status >= 200 && status < 300 {
		return &Response{Success: true, Data: data, Meta: meta}
	}

	info := &ErrorInfo{
		Code:    statusCode(status),
		Message: http.StatusText(status),
		Details: map[string]interface{}{"status": status},
	}
	if obj, ok := data.(map[string]interface{}); ok {
		for _, key := range []string{"errors", "message", "error", "errorMessage"} {
			if msg, ok := obj[key].(string); ok && msg != "" {
				info.Message = msg
				break
			}
		}
		if code, ok := obj["errorCode"]; ok {
			info.Details["error_code"] = code
		}
		if fields, ok := obj["validationErrors"]; ok {
			info.Details["validation_errors"] = fields
		}
	}
	return &Response{Success: false, Meta: meta, Error: info}
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeBadRequest
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	default:
		return CodeRequestFailed
	}
}
