package moqui

import (
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds a single HTTP request.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the retry ceiling for network errors and 5xx responses.
	DefaultMaxRetries = 2

	// DefaultRetryDelay is the fixed pause between retries.
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultRateLimit is the sustained request rate per second.
	DefaultRateLimit = 10.0

	// DefaultBurst is the token bucket size.
	DefaultBurst = 5

	// refreshSkew refreshes access tokens this long before they expire.
	refreshSkew = 30 * time.Second
)

const (
	pathLogin    = "/rest/s1/auth/login"
	pathRefresh  = "/rest/s1/auth/refresh"
	pathLogout   = "/rest/s1/auth/logout"
	pathEntities = "/rest/s1/entities/"
	pathServices = "/rest/s1/services/"
)

// Error codes of normalised failure responses.
const (
	CodeMalformedResponse = "MALFORMED_RESPONSE"
	CodeNotFound          = "NOT_FOUND"
	CodeBadRequest        = "BAD_REQUEST"
	CodeForbidden         = "FORBIDDEN"
	CodeConflict          = "CONFLICT"
	CodeRequestFailed     = "REQUEST_FAILED"
)

// Config configures a Moqui client.
type Config struct {
	// BaseURL is the Moqui server root, e.g. "https://erp.example.com".
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`

	// Username and Password are used for the login flow. Leave both empty
	// when the server accepts anonymous calls or an AccessToken is given.
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"-" yaml:"password" mapstructure:"password"`

	// AccessToken seeds the client with an existing token.
	AccessToken string `json:"-" yaml:"access_token" mapstructure:"access_token"`

	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`

	// RateLimit is requests per second; Burst is the bucket size.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst     int     `json:"burst" yaml:"burst" mapstructure:"burst"`

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client `json:"-" yaml:"-" mapstructure:"-"`
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	return c
}

// Response is the normalised envelope of every Moqui call.
type Response struct {
	Success bool                   `json:"success"`
	Data    interface{}            `json:"data,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
	Error   *ErrorInfo             `json:"error,omitempty"`
}

// ErrorInfo describes a terminal failure reported by the server.
type ErrorInfo struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// tokenResponse is the body of login and refresh calls.
type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}
