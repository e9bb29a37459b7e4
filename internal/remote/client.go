// Package remote talks to the Dropbox HTTP API: OAuth token exchange,
// account lookup, recursive listing and revision-pinned downloads.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/retry"
	"github.com/BadgerOps/afrec/internal/safety"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultAPIURL       = "https://api.dropboxapi.com"
	DefaultContentURL   = "https://content.dropboxapi.com"
	DefaultAuthorizeURL = "https://www.dropbox.com/oauth2/authorize"

	// errorBodyLimit bounds how much of an error response is read.
	errorBodyLimit = 64 << 10
	// refreshSkew refreshes access tokens this long before they expire.
	refreshSkew = time.Minute
)

// Config configures a Client. Empty URLs use the public endpoints.
type Config struct {
	AppKey       string
	AppSecret    string
	APIURL       string
	ContentURL   string
	AuthorizeURL string
	Timeout      time.Duration
	// Policy retries transient failures of metadata calls. Downloads are
	// retried by the transfer orchestrator instead.
	Policy retry.Policy
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Client is safe for concurrent use.
type Client struct {
	api          *resty.Client
	content      *http.Client
	contentURL   string
	authorizeURL string
	appKey       string
	appSecret    string
	policy       retry.Policy
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger

	mu           sync.Mutex
	token        string
	refreshToken string
	expiresAt    time.Time
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.ContentURL == "" {
		cfg.ContentURL = DefaultContentURL
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = DefaultAuthorizeURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	for _, raw := range []string{cfg.APIURL, cfg.ContentURL, cfg.AuthorizeURL} {
		if _, err := safety.ValidateEndpoint(raw); err != nil {
			return nil, fmt.Errorf("remote: endpoint %s: %w", raw, err)
		}
	}

	api := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", userAgent)

	return &Client{
		api:          api,
		content:      safety.NewHTTPClient(0),
		contentURL:   strings.TrimRight(cfg.ContentURL, "/"),
		authorizeURL: cfg.AuthorizeURL,
		appKey:       cfg.AppKey,
		appSecret:    cfg.AppSecret,
		policy:       cfg.Policy,
		sleep:        cfg.Sleep,
		logger:       logger,
	}, nil
}

const userAgent = "afrec/1.0"

// Credentials is the token state held by the client.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// SetCredentials replaces the tokens used for API calls. With a refresh
// token and app credentials, an expired or missing access token is renewed
// on the next call.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(creds.AccessToken)
	c.refreshToken = strings.TrimSpace(creds.RefreshToken)
	c.expiresAt = creds.ExpiresAt
}

// Credentials returns the current tokens, including any refreshed ones.
func (c *Client) Credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Credentials{AccessToken: c.token, RefreshToken: c.refreshToken, ExpiresAt: c.expiresAt}
}

// accessToken returns a usable bearer token, refreshing it first if needed.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := c.token == "" || (!c.expiresAt.IsZero() && time.Until(c.expiresAt) < refreshSkew)
	if stale && c.refreshToken != "" && c.appKey != "" {
		tok, err := c.requestToken(ctx, map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": c.refreshToken,
		})
		if err != nil {
			return "", err
		}
		c.token = tok.AccessToken
		c.expiresAt = tok.ExpiresAt
		c.logger.Debug("access token refreshed", "expires_at", tok.ExpiresAt)
	}
	if c.token == "" {
		return "", evidence.Fatal(ErrUnauthorized)
	}
	return c.token, nil
}

// rpc POSTs a JSON body to an API endpoint and decodes the JSON result into
// out, retrying transient failures under the client policy.
func (c *Client) rpc(ctx context.Context, endpoint string, body, out any) error {
	var prev time.Duration
	for attempt := 1; ; attempt++ {
		err := c.rpcOnce(ctx, endpoint, body, out)
		if err == nil {
			return nil
		}
		dec := c.policy.Next(attempt, prev, evidence.Classify(err))
		if dec.Action != retry.Retry {
			return err
		}
		c.logger.Warn("api call failed, retrying", "endpoint", endpoint, "attempt", attempt, "delay", dec.Delay, "error", err)
		if serr := c.sleep(ctx, dec.Delay); serr != nil {
			return evidence.Fatal(serr)
		}
		prev = dec.Delay
	}
}

func (c *Client) rpcOnce(ctx context.Context, endpoint string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req := c.api.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Post(endpoint)
	if err != nil {
		return evidence.Transient(fmt.Errorf("%s request: %w", endpoint, err))
	}
	if err := mapRestyError(endpoint, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return evidence.Fatal(fmt.Errorf("decode %s response: %w", endpoint, err))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
