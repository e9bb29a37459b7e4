package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BadgerOps/afrec/internal/evidence"
)

const tokenEndpoint = "/oauth2/token"

// Token is the result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	AccountID    string `json:"account_id"`
}

// AuthorizeURL is the page the operator opens to grant access. Offline
// access is requested so the exchange also yields a refresh token.
func (c *Client) AuthorizeURL() string {
	q := url.Values{}
	q.Set("client_id", c.appKey)
	q.Set("response_type", "code")
	q.Set("token_access_type", "offline")
	return c.authorizeURL + "?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens and installs them on
// the client.
func (c *Client) ExchangeCode(ctx context.Context, code string) (Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Token{}, errors.New("remote: empty authorization code")
	}

	tok, err := c.requestToken(ctx, map[string]string{
		"grant_type": "authorization_code",
		"code":       code,
	})
	if err != nil {
		return Token{}, err
	}
	c.SetCredentials(Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.ExpiresAt})
	return tok, nil
}

func (c *Client) requestToken(ctx context.Context, form map[string]string) (Token, error) {
	if c.appKey == "" || c.appSecret == "" {
		return Token{}, errors.New("remote: app key and secret are required")
	}

	resp, err := c.api.R().
		SetContext(ctx).
		SetBasicAuth(c.appKey, c.appSecret).
		SetFormData(form).
		Post(tokenEndpoint)
	if err != nil {
		return Token{}, evidence.Transient(fmt.Errorf("token request: %w", err))
	}
	if resp.StatusCode() == http.StatusBadRequest {
		// invalid_grant: revoked refresh token or reused code.
		return Token{}, evidence.Fatal(fmt.Errorf("%w: %w", ErrUnauthorized, newAPIError(tokenEndpoint, http.StatusBadRequest, resp.Body())))
	}
	if err := mapRestyError(tokenEndpoint, resp); err != nil {
		return Token{}, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Token{}, errors.New("remote: token response has no access_token")
	}

	tok := Token{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken, AccountID: tr.AccountID}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
