package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/go-resty/resty/v2"
)

var (
	ErrUnauthorized = errors.New("dropbox: unauthorized, run 'afrec auth' again")
	ErrNotFound     = errors.New("dropbox: path not found")
)

// APIError is a non-2xx response from Dropbox.
type APIError struct {
	Endpoint   string
	StatusCode int
	Summary    string
}

func (e *APIError) Error() string {
	if e.Summary == "" {
		return fmt.Sprintf("%s: http %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.StatusCode, e.Summary)
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// classify wraps an API error into the transfer taxonomy: 429 and 5xx are
// transient, all other statuses are fatal.
func classify(e *APIError) error {
	var err error = e
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		err = fmt.Errorf("%w: %w", ErrUnauthorized, e)
	case e.StatusCode == http.StatusConflict && strings.Contains(e.Summary, "not_found"):
		err = fmt.Errorf("%w: %w", ErrNotFound, e)
	}
	if e.Transient() {
		return evidence.Transient(err)
	}
	return evidence.Fatal(err)
}

func newAPIError(endpoint string, status int, body []byte) *APIError {
	return &APIError{Endpoint: endpoint, StatusCode: status, Summary: errorSummary(body)}
}

// errorSummary pulls error_summary out of a Dropbox error body, falling back
// to the raw text.
func errorSummary(body []byte) string {
	var payload struct {
		ErrorSummary     string `json:"error_summary"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.ErrorSummary != "" {
			return payload.ErrorSummary
		}
		if payload.ErrorDescription != "" {
			return payload.ErrorDescription
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

func mapRestyError(endpoint string, resp *resty.Response) error {
	if resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}
	return classify(newAPIError(endpoint, resp.StatusCode(), resp.Body()))
}
