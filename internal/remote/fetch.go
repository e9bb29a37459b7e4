package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/safety"
)

const downloadEndpoint = "/2/files/download"

// Fetch streams the exact revision named by d into w. It satisfies
// download.Fetcher.
func (c *Client) Fetch(ctx context.Context, d evidence.Descriptor, w io.Writer) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	// Pin the revision so the bytes match the inventoried metadata even if
	// the file changed after listing.
	arg, err := json.Marshal(map[string]string{"path": "rev:" + d.Rev()})
	if err != nil {
		return evidence.Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+downloadEndpoint, nil)
	if err != nil {
		return evidence.Fatal(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Dropbox-API-Arg", string(arg))
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.content.Do(req)
	if err != nil {
		return evidence.Transient(fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := safety.ReadAllWithLimit(resp.Body, errorBodyLimit)
		return classify(newAPIError(downloadEndpoint, resp.StatusCode, body))
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return evidence.Transient(fmt.Errorf("reading body: %w", err))
	}
	return nil
}
