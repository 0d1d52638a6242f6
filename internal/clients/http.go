// Package clients implements the procurement collaborator contracts:
// HTTP clients for the decision-agent service, the document store, and
// the price source, plus a Redis-backed notification queue. Errors carry
// the activity taxonomy so the retry envelope classifies them correctly.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aksrustagi/talos-sub002/activity"
)

const defaultHTTPTimeout = 30 * time.Second

// httpClient is the shared JSON-over-HTTP plumbing.
type httpClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newHTTPClient(baseURL, apiKey string, timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// postJSON sends body as JSON and decodes the response into out. Status
// codes map onto the activity taxonomy: 400/422 validation, 401/403
// authentication, anything else non-2xx transient.
func (c httpClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return activity.Validationf("encode request for %s: %v", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return activity.Validationf("build request for %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return activity.Transient(fmt.Errorf("%s: %w", path, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(path, resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return activity.Transient(fmt.Errorf("decode response from %s: %w", path, err))
	}
	return nil
}

func classifyStatus(path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet := readSnippet(resp.Body)
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return activity.Validationf("%s rejected request: %s", path, snippet)
	case http.StatusUnauthorized, http.StatusForbidden:
		return activity.Authenticationf("%s refused credentials: %s", path, snippet)
	default:
		return activity.Transientf("%s returned %d: %s", path, resp.StatusCode, snippet)
	}
}

// readSnippet pulls a short error body for the message; bodies are
// untrusted, so only the first kilobyte matters.
func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 1024))
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "(empty body)"
	}
	return s
}
