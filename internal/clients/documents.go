package clients

import (
	"context"
	"encoding/json"
	"time"
)

// DocumentClient talks to the reactive document store's HTTP mutation
// surface. It implements procurement.DocumentStore with fire-and-confirm
// semantics: a 2xx acknowledgement is the whole contract.
type DocumentClient struct {
	http httpClient
}

// NewDocumentClient builds a client for the document store at baseURL.
func NewDocumentClient(baseURL string, timeout time.Duration) *DocumentClient {
	return &DocumentClient{http: newHTTPClient(baseURL, "", timeout)}
}

// SaveResult archives one agent invocation for audit.
func (c *DocumentClient) SaveResult(ctx context.Context, runID, agentID string, result any, orgID string) error {
	return c.http.postJSON(ctx, "/api/results", map[string]any{
		"runId":   runID,
		"agentId": agentID,
		"result":  result,
		"orgId":   orgID,
	}, nil)
}

// Update runs a named operation against the store and returns its raw
// result document.
func (c *DocumentClient) Update(ctx context.Context, operation string, data any) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.http.postJSON(ctx, "/api/mutations", map[string]any{
		"operation": operation,
		"data":      data,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}
