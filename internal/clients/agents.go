package clients

import (
	"context"
	"time"

	"github.com/aksrustagi/talos-sub002/procurement"
)

// AgentClient calls the decision-agent service over HTTP. It implements
// procurement.AgentInvoker.
type AgentClient struct {
	http httpClient
}

// NewAgentClient builds a client for the agent service at baseURL.
func NewAgentClient(baseURL, apiKey string, timeout time.Duration) *AgentClient {
	return &AgentClient{http: newHTTPClient(baseURL, apiKey, timeout)}
}

// Invoke runs one agent and returns its structured result. The service
// reports agent-level failure inside the result body; transport and
// status failures surface as classified errors.
func (c *AgentClient) Invoke(ctx context.Context, agentID string, input any) (procurement.AgentResult, error) {
	var result procurement.AgentResult
	err := c.http.postJSON(ctx, "/api/agents/"+agentID+"/invoke", map[string]any{
		"input": input,
	}, &result)
	if err != nil {
		return procurement.AgentResult{}, err
	}
	return result, nil
}
