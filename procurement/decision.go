package procurement

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/retry"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// agentTimeout bounds a single decision-agent invocation. Agents that
// reason over large documents can be slow, but not unboundedly so.
const agentTimeout = 2 * time.Minute

// invokeDecision runs one decision agent as a retried activity, archives
// the raw result for audit, and decodes the output into T. The agent
// output must carry a "decision" discriminator from the allowed set;
// anything else fails the workflow without retry, since re-asking the
// same agent the same question yields the same malformed answer.
func invokeDecision[T any](ctx workflow.Context, svc *Services, agentID, orgID string, payload any, allowed ...string) (T, error) {
	var zero T
	res, err := activity.Execute(ctx, "agent:"+agentID, activity.Options{
		Policy:  retry.Default(),
		Timeout: agentTimeout,
	}, func(actx context.Context) (AgentResult, error) {
		out, err := svc.Agents.Invoke(actx, agentID, payload)
		if err != nil {
			return AgentResult{}, err
		}
		if svc.Documents != nil {
			// Audit trail is best-effort; the decision itself is what
			// the workflow depends on.
			if aerr := svc.Documents.SaveResult(actx, ctx.RunID(), agentID, out, orgID); aerr != nil {
				svc.log().Error("agent audit save failed", "agent", agentID, "error", aerr)
			}
		}
		return out, nil
	})
	if err != nil {
		return zero, err
	}
	if !res.Success {
		return zero, activity.Validationf("agent %s reported failure", agentID)
	}
	return decodeDecision[T](agentID, res.Output, allowed...)
}

// decodeDecision unmarshals an agent output and enforces the decision
// discriminator. The union types all embed a Decision field with a
// `json:"decision"` tag.
func decodeDecision[T any](agentID string, raw json.RawMessage, allowed ...string) (T, error) {
	var zero T
	var envelope struct {
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return zero, activity.Validationf("agent %s returned unreadable output: %v", agentID, err)
	}
	if envelope.Decision == "" {
		return zero, activity.Validationf("agent %s returned no decision", agentID)
	}
	if len(allowed) > 0 && !contains(allowed, envelope.Decision) {
		return zero, activity.Validationf("agent %s returned unknown decision %q (want one of %s)",
			agentID, envelope.Decision, strings.Join(allowed, ", "))
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, activity.Validationf("agent %s output does not match %q schema: %v", agentID, envelope.Decision, err)
	}
	return out, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
