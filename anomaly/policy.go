package anomaly

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"

	"github.com/open-policy-agent/opa/rego"
)

const policyQuery = "data.procurement.anomaly.violations"

//go:embed policy.rego
var defaultPolicy string

// policyScorer evaluates procurement rules written in rego. The query is
// compiled once at construction; evaluation is allocation-only.
type policyScorer struct {
	query rego.PreparedEvalQuery
}

func newPolicyScorer(ctx context.Context, source string) (*policyScorer, error) {
	prepared, err := rego.New(
		rego.Query(policyQuery),
		rego.Module("anomaly.rego", source),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("anomaly: compile policy: %w", err)
	}
	return &policyScorer{query: prepared}, nil
}

func (*policyScorer) Method() string { return "opa_policy" }

type policyInput struct {
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Values     map[string]float64 `json:"values"`
}

type policyViolation struct {
	Type    string  `json:"type"`
	Score   float64 `json:"score"`
	Details string  `json:"details"`
}

func (s *policyScorer) Score(ctx context.Context, entityType, entityID string, features Features) ([]Score, error) {
	input := policyInput{
		EntityType: entityType,
		EntityID:   entityID,
		Values:     features.Values,
	}
	results, err := s.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	violations, err := decodeViolations(results[0].Expressions[0].Value)
	if err != nil {
		return nil, err
	}

	scores := make([]Score, 0, len(violations))
	for _, v := range violations {
		scores = append(scores, Score{
			Value:   math.Max(0, math.Min(1, v.Score)),
			Type:    v.Type,
			Details: v.Details,
		})
	}
	return scores, nil
}

func decodeViolations(value any) ([]policyViolation, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode policy result: %w", err)
	}
	var violations []policyViolation
	if err := json.Unmarshal(payload, &violations); err != nil {
		return nil, fmt.Errorf("decode policy result: %w", err)
	}
	return violations, nil
}
