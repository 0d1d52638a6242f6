// Package anomaly scores procurement entities against independent
// detection strategies and a supply-chain relationship graph, emitting
// one record per firing strategy.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
)

// Severity classes, from the combined score of the firing scorer.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Status is the review lifecycle of a record. The detector always emits
// StatusNew; only the investigation workflow advances it.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusConfirmed     Status = "confirmed"
	StatusFalsePositive Status = "false_positive"
	StatusResolved      Status = "resolved"
)

// Record is a scored flag raised against a business entity.
type Record struct {
	EntityType string   `json:"entityType"`
	EntityID   string   `json:"entityId"`
	Type       string   `json:"type"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
	Method     string   `json:"detectionMethod"`
	Details    string   `json:"details"`
	Status     Status   `json:"status"`
}

// Baseline is the expected distribution of one numeric feature.
type Baseline struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// Features is the numeric evidence for one entity: observed values plus,
// where history exists, their baselines for statistical comparison.
type Features struct {
	Values    map[string]float64  `json:"values"`
	Baselines map[string]Baseline `json:"baselines,omitempty"`
}

// Score is one scorer's finding: a combined anomaly score in [0,1] with
// the anomaly type and human-readable evidence.
type Score struct {
	Value   float64
	Type    string
	Details string
}

// Scorer is one detection strategy. Implementations decide their own
// firing threshold and return no scores when nothing is anomalous.
// Learned detectors (isolation forest, autoencoder) plug in here.
type Scorer interface {
	// Method tags records produced from this scorer's scores.
	Method() string

	Score(ctx context.Context, entityType, entityID string, features Features) ([]Score, error)
}

// Detector runs every registered scorer over an entity and the graph
// pass over the supply-chain snapshot. Safe for concurrent use: Detect
// reads only immutable state, and the edge snapshot is swapped
// wholesale under a lock.
type Detector struct {
	params  Params
	scorers []Scorer

	mu    sync.RWMutex
	edges []SupplyChainEdge
}

// NewDetector builds a detector with the built-in scorers (statistical
// deviation, rego policy violations) plus any extras. The context bounds
// policy compilation only.
func NewDetector(ctx context.Context, params Params, extra ...Scorer) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	source := defaultPolicy
	if params.PolicyPath != "" {
		data, err := os.ReadFile(params.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("anomaly: read policy: %w", err)
		}
		source = string(data)
	}
	policy, err := newPolicyScorer(ctx, source)
	if err != nil {
		return nil, err
	}

	scorers := []Scorer{statisticalScorer{params: params}, policy}
	scorers = append(scorers, extra...)
	return &Detector{params: params, scorers: scorers}, nil
}

// Detect scores one entity with every strategy. Records appear in scorer
// registration order, one per firing score, all with status new.
func (d *Detector) Detect(ctx context.Context, entityType, entityID string, features Features) ([]Record, error) {
	var records []Record
	for _, scorer := range d.scorers {
		scores, err := scorer.Score(ctx, entityType, entityID, features)
		if err != nil {
			return nil, fmt.Errorf("anomaly: scorer %s: %w", scorer.Method(), err)
		}
		for _, score := range scores {
			records = append(records, Record{
				EntityType: entityType,
				EntityID:   entityID,
				Type:       score.Type,
				Severity:   d.params.severityFor(score.Value),
				Confidence: score.Value,
				Method:     scorer.Method(),
				Details:    score.Details,
				Status:     StatusNew,
			})
		}
	}
	return records, nil
}

// statisticalScorer flags the feature that deviates furthest from its
// baseline, scored as the capped z-score normalized to [0,1].
type statisticalScorer struct {
	params Params
}

func (statisticalScorer) Method() string { return "z_score" }

func (s statisticalScorer) Score(_ context.Context, _, _ string, features Features) ([]Score, error) {
	names := make([]string, 0, len(features.Baselines))
	for name := range features.Baselines {
		names = append(names, name)
	}
	sort.Strings(names)

	worst, worstName := 0.0, ""
	for _, name := range names {
		baseline := features.Baselines[name]
		value, ok := features.Values[name]
		if !ok || baseline.StdDev <= 0 {
			continue
		}
		z := math.Abs(value-baseline.Mean) / baseline.StdDev
		if z > worst {
			worst, worstName = z, name
		}
	}

	score := math.Min(worst, s.params.ZScoreCap) / s.params.ZScoreCap
	if score < s.params.ScoreThreshold {
		return nil, nil
	}
	return []Score{{
		Value: score,
		Type:  "statistical_deviation",
		Details: fmt.Sprintf("%s deviates %.1f standard deviations from its baseline mean %.2f",
			worstName, worst, features.Baselines[worstName].Mean),
	}}, nil
}
