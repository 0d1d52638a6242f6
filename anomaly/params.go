package anomaly

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params holds every detection threshold. Like the regime parameters these
// are policy constants, so they load from YAML with built-in defaults
// rather than being compiled in.
type Params struct {
	// ZScoreCap bounds the statistical score: a deviation of ZScoreCap
	// standard deviations or more maps to a score of 1.
	ZScoreCap float64 `yaml:"z_score_cap"`

	// ScoreThreshold is the minimum statistical score that produces a
	// record. Deviations below it are normal variation.
	ScoreThreshold float64 `yaml:"score_threshold"`

	// Severity cut-offs on the combined score.
	CriticalScore float64 `yaml:"critical_score"`
	HighScore     float64 `yaml:"high_score"`
	MediumScore   float64 `yaml:"medium_score"`

	// ConcentrationStrength is the minimum aggregate dependency strength
	// a vendor must place on at most ConcentrationMaxFanout downstream
	// vendors before concentration risk fires.
	ConcentrationStrength  float64 `yaml:"concentration_strength"`
	ConcentrationMaxFanout int     `yaml:"concentration_max_fanout"`

	// PropagationThreshold is the minimum chained risk-propagation
	// product (over chains of at least two edges, capped at
	// PropagationMaxDepth) that produces a propagation-risk record.
	PropagationThreshold float64 `yaml:"propagation_threshold"`
	PropagationMaxDepth  int     `yaml:"propagation_max_depth"`

	// PolicyPath optionally replaces the built-in rego policy.
	PolicyPath string `yaml:"policy_path"`
}

// DefaultParams returns the built-in detection thresholds.
func DefaultParams() Params {
	return Params{
		ZScoreCap:      4,
		ScoreThreshold: 0.4,

		CriticalScore: 0.85,
		HighScore:     0.65,
		MediumScore:   0.4,

		ConcentrationStrength:  1.5,
		ConcentrationMaxFanout: 3,

		PropagationThreshold: 0.5,
		PropagationMaxDepth:  4,
	}
}

// LoadParams reads a YAML override file on top of the defaults.
func LoadParams(path string) (Params, error) {
	params := DefaultParams()

	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("anomaly: read params: %w", err)
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return Params{}, fmt.Errorf("anomaly: parse params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// Validate checks threshold sanity.
func (p Params) Validate() error {
	if p.ZScoreCap <= 0 {
		return fmt.Errorf("anomaly: z-score cap must be positive")
	}
	if p.ScoreThreshold <= 0 || p.ScoreThreshold > 1 {
		return fmt.Errorf("anomaly: score threshold must be in (0,1]")
	}
	if p.MediumScore <= 0 || p.CriticalScore > 1 {
		return fmt.Errorf("anomaly: severity cut-offs must be in (0,1]")
	}
	if p.CriticalScore < p.HighScore || p.HighScore < p.MediumScore {
		return fmt.Errorf("anomaly: severity cut-offs must not decrease with severity")
	}
	if p.ConcentrationStrength <= 0 || p.ConcentrationMaxFanout < 1 {
		return fmt.Errorf("anomaly: concentration thresholds out of range")
	}
	if p.PropagationThreshold <= 0 || p.PropagationThreshold > 1 {
		return fmt.Errorf("anomaly: propagation threshold must be in (0,1]")
	}
	if p.PropagationMaxDepth < 2 {
		return fmt.Errorf("anomaly: propagation depth must allow chains of two edges")
	}
	return nil
}

func (p Params) severityFor(score float64) Severity {
	switch {
	case score >= p.CriticalScore:
		return SeverityCritical
	case score >= p.HighScore:
		return SeverityHigh
	case score >= p.MediumScore:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
