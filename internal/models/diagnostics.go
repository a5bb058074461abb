package models

import (
	"encoding/json"
	"math"
)

// AoADiagnostics captures the thresholds and PRN fractions behind the last
// angle-of-arrival decision.
type AoADiagnostics struct {
	SingleDiffThreshold   float64 `json:"single_diff_thresh"`
	UnavailablePRNPercent float64 `json:"unavailable_prn_percent"`
	SuspectPRNPercent     float64 `json:"suspect_prn_percent"`
	AssuredPRNPercent     float64 `json:"assured_prn_percent"`
	InconsistentThreshold float64 `json:"inconsistent_thresh"`
	UnassuredThreshold    float64 `json:"unassured_thresh"`
	AssuredThreshold      float64 `json:"assured_thresh"`
}

// PositionJumpDiagnostics captures the bound and distance behind the last
// position jump decision. Both are NaN when no decision was possible.
type PositionJumpDiagnostics struct {
	Bound    float64 `json:"bound"`
	Distance float64 `json:"distance"`
}

// MarshalJSON encodes NaN fields as null.
func (d PositionJumpDiagnostics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Bound    *float64 `json:"bound"`
		Distance *float64 `json:"distance"`
	}{nanToNil(d.Bound), nanToNil(d.Distance)})
}

// UnmarshalJSON decodes null fields as NaN.
func (d *PositionJumpDiagnostics) UnmarshalJSON(data []byte) error {
	var raw struct {
		Bound    *float64 `json:"bound"`
		Distance *float64 `json:"distance"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Bound, d.Distance = nilToNaN(raw.Bound), nilToNaN(raw.Distance)
	return nil
}

func nanToNil(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func nilToNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// SingleDiffMap maps PRN to local minus remote pseudorange.
type SingleDiffMap map[int]float64

// PrnAssuranceEachNode collects, per PRN, the levels voted by every remote
// node during one evaluation cycle.
type PrnAssuranceEachNode map[int][]AssuranceLevel
