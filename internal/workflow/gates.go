package workflow

import (
	"fmt"
	"math"
	"slices"

	"github.com/danshapiro/statflow/internal/analysis"
)

// Gate thresholds. These are fixed domain constants.
const (
	MinCorrectedItemTotal  = 0.30
	MinReliableItems       = 4
	MinLoading             = 0.50
	MinIndicatorsPerFactor = 3
	MinKMO                 = 0.60
	MaxBartlettP           = 0.05
	MinCFI                 = 0.90
	MaxRMSEA               = 0.08
)

// GateDecision says whether the next guided stage may be offered and with
// which derived selection. Ineligibility is a normal outcome, not an error.
type GateDecision struct {
	Eligible  bool              `json:"eligible"`
	Next      Stage             `json:"next,omitempty"`
	Reason    string            `json:"reason"`
	Variables []string          `json:"variables,omitempty"`
	Factors   []analysis.Factor `json:"factors,omitempty"`
}

// ReliabilityGate keeps items whose corrected item-total correlation reaches
// MinCorrectedItemTotal, in their original order.
func ReliabilityGate(r *analysis.ReliabilityResult) GateDecision {
	d := GateDecision{Next: StageExploratory}
	if r == nil {
		d.Reason = "no reliability result"
		return d
	}
	for _, it := range r.Items {
		if it.CorrectedItemTotal >= MinCorrectedItemTotal {
			d.Variables = append(d.Variables, it.Name)
		}
	}
	d.Eligible = len(d.Variables) >= MinReliableItems
	if d.Eligible {
		d.Reason = fmt.Sprintf("%d of %d items have corrected item-total correlation >= %.2f", len(d.Variables), len(r.Items), MinCorrectedItemTotal)
	} else {
		d.Reason = fmt.Sprintf("only %d of %d items have corrected item-total correlation >= %.2f; exploratory factor analysis needs at least %d", len(d.Variables), len(r.Items), MinCorrectedItemTotal, MinReliableItems)
	}
	return d
}

// ExploratoryGate evaluates every factor on its own: an indicator qualifies
// when |loading| >= MinLoading, and a factor with at least
// MinIndicatorsPerFactor qualifying indicators is retained. An indicator that
// cross-loads can therefore appear under two factors.
func ExploratoryGate(r *analysis.ExploratoryResult) GateDecision {
	d := GateDecision{Next: StageConfirmatory}
	if r == nil {
		d.Reason = "no exploratory result"
		return d
	}
	for j, name := range r.Factors {
		var ind []string
		for i, v := range r.Variables {
			if math.Abs(r.Loading(i, j)) >= MinLoading {
				ind = append(ind, v)
			}
		}
		if len(ind) >= MinIndicatorsPerFactor {
			d.Factors = append(d.Factors, analysis.Factor{Name: name, Indicators: ind})
		}
	}
	d.Variables = factorVariables(d.Factors)

	var problems []string
	if len(d.Factors) == 0 {
		problems = append(problems, fmt.Sprintf("no factor has %d indicators loading >= %.2f", MinIndicatorsPerFactor, MinLoading))
	}
	if r.KMO < MinKMO {
		problems = append(problems, fmt.Sprintf("KMO %.3f is below %.2f", r.KMO, MinKMO))
	}
	if r.BartlettP >= MaxBartlettP {
		problems = append(problems, fmt.Sprintf("Bartlett p %.3g is not below %.2f", r.BartlettP, MaxBartlettP))
	}
	d.Eligible = len(problems) == 0
	if d.Eligible {
		d.Reason = fmt.Sprintf("%d factor(s) retained; KMO %.3f, Bartlett p %.3g", len(d.Factors), r.KMO, r.BartlettP)
	} else {
		d.Reason = joinReasons(problems)
	}
	return d
}

// ConfirmatoryGate rebuilds the measurement model from the loading
// parameters, grouped by latent name in first-appearance order.
func ConfirmatoryGate(r *analysis.ConfirmatoryResult) GateDecision {
	d := GateDecision{Next: StageStructural}
	if r == nil {
		d.Reason = "no confirmatory result"
		return d
	}
	d.Factors = MeasurementModel(r.Parameters)
	d.Variables = factorVariables(d.Factors)

	var problems []string
	if r.Fit.CFI < MinCFI {
		problems = append(problems, fmt.Sprintf("CFI %.3f is below %.2f", r.Fit.CFI, MinCFI))
	}
	if r.Fit.RMSEA > MaxRMSEA {
		problems = append(problems, fmt.Sprintf("RMSEA %.3f is above %.2f", r.Fit.RMSEA, MaxRMSEA))
	}
	if len(d.Factors) == 0 {
		problems = append(problems, "no loading parameters in the result")
	}
	d.Eligible = len(problems) == 0
	if d.Eligible {
		d.Reason = fmt.Sprintf("CFI %.3f, RMSEA %.3f", r.Fit.CFI, r.Fit.RMSEA)
	} else {
		d.Reason = joinReasons(problems)
	}
	return d
}

func MeasurementModel(params []analysis.Parameter) []analysis.Factor {
	var out []analysis.Factor
	idx := map[string]int{}
	for _, p := range params {
		if p.Op != analysis.OpLoading {
			continue
		}
		i, ok := idx[p.LHS]
		if !ok {
			i = len(out)
			idx[p.LHS] = i
			out = append(out, analysis.Factor{Name: p.LHS})
		}
		if !slices.Contains(out[i].Indicators, p.RHS) {
			out[i].Indicators = append(out[i].Indicators, p.RHS)
		}
	}
	return out
}

// Evaluate runs the gate that follows the result's procedure. ok is false for
// procedures with no gated successor.
func Evaluate(res *analysis.AnalysisResult) (d GateDecision, ok bool) {
	if res == nil {
		return GateDecision{}, false
	}
	switch res.Procedure {
	case analysis.Reliability:
		return ReliabilityGate(res.Fields.Reliability), true
	case analysis.EFA:
		return ExploratoryGate(res.Fields.Exploratory), true
	case analysis.CFA:
		return ConfirmatoryGate(res.Fields.Confirmatory), true
	}
	return GateDecision{}, false
}

func factorVariables(fs []analysis.Factor) []string {
	var out []string
	for _, f := range fs {
		for _, v := range f.Indicators {
			if !slices.Contains(out, v) {
				out = append(out, v)
			}
		}
	}
	return out
}

func joinReasons(rs []string) string {
	out := rs[0]
	for _, r := range rs[1:] {
		out += "; " + r
	}
	return out
}
