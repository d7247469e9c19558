package analysis

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"
)

// fields is a named-field tree from the engine. Every accessor looks fields up
// by name and falls back to the zero value when a field is absent, null or of
// an unexpected type.
type fields map[string]any

func (f fields) float(name string) float64 { return toFloat(f[name]) }
func (f fields) int(name string) int       { return int(math.Round(toFloat(f[name]))) }

func (f fields) str(name string) string {
	if s, ok := f[name].(string); ok {
		return s
	}
	return ""
}

func (f fields) sub(name string) fields {
	if m, ok := f[name].(map[string]any); ok {
		return fields(m)
	}
	return fields{}
}

func (f fields) strings(name string) []string {
	var out []string
	for _, v := range seq(f[name]) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, "")
		}
	}
	return out
}

func (f fields) floats(name string) []float64 {
	var out []float64
	for _, v := range seq(f[name]) {
		out = append(out, toFloat(v))
	}
	return out
}

// matrix decodes a list of rows. A single unboxed row (a flat number list)
// becomes a one-row matrix.
func (f fields) matrix(name string) [][]float64 {
	raw := seq(f[name])
	if len(raw) == 0 {
		return nil
	}
	if _, nested := raw[0].([]any); !nested {
		row := make([]float64, len(raw))
		for i, v := range raw {
			row[i] = toFloat(v)
		}
		return [][]float64{row}
	}
	out := make([][]float64, 0, len(raw))
	for _, r := range raw {
		rs := seq(r)
		row := make([]float64, len(rs))
		for i, v := range rs {
			row[i] = toFloat(v)
		}
		out = append(out, row)
	}
	return out
}

func (f fields) records(name string) []fields {
	var out []fields
	for _, v := range seq(f[name]) {
		m, _ := v.(map[string]any)
		out = append(out, fields(m))
	}
	return out
}

// seq treats a scalar or object as a one-element sequence and null as empty.
func seq(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	default:
		return []any{x}
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

func at[T any](s []T, i int) T {
	var zero T
	if i < 0 || i >= len(s) {
		return zero
	}
	return s[i]
}

func decodeFields(pl *plan, v fields) (Fields, error) {
	switch pl.procedure {
	case Descriptive:
		return Fields{Descriptive: decodeDescriptive(pl, v)}, nil
	case Correlation:
		return Fields{Correlation: decodeCorrelation(pl, v)}, nil
	case Reliability:
		return Fields{Reliability: decodeReliability(pl, v)}, nil
	case EFA:
		return Fields{Exploratory: decodeExploratory(pl, v)}, nil
	case CFA:
		return Fields{Confirmatory: &ConfirmatoryResult{
			N:          v.int("n"),
			Fit:        decodeFit(v.sub("fit")),
			Parameters: decodeParameters(v),
		}}, nil
	case SEM:
		r2 := v.sub("r2")
		res := &StructuralResult{
			N:          v.int("n"),
			Fit:        decodeFit(v.sub("fit")),
			Parameters: decodeParameters(v),
		}
		if len(r2) > 0 {
			res.RSquared = map[string]float64{}
			keys := make([]string, 0, len(r2))
			for k := range r2 {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				res.RSquared[k] = r2.float(k)
			}
		}
		return Fields{Structural: res}, nil
	case Regression:
		return Fields{Regression: decodeRegression(pl, v)}, nil
	}
	return Fields{}, fmt.Errorf("no decoder for %s", pl.procedure)
}

func decodeDescriptive(pl *plan, v fields) *DescriptiveResult {
	names := v.strings("variables")
	if len(names) == 0 {
		names = pl.variables
	}
	mean, sd := v.floats("mean"), v.floats("sd")
	lo, hi, miss := v.floats("min"), v.floats("max"), v.floats("missing")
	res := &DescriptiveResult{N: v.int("n")}
	for i, n := range names {
		res.Variables = append(res.Variables, VariableSummary{
			Name:    n,
			Mean:    at(mean, i),
			SD:      at(sd, i),
			Min:     at(lo, i),
			Max:     at(hi, i),
			Missing: int(at(miss, i)),
		})
	}
	return res
}

func decodeCorrelation(pl *plan, v fields) *CorrelationResult {
	res := &CorrelationResult{
		N:         v.int("n"),
		Method:    v.str("method"),
		Variables: v.strings("variables"),
		R:         v.matrix("r"),
		P:         v.matrix("p"),
	}
	if res.Method == "" {
		res.Method = pl.method
	}
	if len(res.Variables) == 0 {
		res.Variables = append([]string{}, pl.variables...)
	}
	return res
}

func decodeReliability(pl *plan, v fields) *ReliabilityResult {
	res := &ReliabilityResult{N: v.int("n"), Alpha: v.float("alpha")}
	for i, it := range v.records("items") {
		name := it.str("name")
		if name == "" {
			name = at(pl.variables, i)
		}
		res.Items = append(res.Items, ItemStat{
			Name:               name,
			CorrectedItemTotal: it.float("correctedItemTotal"),
			AlphaIfDeleted:     it.float("alphaIfDeleted"),
			Mean:               it.float("mean"),
			SD:                 it.float("sd"),
		})
	}
	// Items follow the submitted variable order whatever order the engine
	// reports them in. Unknown names keep their place after the known ones.
	rank := make(map[string]int, len(pl.variables))
	for i, name := range pl.variables {
		rank[name] = i
	}
	slices.SortStableFunc(res.Items, func(a, b ItemStat) int {
		ra, oka := rank[a.Name]
		rb, okb := rank[b.Name]
		switch {
		case oka && okb:
			return cmp.Compare(ra, rb)
		case oka:
			return -1
		case okb:
			return 1
		}
		return 0
	})
	return res
}

func decodeExploratory(pl *plan, v fields) *ExploratoryResult {
	res := &ExploratoryResult{
		N:                 v.int("n"),
		KMO:               v.float("kmo"),
		BartlettChiSq:     v.float("bartlettChiSq"),
		BartlettDF:        v.float("bartlettDF"),
		BartlettP:         v.float("bartlettP"),
		NFactors:          v.int("nFactors"),
		Rotation:          v.str("rotation"),
		Variables:         v.strings("variables"),
		Factors:           v.strings("factors"),
		Loadings:          v.matrix("loadings"),
		Communalities:     v.floats("communalities"),
		Eigenvalues:       v.floats("eigenvalues"),
		VarianceExplained: v.floats("varianceExplained"),
	}
	if len(res.Variables) == 0 {
		res.Variables = append([]string{}, pl.variables...)
	}
	if res.Rotation == "" {
		res.Rotation = pl.rotation
	}
	// One factor comes back as one loading per variable rather than one row
	// per variable.
	if len(res.Loadings) == 1 && len(res.Variables) > 1 && len(res.Loadings[0]) == len(res.Variables) {
		col := res.Loadings[0]
		res.Loadings = make([][]float64, len(col))
		for i, l := range col {
			res.Loadings[i] = []float64{l}
		}
	}
	width := 0
	for _, row := range res.Loadings {
		width = max(width, len(row))
	}
	if res.NFactors == 0 {
		res.NFactors = width
	}
	for len(res.Factors) < width {
		res.Factors = append(res.Factors, fmt.Sprintf("F%d", len(res.Factors)+1))
	}
	return res
}

func decodeFit(f fields) ModelFit {
	return ModelFit{
		CFI:   f.float("cfi"),
		TLI:   f.float("tli"),
		RMSEA: f.float("rmsea"),
		SRMR:  f.float("srmr"),
		ChiSq: f.float("chisq"),
		DF:    f.float("df"),
		P:     f.float("pvalue"),
	}
}

func decodeParameters(v fields) []Parameter {
	var out []Parameter
	for _, p := range v.records("parameters") {
		out = append(out, Parameter{
			LHS:    p.str("lhs"),
			Op:     p.str("op"),
			RHS:    p.str("rhs"),
			Est:    p.float("est"),
			StdAll: p.float("stdAll"),
			SE:     p.float("se"),
			Z:      p.float("z"),
			P:      p.float("p"),
		})
	}
	return out
}

func decodeRegression(pl *plan, v fields) *RegressionResult {
	res := &RegressionResult{
		N:         v.int("n"),
		Dependent: v.str("dependent"),
		R2:        v.float("r2"),
		AdjR2:     v.float("adjR2"),
		F:         v.float("f"),
		FP:        v.float("fP"),
	}
	if res.Dependent == "" {
		res.Dependent = pl.dependent
	}
	for _, c := range v.records("coefficients") {
		res.Coefficients = append(res.Coefficients, Coefficient{
			Term:     c.str("term"),
			Estimate: c.float("estimate"),
			SE:       c.float("se"),
			T:        c.float("t"),
			P:        c.float("p"),
			Std:      c.float("std"),
		})
	}
	return res
}
