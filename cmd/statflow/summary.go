package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/danshapiro/statflow/internal/analysis"
)

// writeResultSummary prints the headline numbers of a result, one fact per
// line, in the key=value style of status output.
func writeResultSummary(w io.Writer, res *analysis.AnalysisResult) {
	fmt.Fprintf(w, "procedure=%s request=%s digest=%s\n", res.Procedure, res.RequestID, shortDigest(res.ScriptDigest))
	f := res.Fields
	switch {
	case f.Descriptive != nil:
		fmt.Fprintf(w, "n=%d\n", f.Descriptive.N)
		for _, v := range f.Descriptive.Variables {
			fmt.Fprintf(w, "  %-12s mean=%.3f sd=%.3f min=%g max=%g missing=%d\n", v.Name, v.Mean, v.SD, v.Min, v.Max, v.Missing)
		}
	case f.Correlation != nil:
		c := f.Correlation
		fmt.Fprintf(w, "n=%d method=%s\n", c.N, c.Method)
		for i, name := range c.Variables {
			cells := make([]string, 0, len(c.Variables))
			for j := range c.Variables {
				if i < len(c.R) && j < len(c.R[i]) {
					cells = append(cells, fmt.Sprintf("%6.3f", c.R[i][j]))
				}
			}
			fmt.Fprintf(w, "  %-12s %s\n", name, strings.Join(cells, " "))
		}
	case f.Reliability != nil:
		r := f.Reliability
		fmt.Fprintf(w, "n=%d alpha=%.3f\n", r.N, r.Alpha)
		for _, it := range r.Items {
			fmt.Fprintf(w, "  %-12s r.drop=%.3f alpha.drop=%.3f\n", it.Name, it.CorrectedItemTotal, it.AlphaIfDeleted)
		}
	case f.Exploratory != nil:
		e := f.Exploratory
		fmt.Fprintf(w, "n=%d kmo=%.3f bartlett.p=%.4g factors=%d rotation=%s\n", e.N, e.KMO, e.BartlettP, e.NFactors, e.Rotation)
		for i, name := range e.Variables {
			cells := make([]string, 0, len(e.Factors))
			for j := range e.Factors {
				cells = append(cells, fmt.Sprintf("%6.3f", e.Loading(i, j)))
			}
			fmt.Fprintf(w, "  %-12s %s\n", name, strings.Join(cells, " "))
		}
	case f.Confirmatory != nil:
		writeFit(w, f.Confirmatory.N, f.Confirmatory.Fit)
		writeParameters(w, f.Confirmatory.Parameters, analysis.OpLoading)
	case f.Structural != nil:
		s := f.Structural
		writeFit(w, s.N, s.Fit)
		writeParameters(w, s.Parameters, "~")
		names := make([]string, 0, len(s.RSquared))
		for name := range s.RSquared {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  r2 %-9s %.3f\n", name, s.RSquared[name])
		}
	case f.Regression != nil:
		r := f.Regression
		fmt.Fprintf(w, "n=%d dependent=%s r2=%.3f adj.r2=%.3f F=%.3f p=%.4g\n", r.N, r.Dependent, r.R2, r.AdjR2, r.F, r.FP)
		for _, c := range r.Coefficients {
			fmt.Fprintf(w, "  %-12s b=%.3f se=%.3f t=%.3f p=%.4g\n", c.Term, c.Estimate, c.SE, c.T, c.P)
		}
	}
}

func writeFit(w io.Writer, n int, fit analysis.ModelFit) {
	fmt.Fprintf(w, "n=%d cfi=%.3f tli=%.3f rmsea=%.3f srmr=%.3f chisq=%.3f df=%g\n", n, fit.CFI, fit.TLI, fit.RMSEA, fit.SRMR, fit.ChiSq, fit.DF)
}

func writeParameters(w io.Writer, params []analysis.Parameter, op string) {
	for _, p := range params {
		if p.Op != op {
			continue
		}
		fmt.Fprintf(w, "  %s %s %-10s est=%.3f std=%.3f p=%.4g\n", p.LHS, p.Op, p.RHS, p.Est, p.StdAll, p.P)
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
