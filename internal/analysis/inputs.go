package analysis

import (
	"fmt"
	"slices"
	"strings"

	"github.com/danshapiro/statflow/internal/dataset"
)

// Factor is one latent variable of a measurement model.
type Factor struct {
	Name       string   `json:"name"`
	Indicators []string `json:"indicators"`
}

// Path is one structural regression: Outcome ~ Predictors.
type Path struct {
	Outcome    string   `json:"outcome"`
	Predictors []string `json:"predictors"`
}

// Inputs are the caller's typed procedure inputs. Variables may hold column
// names or glob patterns such as "GV*"; which fields apply depends on the
// procedure.
type Inputs struct {
	Dataset   *dataset.Dataset `json:"-"`
	Variables []string         `json:"variables,omitempty"`
	Factors   []Factor         `json:"factors,omitempty"`
	Paths     []Path           `json:"paths,omitempty"`
	Dependent string           `json:"dependent,omitempty"`
	NFactors  int              `json:"nFactors,omitempty"`
	Rotation  string           `json:"rotation,omitempty"`
	Method    string           `json:"method,omitempty"`
}

// IsEmpty reports whether the caller supplied no selection at all.
func (in Inputs) IsEmpty() bool {
	return len(in.Variables) == 0 && len(in.Factors) == 0 && len(in.Paths) == 0 && strings.TrimSpace(in.Dependent) == ""
}

// plan is a fully resolved request.
type plan struct {
	procedure ProcedureID
	variables []string
	factors   []Factor
	paths     []Path
	dependent string
	nFactors  int
	rotation  string
	method    string
	columns   []string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInputs, fmt.Sprintf(format, args...))
}

func buildPlan(p ProcedureID, in Inputs, exclude []string) (*plan, error) {
	if in.Dataset == nil {
		return nil, invalid("no dataset loaded")
	}
	cols := in.Dataset.Names()
	pl := &plan{procedure: p}

	switch p {
	case CFA, SEM:
		if len(in.Factors) == 0 {
			return nil, invalid("%s needs at least one factor", p)
		}
		seen := map[string]bool{}
		for _, f := range in.Factors {
			name := strings.TrimSpace(f.Name)
			if name == "" {
				return nil, invalid("factor with no name")
			}
			if seen[name] {
				return nil, invalid("duplicate factor %q", name)
			}
			seen[name] = true
			ind, err := ResolveVariables(f.Indicators, cols, nil)
			if err != nil {
				return nil, invalid("factor %s: %v", name, err)
			}
			if len(ind) < 2 {
				return nil, invalid("factor %s needs at least 2 indicators", name)
			}
			pl.factors = append(pl.factors, Factor{Name: name, Indicators: ind})
			for _, v := range ind {
				if !slices.Contains(pl.variables, v) {
					pl.variables = append(pl.variables, v)
				}
			}
		}
		if p == SEM {
			if len(in.Paths) == 0 {
				return nil, invalid("sem needs at least one structural path")
			}
			for _, path := range in.Paths {
				out := strings.TrimSpace(path.Outcome)
				if out == "" || len(path.Predictors) == 0 {
					return nil, invalid("structural path needs an outcome and predictors")
				}
				pl.paths = append(pl.paths, Path{Outcome: out, Predictors: trimAll(path.Predictors)})
			}
		}
		pl.columns = pl.variables
		return pl, nil
	}

	vars, err := ResolveVariables(in.Variables, cols, exclude)
	if err != nil {
		return nil, invalid("%v", err)
	}
	pl.variables = vars
	pl.columns = vars

	switch p {
	case Descriptive:
		if len(vars) < 1 {
			return nil, invalid("descriptive needs at least one variable")
		}
	case Correlation:
		if len(vars) < 2 {
			return nil, invalid("correlation needs at least 2 variables")
		}
		pl.method = strings.ToLower(strings.TrimSpace(in.Method))
		if pl.method == "" {
			pl.method = "pearson"
		}
		if !slices.Contains([]string{"pearson", "spearman", "kendall"}, pl.method) {
			return nil, invalid("unknown correlation method %q", in.Method)
		}
	case Reliability:
		if len(vars) < 2 {
			return nil, invalid("reliability needs at least 2 items")
		}
	case EFA:
		if len(vars) < 3 {
			return nil, invalid("efa needs at least 3 variables")
		}
		if in.NFactors < 0 || in.NFactors > len(vars) {
			return nil, invalid("nFactors must be between 0 and %d", len(vars))
		}
		pl.nFactors = in.NFactors
		pl.rotation = normalizeRotation(in.Rotation)
		if pl.rotation == "" {
			return nil, invalid("unknown rotation %q", in.Rotation)
		}
	case Regression:
		dep := strings.TrimSpace(in.Dependent)
		if dep == "" {
			return nil, invalid("regression needs a dependent variable")
		}
		if !slices.Contains(cols, dep) {
			return nil, invalid("unknown dependent variable %q", dep)
		}
		vars = slices.DeleteFunc(vars, func(v string) bool { return v == dep })
		if len(vars) == 0 {
			return nil, invalid("regression needs at least one predictor")
		}
		pl.variables = vars
		pl.dependent = dep
		pl.columns = append([]string{dep}, vars...)
	}
	return pl, nil
}

func normalizeRotation(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "", "varimax":
		return "varimax"
	case "promax":
		return "promax"
	case "oblimin":
		return "oblimin"
	case "none":
		return "none"
	}
	return ""
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
