package analysis

import (
	"time"
)

// AnalysisResult is one completed procedure run. Exactly one member of Fields
// is set, matching Procedure.
type AnalysisResult struct {
	RequestID    string      `json:"requestId"`
	Procedure    ProcedureID `json:"procedureId"`
	Variables    []string    `json:"variables"`
	Fields       Fields      `json:"fields"`
	RawScript    string      `json:"rawScript"`
	ScriptDigest string      `json:"scriptDigest"`
	CompletedAt  time.Time   `json:"completedAt"`
}

type Fields struct {
	Descriptive  *DescriptiveResult  `json:"descriptive,omitempty"`
	Correlation  *CorrelationResult  `json:"correlation,omitempty"`
	Reliability  *ReliabilityResult  `json:"reliability,omitempty"`
	Exploratory  *ExploratoryResult  `json:"exploratory,omitempty"`
	Confirmatory *ConfirmatoryResult `json:"confirmatory,omitempty"`
	Structural   *StructuralResult   `json:"structural,omitempty"`
	Regression   *RegressionResult   `json:"regression,omitempty"`
}

type VariableSummary struct {
	Name    string  `json:"name"`
	Mean    float64 `json:"mean"`
	SD      float64 `json:"sd"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Missing int     `json:"missing"`
}

type DescriptiveResult struct {
	N         int               `json:"n"`
	Variables []VariableSummary `json:"variables"`
}

type CorrelationResult struct {
	N         int         `json:"n"`
	Method    string      `json:"method"`
	Variables []string    `json:"variables"`
	R         [][]float64 `json:"r"`
	P         [][]float64 `json:"p"`
}

type ItemStat struct {
	Name               string  `json:"name"`
	CorrectedItemTotal float64 `json:"correctedItemTotal"`
	AlphaIfDeleted     float64 `json:"alphaIfDeleted"`
	Mean               float64 `json:"mean"`
	SD                 float64 `json:"sd"`
}

type ReliabilityResult struct {
	N     int        `json:"n"`
	Alpha float64    `json:"alpha"`
	Items []ItemStat `json:"items"`
}

// ExploratoryResult holds loadings with one row per variable and one column
// per extracted factor.
type ExploratoryResult struct {
	N                 int         `json:"n"`
	KMO               float64     `json:"kmo"`
	BartlettChiSq     float64     `json:"bartlettChiSq"`
	BartlettDF        float64     `json:"bartlettDF"`
	BartlettP         float64     `json:"bartlettP"`
	NFactors          int         `json:"nFactors"`
	Rotation          string      `json:"rotation"`
	Variables         []string    `json:"variables"`
	Factors           []string    `json:"factors"`
	Loadings          [][]float64 `json:"loadings"`
	Communalities     []float64   `json:"communalities"`
	Eigenvalues       []float64   `json:"eigenvalues"`
	VarianceExplained []float64   `json:"varianceExplained"`
}

// Loading returns the loading of variable i on factor j, or 0 when absent.
func (r *ExploratoryResult) Loading(i, j int) float64 {
	if i < 0 || i >= len(r.Loadings) || j < 0 || j >= len(r.Loadings[i]) {
		return 0
	}
	return r.Loadings[i][j]
}

type ModelFit struct {
	CFI   float64 `json:"cfi"`
	TLI   float64 `json:"tli"`
	RMSEA float64 `json:"rmsea"`
	SRMR  float64 `json:"srmr"`
	ChiSq float64 `json:"chisq"`
	DF    float64 `json:"df"`
	P     float64 `json:"pvalue"`
}

// Parameter is one row of a lavaan parameter table. Op "=~" is an indicator
// loading, "~" a regression, "~~" a (co)variance.
type Parameter struct {
	LHS    string  `json:"lhs"`
	Op     string  `json:"op"`
	RHS    string  `json:"rhs"`
	Est    float64 `json:"est"`
	StdAll float64 `json:"stdAll"`
	SE     float64 `json:"se"`
	Z      float64 `json:"z"`
	P      float64 `json:"p"`
}

const OpLoading = "=~"

type ConfirmatoryResult struct {
	N          int         `json:"n"`
	Fit        ModelFit    `json:"fit"`
	Parameters []Parameter `json:"parameters"`
}

type StructuralResult struct {
	N          int                `json:"n"`
	Fit        ModelFit           `json:"fit"`
	Parameters []Parameter        `json:"parameters"`
	RSquared   map[string]float64 `json:"rSquared,omitempty"`
}

type Coefficient struct {
	Term     string  `json:"term"`
	Estimate float64 `json:"estimate"`
	SE       float64 `json:"se"`
	T        float64 `json:"t"`
	P        float64 `json:"p"`
	Std      float64 `json:"std"`
}

type RegressionResult struct {
	N            int           `json:"n"`
	Dependent    string        `json:"dependent"`
	R2           float64       `json:"r2"`
	AdjR2        float64       `json:"adjR2"`
	F            float64       `json:"f"`
	FP           float64       `json:"fP"`
	Coefficients []Coefficient `json:"coefficients"`
}
