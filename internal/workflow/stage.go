package workflow

import (
	"fmt"
	"strings"

	"github.com/danshapiro/statflow/internal/analysis"
)

type Stage string

const (
	StageUpload       Stage = "upload"
	StageProfile      Stage = "profile"
	StageAnalyze      Stage = "analyze"
	StageDescriptive  Stage = "descriptive-select"
	StageCorrelation  Stage = "correlation-select"
	StageRegression   Stage = "regression-select"
	StageReliability  Stage = "reliability-select"
	StageExploratory  Stage = "exploratory-select"
	StageConfirmatory Stage = "confirmatory-select"
	StageStructural   Stage = "structural-select"
	StageResults      Stage = "results"
)

var stages = []Stage{
	StageUpload, StageProfile, StageAnalyze,
	StageDescriptive, StageCorrelation, StageRegression, StageReliability,
	StageExploratory, StageConfirmatory, StageStructural,
	StageResults,
}

func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range stages {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Guided stages are only entered through a fired gate.
func (s Stage) Guided() bool {
	return s == StageExploratory || s == StageConfirmatory || s == StageStructural
}

// SelectStage is the stage a procedure is chosen and run from.
func SelectStage(p analysis.ProcedureID) Stage {
	switch p {
	case analysis.Descriptive:
		return StageDescriptive
	case analysis.Correlation:
		return StageCorrelation
	case analysis.Regression:
		return StageRegression
	case analysis.Reliability:
		return StageReliability
	case analysis.EFA:
		return StageExploratory
	case analysis.CFA:
		return StageConfirmatory
	case analysis.SEM:
		return StageStructural
	}
	return ""
}
