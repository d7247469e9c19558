// Package analysis turns a procedure request into an engine script, submits
// it through the shared engine session and decodes the engine's named result
// tree into typed records.
//
// Scripts read the submitted data as the data frame `df` and evaluate to a
// named list, which the engine returns as a JSON object.
package analysis

import (
	"errors"
	"fmt"
	"strings"
)

type ProcedureID string

const (
	Descriptive ProcedureID = "descriptive"
	Correlation ProcedureID = "correlation"
	Reliability ProcedureID = "reliability"
	EFA         ProcedureID = "efa"
	CFA         ProcedureID = "cfa"
	SEM         ProcedureID = "sem"
	Regression  ProcedureID = "regression"
)

var procedures = []ProcedureID{Descriptive, Correlation, Reliability, EFA, CFA, SEM, Regression}

// ErrInvalidInputs marks requests rejected before anything is submitted.
var ErrInvalidInputs = errors.New("invalid analysis inputs")

func Procedures() []ProcedureID { return append([]ProcedureID{}, procedures...) }

func ParseProcedure(s string) (ProcedureID, error) {
	p := ProcedureID(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range procedures {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown procedure %q", ErrInvalidInputs, s)
}

// requiredExtensions lists the engine extensions a request cannot run without.
func requiredExtensions(p ProcedureID, in Inputs) []string {
	switch p {
	case Reliability:
		return []string{"psych"}
	case EFA:
		if normalizeRotation(in.Rotation) == "oblimin" {
			return []string{"psych", "GPArotation"}
		}
		return []string{"psych"}
	case CFA, SEM:
		return []string{"lavaan"}
	default:
		return nil
	}
}
