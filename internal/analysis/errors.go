package analysis

import (
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindDataShapeMismatch             ErrorKind = "DataShapeMismatch"
	KindSingularMatrix                ErrorKind = "SingularMatrix"
	KindMissingData                   ErrorKind = "MissingData"
	KindModelNotIdentified            ErrorKind = "ModelNotIdentified"
	KindNonPositiveDefiniteCovariance ErrorKind = "NonPositiveDefiniteCovariance"
	KindCapabilityNotReady            ErrorKind = "CapabilityNotReady"
	KindUnknown                       ErrorKind = "Unknown"
)

var errorKinds = []ErrorKind{
	KindDataShapeMismatch,
	KindSingularMatrix,
	KindMissingData,
	KindModelNotIdentified,
	KindNonPositiveDefiniteCovariance,
	KindCapabilityNotReady,
	KindUnknown,
}

// ScriptExecutionError is a procedure the engine could not complete.
type ScriptExecutionError struct {
	Kind      ErrorKind
	Procedure ProcedureID
	Message   string
}

func (e *ScriptExecutionError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "no details"
	}
	return fmt.Sprintf("%s failed (%s): %s", e.Procedure, e.Kind, msg)
}

// Remediation is the user-facing next step for the error's kind.
func (e *ScriptExecutionError) Remediation() string {
	return Remediation(e.Kind)
}

func Remediation(k ErrorKind) string {
	switch k {
	case KindDataShapeMismatch:
		return "the engine returned an unexpected result; check that the selected variables exist and are numeric"
	case KindSingularMatrix:
		return "check for perfect collinearity or a constant variable"
	case KindMissingData:
		return "remove or impute missing values, or drop variables with too few observations"
	case KindModelNotIdentified:
		return "give each factor at least three indicators or fix additional parameters"
	case KindNonPositiveDefiniteCovariance:
		return "check for redundant items, very small samples or out-of-range correlations"
	case KindCapabilityNotReady:
		return "the required engine extension is not installed; install it and restart the engine"
	default:
		return "see the engine message for details"
	}
}
