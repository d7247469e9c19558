package analysis

import (
	"strings"
)

const maxUnknownMessage = 400

// classifyFailure maps an engine failure to a ScriptExecutionError. A
// structured kind from the engine boundary wins; otherwise the raw message is
// matched against known phrases.
func classifyFailure(p ProcedureID, kind, message string) *ScriptExecutionError {
	if k, ok := parseKind(kind); ok && k != KindUnknown {
		return &ScriptExecutionError{Kind: k, Procedure: p, Message: message}
	}
	k := classifyMessage(message)
	if k == KindUnknown {
		message = truncate(strings.TrimSpace(message), maxUnknownMessage)
	}
	return &ScriptExecutionError{Kind: k, Procedure: p, Message: message}
}

// parseKind accepts a kind in any of CamelCase, snake_case or kebab-case.
func parseKind(s string) (ErrorKind, bool) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(s)))
	if norm == "" {
		return "", false
	}
	for _, k := range errorKinds {
		if strings.ToLower(string(k)) == norm {
			return k, true
		}
	}
	return "", false
}

// Order matters: a non-positive-definite message often also mentions a
// singular matrix.
var messagePhrases = []struct {
	kind    ErrorKind
	phrases []string
}{
	{KindCapabilityNotReady, []string{
		"there is no package called",
		"could not find function",
	}},
	{KindNonPositiveDefiniteCovariance, []string{
		"not positive definite",
		"not positive-definite",
		"non-positive definite",
		"is not pd",
	}},
	{KindSingularMatrix, []string{
		"computationally singular",
		"exactly singular",
		"singular matrix",
		"matrix is singular",
	}},
	{KindModelNotIdentified, []string{
		"not identified",
		"degrees of freedom is negative",
		"could not compute standard errors",
	}},
	{KindMissingData, []string{
		"missing values",
		"na/nan/inf",
		"no complete cases",
		"incomplete cases",
		"not enough finite observations",
	}},
	{KindDataShapeMismatch, []string{
		"undefined columns selected",
		"subscript out of bounds",
		"non-conformable",
		"differing number of rows",
		"must be numeric",
	}},
}

func classifyMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, e := range messagePhrases {
		for _, p := range e.phrases {
			if strings.Contains(lower, p) {
				return e.kind
			}
		}
	}
	return KindUnknown
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
