package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemasOnce sync.Once
	schemas     map[ProcedureID]*jsonschema.Schema
	schemasErr  error
)

// numbers accepts a sequence or a single value: the engine unboxes length-one
// vectors to scalars.
func numbers() map[string]any {
	return map[string]any{"type": []any{"array", "number", "null"}}
}

func records() map[string]any {
	return map[string]any{"type": []any{"array", "object"}}
}

// resultShape is the declared result shape for a procedure. Only the fields a
// caller cannot do without are required; everything else decodes to zero.
func resultShape(p ProcedureID) map[string]any {
	props := map[string]any{
		"n": map[string]any{"type": "number", "minimum": 0},
	}
	required := []any{"n"}
	switch p {
	case Descriptive:
		props["variables"] = map[string]any{"type": []any{"array", "string"}}
		required = append(required, "variables")
	case Correlation:
		props["r"] = numbers()
		required = append(required, "r")
	case Reliability:
		props["alpha"] = map[string]any{"type": []any{"number", "null"}}
		props["items"] = records()
		required = append(required, "items")
	case EFA:
		props["kmo"] = map[string]any{"type": "number"}
		props["bartlettP"] = map[string]any{"type": "number"}
		props["loadings"] = numbers()
		required = append(required, "loadings", "kmo", "bartlettP")
	case CFA, SEM:
		props["fit"] = map[string]any{
			"type":     "object",
			"required": []any{"cfi", "rmsea"},
		}
		props["parameters"] = records()
		required = append(required, "fit", "parameters")
	case Regression:
		props["coefficients"] = records()
		required = append(required, "coefficients")
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func compileShape(p ProcedureID) (*jsonschema.Schema, error) {
	b, err := json.Marshal(resultShape(p))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	name := string(p) + ".json"
	if err := c.AddResource(name, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

func shapeFor(p ProcedureID) (*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = map[ProcedureID]*jsonschema.Schema{}
		for _, id := range procedures {
			s, err := compileShape(id)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s result shape: %w", id, err)
				return
			}
			schemas[id] = s
		}
	})
	if schemasErr != nil {
		return nil, schemasErr
	}
	s, ok := schemas[p]
	if !ok {
		return nil, fmt.Errorf("no result shape for %s", p)
	}
	return s, nil
}

// normalizeValue converts an engine value into plain JSON types (float64,
// string, bool, nil, []any, map[string]any).
func normalizeValue(v map[string]any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
