package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/danshapiro/statflow/internal/dataset"
	"github.com/danshapiro/statflow/internal/engine"
)

type scriptedConn struct {
	mu       sync.Mutex
	requests []engine.Request
	reply    func(req engine.Request) (engine.Value, error)
	missing  map[string]bool
}

func (c *scriptedConn) Probe(context.Context) bool { return true }

func (c *scriptedConn) LoadExtension(_ context.Context, name string) error {
	if c.missing[name] {
		return errors.New("there is no package called '" + name + "'")
	}
	return nil
}

func (c *scriptedConn) Submit(_ context.Context, req engine.Request) (engine.Value, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.reply(req)
}

func (c *scriptedConn) Close() error { return nil }

func (c *scriptedConn) last() engine.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

type scriptedEngine struct {
	conn     *scriptedConn
	connects int
}

func (e *scriptedEngine) Connect(context.Context) (engine.Conn, error) {
	e.connects++
	return e.conn, nil
}

func newTestExecutor(t *testing.T, reply func(engine.Request) (engine.Value, error), missing ...string) (*Executor, *scriptedEngine) {
	t.Helper()
	conn := &scriptedConn{reply: reply, missing: map[string]bool{}}
	for _, m := range missing {
		conn.missing[m] = true
	}
	eng := &scriptedEngine{conn: conn}
	sess := engine.NewSession(eng, engine.Options{Extensions: []engine.Extension{
		{Name: "psych"},
		{Name: "GPArotation", Optional: true},
		{Name: "lavaan", Optional: true},
	}})
	return NewExecutor(sess, Options{Exclude: []string{"*_id"}}), eng
}

func testDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	var cols []dataset.Column
	for _, n := range []string{"GV1", "GV2", "GV3", "GV4", "CT1", "CT2", "CT3", "resp_id"} {
		cols = append(cols, dataset.Column{Name: n, Values: []float64{1, 2, 3, 4, 5}})
	}
	ds, err := dataset.New(cols...)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	return ds
}

func reliabilityReply(rs ...float64) func(engine.Request) (engine.Value, error) {
	return func(engine.Request) (engine.Value, error) {
		items := make([]any, 0, len(rs))
		for i, r := range rs {
			items = append(items, map[string]any{
				"name":               "item" + string(rune('1'+i)),
				"correctedItemTotal": r,
				"alphaIfDeleted":     0.7,
			})
		}
		return engine.Value{"n": 150, "alpha": 0.81, "items": items}, nil
	}
}

func TestRun_ReliabilityDecodesByName(t *testing.T) {
	x, _ := newTestExecutor(t, reliabilityReply(0.45, 0.52))
	res, err := x.Run(context.Background(), Reliability, Inputs{Dataset: testDataset(t), Variables: []string{"GV2", "GV1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := res.Fields.Reliability
	if r == nil || res.Fields.Exploratory != nil {
		t.Fatalf("fields: %+v", res.Fields)
	}
	if r.N != 150 || r.Alpha != 0.81 || len(r.Items) != 2 || r.Items[1].CorrectedItemTotal != 0.52 {
		t.Fatalf("reliability: %+v", r)
	}
	if got := strings.Join(res.Variables, ","); got != "GV2,GV1" {
		t.Fatalf("variables: got %s want GV2,GV1", got)
	}
	if res.RequestID == "" || len(res.ScriptDigest) != 64 || res.CompletedAt.IsZero() {
		t.Fatalf("metadata: %+v", res)
	}
}

func TestRun_ReliabilityItemsFollowSubmittedOrder(t *testing.T) {
	reply := func(engine.Request) (engine.Value, error) {
		var items []any
		for _, n := range []string{"GV4", "GV3", "GV2", "GV1"} {
			items = append(items, map[string]any{"name": n, "correctedItemTotal": 0.5})
		}
		return engine.Value{"n": 5, "alpha": 0.8, "items": items}, nil
	}
	x, _ := newTestExecutor(t, reply)
	res, err := x.Run(context.Background(), Reliability, Inputs{Dataset: testDataset(t), Variables: []string{"GV1", "GV2", "GV3", "GV4"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var got []string
	for _, it := range res.Fields.Reliability.Items {
		got = append(got, it.Name)
	}
	if strings.Join(got, ",") != "GV1,GV2,GV3,GV4" {
		t.Fatalf("got %v want [GV1 GV2 GV3 GV4]", got)
	}
}

func TestRun_PayloadIsDeterministicAndOrdered(t *testing.T) {
	x, eng := newTestExecutor(t, reliabilityReply(0.4, 0.4, 0.4))
	in := Inputs{Dataset: testDataset(t), Variables: []string{"CT*", "GV1"}}
	a, err := x.Run(context.Background(), Reliability, in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	first := eng.conn.last()
	b, _ := x.Run(context.Background(), Reliability, in)
	second := eng.conn.last()
	if first.Script != second.Script || string(first.Data) != string(second.Data) {
		t.Fatal("payload differs between identical requests")
	}
	if a.ScriptDigest != b.ScriptDigest || a.RequestID == b.RequestID {
		t.Fatalf("digest should match and request ids differ: %s %s %s %s", a.ScriptDigest, b.ScriptDigest, a.RequestID, b.RequestID)
	}
	if !strings.Contains(first.Script, `vars <- c("CT1", "CT2", "CT3", "GV1")`) {
		t.Fatalf("script variables:\n%s", first.Script)
	}
	var ds dataset.Dataset
	if err := json.Unmarshal(first.Data, &ds); err != nil {
		t.Fatalf("data: %v", err)
	}
	if got := strings.Join(ds.Names(), ","); got != "CT1,CT2,CT3,GV1" {
		t.Fatalf("data columns: got %s", got)
	}
	if eng.connects != 1 {
		t.Fatalf("connects: got %d want 1", eng.connects)
	}
}

func TestRun_MissingRequiredCountIsDataShapeMismatch(t *testing.T) {
	x, _ := newTestExecutor(t, func(engine.Request) (engine.Value, error) {
		return engine.Value{"alpha": 0.8, "items": []any{}}, nil
	})
	_, err := x.Run(context.Background(), Reliability, Inputs{Dataset: testDataset(t), Variables: []string{"GV*"}})
	var se *ScriptExecutionError
	if !errors.As(err, &se) || se.Kind != KindDataShapeMismatch {
		t.Fatalf("got %v want DataShapeMismatch", err)
	}
}

func TestRun_AbsentOptionalFieldsDefaultToZero(t *testing.T) {
	x, _ := newTestExecutor(t, func(engine.Request) (engine.Value, error) {
		return engine.Value{"n": 10, "items": []any{map[string]any{"correctedItemTotal": nil}}}, nil
	})
	res, err := x.Run(context.Background(), Reliability, Inputs{Dataset: testDataset(t), Variables: []string{"GV1", "GV2"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := res.Fields.Reliability
	if r.Alpha != 0 || r.Items[0].CorrectedItemTotal != 0 || r.Items[0].Name != "GV1" {
		t.Fatalf("reliability: %+v", r)
	}
}

func TestRun_ExcludePatternsApplied(t *testing.T) {
	x, _ := newTestExecutor(t, func(engine.Request) (engine.Value, error) {
		return engine.Value{"n": 5, "variables": []any{"GV1"}}, nil
	})
	res, err := x.Run(context.Background(), Descriptive, Inputs{Dataset: testDataset(t), Variables: []string{"*"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, v := range res.Variables {
		if v == "resp_id" {
			t.Fatalf("excluded variable selected: %v", res.Variables)
		}
	}
	if len(res.Variables) != 7 {
		t.Fatalf("variables: %v", res.Variables)
	}
}

func TestRun_StructuredKindWins(t *testing.T) {
	x, _ := newTestExecutor(t, func(engine.Request) (engine.Value, error) {
		return nil, &engine.ScriptError{Kind: "model_not_identified", Message: "system is computationally singular"}
	})
	_, err := x.Run(context.Background(), Reliability, Inputs{Dataset: testDataset(t), Variables: []string{"GV*"}})
	var se *ScriptExecutionError
	if !errors.As(err, &se) || se.Kind != KindModelNotIdentified || se.Procedure != Reliability {
		t.Fatalf("got %v", err)
	}
}

func TestRun_MessageFallbackClassification(t *testing.T) {
	x, _ := newTestExecutor(t, func(engine.Request) (engine.Value, error) {
		return nil, &engine.ScriptError{Message: "Error in solve.default(r): system is computationally singular: reciprocal condition number = 1e-18"}
	})
	_, err := x.Run(context.Background(), EFA, Inputs{Dataset: testDataset(t), Variables: []string{"GV*"}})
	var se *ScriptExecutionError
	if !errors.As(err, &se) || se.Kind != KindSingularMatrix {
		t.Fatalf("got %v", err)
	}
	if se.Remediation() != "check for perfect collinearity or a constant variable" {
		t.Fatalf("remediation: %s", se.Remediation())
	}
}

func TestRun_CapabilityNotReadyWhenExtensionMissing(t *testing.T) {
	x, eng := newTestExecutor(t, func(engine.Request) (engine.Value, error) {
		t.Fatal("should not submit")
		return nil, nil
	}, "lavaan")
	_, err := x.Run(context.Background(), CFA, Inputs{Dataset: testDataset(t), Factors: []Factor{{Name: "GV", Indicators: []string{"GV*"}}}})
	var se *ScriptExecutionError
	if !errors.As(err, &se) || se.Kind != KindCapabilityNotReady {
		t.Fatalf("got %v want CapabilityNotReady", err)
	}
	if eng.connects != 1 {
		t.Fatalf("connects: %d", eng.connects)
	}
}

func TestRun_InvalidInputsDoNotStartEngine(t *testing.T) {
	x, eng := newTestExecutor(t, reliabilityReply())
	cases := []struct {
		p  ProcedureID
		in Inputs
	}{
		{Reliability, Inputs{Dataset: testDataset(t), Variables: []string{"GV1"}}},
		{Reliability, Inputs{Dataset: testDataset(t), Variables: []string{"nope"}}},
		{EFA, Inputs{Dataset: testDataset(t), Variables: []string{"GV*"}, Rotation: "spin"}},
		{Regression, Inputs{Dataset: testDataset(t), Variables: []string{"GV1"}, Dependent: "GV1"}},
		{SEM, Inputs{Dataset: testDataset(t), Factors: []Factor{{Name: "GV", Indicators: []string{"GV*"}}}}},
		{Descriptive, Inputs{Variables: []string{"GV1"}}},
		{ProcedureID("anova"), Inputs{Dataset: testDataset(t)}},
	}
	for _, tc := range cases {
		if _, err := x.Run(context.Background(), tc.p, tc.in); !errors.Is(err, ErrInvalidInputs) {
			t.Fatalf("%s %+v: got %v want ErrInvalidInputs", tc.p, tc.in, err)
		}
	}
	if eng.connects != 0 {
		t.Fatalf("connects: got %d want 0", eng.connects)
	}
}

func TestRun_LifecycleErrorPropagates(t *testing.T) {
	x := NewExecutor(failingAcquirer{}, Options{})
	_, err := x.Run(context.Background(), Descriptive, Inputs{Dataset: testDataset(t), Variables: []string{"GV1"}})
	var ie *engine.InitError
	if !errors.As(err, &ie) || ie.Attempts != 3 {
		t.Fatalf("got %v want InitError", err)
	}
}

type failingAcquirer struct{}

func (failingAcquirer) Acquire(context.Context) (*engine.Handle, error) {
	return nil, &engine.InitError{Attempts: 3, Cause: errors.New("boom")}
}

func TestRun_ExploratoryAndConfirmatory(t *testing.T) {
	x, _ := newTestExecutor(t, func(req engine.Request) (engine.Value, error) {
		switch {
		case strings.Contains(req.Script, "psych::fa("):
			return engine.Value{
				"n": 150, "kmo": 0.75, "bartlettP": 0.001,
				"loadings": []any{[]any{0.62}, []any{0.55}, []any{0.18}, []any{0.71}},
			}, nil
		case strings.Contains(req.Script, "lavaan::sem("):
			return engine.Value{
				"n": 150, "fit": map[string]any{"cfi": 0.95, "rmsea": 0.05},
				"parameters": []any{map[string]any{"lhs": "HL", "op": "~", "rhs": "GV", "est": 0.4}},
				"r2":         map[string]any{"HL": 0.31},
			}, nil
		default:
			return engine.Value{
				"n": 150, "fit": map[string]any{"cfi": 0.93, "rmsea": 0.06, "tli": 0.91},
				"parameters": map[string]any{"lhs": "GV", "op": "=~", "rhs": "GV1", "est": 1},
			}, nil
		}
	})
	ds := testDataset(t)
	efa, err := x.Run(context.Background(), EFA, Inputs{Dataset: ds, Variables: []string{"GV*"}})
	if err != nil {
		t.Fatalf("efa: %v", err)
	}
	e := efa.Fields.Exploratory
	if e.NFactors != 1 || len(e.Factors) != 1 || e.Factors[0] != "F1" || e.Loading(3, 0) != 0.71 || e.Rotation != "varimax" {
		t.Fatalf("efa: %+v", e)
	}
	if len(e.Variables) != 4 || e.Variables[0] != "GV1" {
		t.Fatalf("efa variables: %v", e.Variables)
	}

	cfa, err := x.Run(context.Background(), CFA, Inputs{Dataset: ds, Factors: []Factor{{Name: "GV", Indicators: []string{"GV1", "GV2", "GV3"}}}})
	if err != nil {
		t.Fatalf("cfa: %v", err)
	}
	c := cfa.Fields.Confirmatory
	if c.Fit.CFI != 0.93 || c.Fit.TLI != 0.91 || len(c.Parameters) != 1 || c.Parameters[0].Op != OpLoading {
		t.Fatalf("cfa: %+v", c)
	}
	if !strings.Contains(cfa.RawScript, `GV =~ GV1 + GV2 + GV3`) {
		t.Fatalf("model missing from script:\n%s", cfa.RawScript)
	}

	sem, err := x.Run(context.Background(), SEM, Inputs{
		Dataset: ds,
		Factors: []Factor{{Name: "GV", Indicators: []string{"GV*"}}, {Name: "CT", Indicators: []string{"CT*"}}},
		Paths:   []Path{{Outcome: "CT", Predictors: []string{"GV"}}},
	})
	if err != nil {
		t.Fatalf("sem: %v", err)
	}
	s := sem.Fields.Structural
	if s.RSquared["HL"] != 0.31 || s.Fit.RMSEA != 0.05 {
		t.Fatalf("sem: %+v", s)
	}
	if !strings.Contains(sem.RawScript, `CT ~ GV`) {
		t.Fatalf("path missing from script:\n%s", sem.RawScript)
	}
}

func TestRun_RegressionPutsDependentFirst(t *testing.T) {
	x, eng := newTestExecutor(t, func(engine.Request) (engine.Value, error) {
		return engine.Value{"n": 5, "r2": 0.4, "coefficients": []any{
			map[string]any{"term": "(Intercept)", "estimate": 1.2},
			map[string]any{"term": "GV1", "estimate": 0.3, "std": 0.5},
		}}, nil
	})
	res, err := x.Run(context.Background(), Regression, Inputs{Dataset: testDataset(t), Dependent: "CT1", Variables: []string{"GV1", "CT1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := res.Fields.Regression
	if r.Dependent != "CT1" || r.R2 != 0.4 || len(r.Coefficients) != 2 || r.Coefficients[1].Std != 0.5 {
		t.Fatalf("regression: %+v", r)
	}
	var ds dataset.Dataset
	_ = json.Unmarshal(eng.conn.last().Data, &ds)
	if got := strings.Join(ds.Names(), ","); got != "CT1,GV1" {
		t.Fatalf("data columns: %s", got)
	}
	if !strings.Contains(res.RawScript, "lm(`CT1` ~ `GV1`, data = df)") {
		t.Fatalf("formula:\n%s", res.RawScript)
	}
}

func TestRun_CorrelationSingleRowMatrix(t *testing.T) {
	x, _ := newTestExecutor(t, func(engine.Request) (engine.Value, error) {
		return engine.Value{"n": 5, "r": []any{[]any{1, 0.5}, []any{0.5, 1}}}, nil
	})
	res, err := x.Run(context.Background(), Correlation, Inputs{Dataset: testDataset(t), Variables: []string{"GV1", "GV2"}, Method: "Spearman"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	c := res.Fields.Correlation
	if c.Method != "spearman" || len(c.R) != 2 || c.R[0][1] != 0.5 || len(c.Variables) != 2 {
		t.Fatalf("correlation: %+v", c)
	}
}
