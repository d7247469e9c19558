package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danshapiro/statflow/internal/analysis"
	"github.com/danshapiro/statflow/internal/engine"
	"github.com/danshapiro/statflow/internal/workflow"
)

type stubConn struct{}

func (stubConn) Probe(context.Context) bool                  { return true }
func (stubConn) LoadExtension(context.Context, string) error { return nil }
func (stubConn) Close() error                                { return nil }

func (stubConn) Submit(context.Context, engine.Request) (engine.Value, error) {
	return engine.Value{}, nil
}

type stubEngine struct {
	err  error
	gate chan struct{}
}

func (e *stubEngine) Connect(ctx context.Context) (engine.Conn, error) {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return stubConn{}, nil
}

// stubRunner returns canned results per procedure.
type stubRunner struct {
	mu      sync.Mutex
	results map[analysis.ProcedureID]*analysis.AnalysisResult
	err     error
	calls   []analysis.Inputs
}

func (r *stubRunner) Run(ctx context.Context, p analysis.ProcedureID, in analysis.Inputs) (*analysis.AnalysisResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in)
	if r.err != nil {
		return nil, r.err
	}
	res, ok := r.results[p]
	if !ok {
		return nil, errors.New("no canned result")
	}
	return res, nil
}

func reliabilityRun(items ...string) *analysis.AnalysisResult {
	rel := &analysis.ReliabilityResult{N: 150, Alpha: 0.84}
	for _, it := range items {
		rel.Items = append(rel.Items, analysis.ItemStat{Name: it, CorrectedItemTotal: 0.55})
	}
	return &analysis.AnalysisResult{
		RequestID: "req-1",
		Procedure: analysis.Reliability,
		Variables: items,
		Fields:    analysis.Fields{Reliability: rel},
	}
}

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	runner *stubRunner
	store  workflow.Store
}

func newTestServer(t *testing.T, eng engine.Engine, store workflow.Store) *testEnv {
	t.Helper()
	if eng == nil {
		eng = &stubEngine{}
	}
	if store == nil {
		store = workflow.NewMemoryStore()
	}
	runner := &stubRunner{results: map[analysis.ProcedureID]*analysis.AnalysisResult{
		analysis.Reliability: reliabilityRun("GV1", "GV2", "GV3", "GV4"),
	}}
	sess := engine.NewSession(eng, engine.Options{
		MaxRetries:        1,
		Backoff:           engine.BackoffConfig{BaseDelay: time.Millisecond},
		ReadyPollInterval: 10 * time.Millisecond,
		ReadyPollAttempts: 5,
	})
	srv := New(Config{Addr: ":0"}, Deps{Engine: sess, Runner: runner, Store: store, Logger: discardLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})
	return &testEnv{srv: srv, ts: ts, runner: runner, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func (e *testEnv) createSession(t *testing.T, id string) workflow.Snapshot {
	t.Helper()
	body := ""
	if id != "" {
		body = `{"session_id":"` + id + `"}`
	}
	resp, b := e.do(t, http.MethodPost, "/sessions", "application/json", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d want 201: %s", resp.StatusCode, b)
	}
	var snap workflow.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return snap
}

const surveyCSV = "GV1,GV2,GV3,GV4\n1,2,3,4\n2,3,4,5\n3,3,NA,4\n"

func TestIntegration_HealthEndpoint(t *testing.T) {
	env := newTestServer(t, nil, nil)
	resp, b := env.do(t, http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.Unmarshal(b, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["engine_state"] != string(engine.StateUninitialized) {
		t.Fatalf("got %v", body)
	}
}

func TestIntegration_GuidedChainSurvivesRestart(t *testing.T) {
	store := workflow.NewMemoryStore()
	env := newTestServer(t, nil, store)
	snap := env.createSession(t, "")
	if snap.Stage != workflow.StageUpload || snap.ID == "" {
		t.Fatalf("new session: %+v", snap)
	}
	base := "/sessions/" + snap.ID

	resp, b := env.do(t, http.MethodPut, base+"/dataset", "text/csv", surveyCSV)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dataset: got %d: %s", resp.StatusCode, b)
	}

	resp, b = env.do(t, http.MethodGet, base+"/profile", "", "")
	var prof ProfileResponse
	_ = json.Unmarshal(b, &prof)
	if resp.StatusCode != http.StatusOK || prof.Rows != 3 || len(prof.Columns) != 4 || prof.Columns[2].Missing != 1 {
		t.Fatalf("profile: %d %+v", resp.StatusCode, prof)
	}

	resp, b = env.do(t, http.MethodPost, base+"/navigate", "application/json", `{"stage":"reliability-select"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("navigate: got %d: %s", resp.StatusCode, b)
	}

	resp, b = env.do(t, http.MethodPost, base+"/run", "application/json", `{"procedure":"reliability","inputs":{"variables":["GV*"]}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run: got %d: %s", resp.StatusCode, b)
	}
	var res analysis.AnalysisResult
	_ = json.Unmarshal(b, &res)
	if res.Fields.Reliability == nil || res.Fields.Reliability.Alpha != 0.84 {
		t.Fatalf("run result: %s", b)
	}
	if got := env.runner.calls[0].Variables; len(got) != 1 || got[0] != "GV*" {
		t.Fatalf("runner inputs: %v", got)
	}

	resp, b = env.do(t, http.MethodGet, base+"/offer", "", "")
	var d workflow.GateDecision
	_ = json.Unmarshal(b, &d)
	if resp.StatusCode != http.StatusOK || !d.Eligible || d.Next != workflow.StageExploratory {
		t.Fatalf("offer: %d %+v", resp.StatusCode, d)
	}

	resp, b = env.do(t, http.MethodPost, base+"/promote", "", "")
	var pr PromoteResponse
	_ = json.Unmarshal(b, &pr)
	if resp.StatusCode != http.StatusOK || pr.Stage != workflow.StageExploratory || pr.Lineage == nil || len(pr.Lineage.GoodItems) != 4 {
		t.Fatalf("promote: %d %s", resp.StatusCode, b)
	}

	// A second server over the same store resumes the session.
	env2 := newTestServer(t, nil, store)
	resp, b = env2.do(t, http.MethodGet, base, "", "")
	var restored workflow.Snapshot
	_ = json.Unmarshal(b, &restored)
	if resp.StatusCode != http.StatusOK || restored.Stage != workflow.StageExploratory || restored.Lineage == nil {
		t.Fatalf("restored: %d %s", resp.StatusCode, b)
	}
	resp, b = env2.do(t, http.MethodGet, base+"/prefill", "", "")
	var in analysis.Inputs
	_ = json.Unmarshal(b, &in)
	if resp.StatusCode != http.StatusOK || len(in.Variables) != 4 {
		t.Fatalf("prefill: %d %s", resp.StatusCode, b)
	}
}

func TestIntegration_SessionNotFound(t *testing.T) {
	env := newTestServer(t, nil, nil)
	if resp, _ := env.do(t, http.MethodGet, "/sessions/nonexistent", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d want 404", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, "/sessions/bad.id", "", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("path-like id: got %d want 400", resp.StatusCode)
	}
}

func TestIntegration_CreateDuplicateSession(t *testing.T) {
	env := newTestServer(t, nil, nil)
	env.createSession(t, "alpha")
	resp, _ := env.do(t, http.MethodPost, "/sessions", "application/json", `{"session_id":"alpha"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("got %d want 409", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/sessions", "application/json", `{"session_id":"a/b"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id: got %d want 400", resp.StatusCode)
	}
}

func TestIntegration_WorkflowErrors(t *testing.T) {
	env := newTestServer(t, nil, nil)
	base := "/sessions/" + env.createSession(t, "beta").ID

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, base + "/profile", "", http.StatusBadRequest},
		{http.MethodPost, base + "/navigate", `{"stage":"nowhere"}`, http.StatusBadRequest},
		{http.MethodPost, base + "/navigate", `{"stage":"confirmatory-select"}`, http.StatusConflict},
		{http.MethodPost, base + "/run", `{"procedure":"reliability"}`, http.StatusConflict},
		{http.MethodPost, base + "/run", `{"procedure":"anova"}`, http.StatusBadRequest},
		{http.MethodPost, base + "/run", `{"procedure":"reliability","extra":1}`, http.StatusBadRequest},
		{http.MethodGet, base + "/offer", "", http.StatusConflict},
		{http.MethodPost, base + "/promote", "", http.StatusConflict},
	}
	for _, tc := range cases {
		resp, b := env.do(t, tc.method, tc.path, "application/json", tc.body)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s %s %s: got %d want %d: %s", tc.method, tc.path, tc.body, resp.StatusCode, tc.want, b)
		}
	}
}

func TestIntegration_ScriptFailureCarriesRemediation(t *testing.T) {
	env := newTestServer(t, nil, nil)
	env.runner.err = &analysis.ScriptExecutionError{Kind: analysis.KindSingularMatrix, Procedure: analysis.Regression, Message: "system is computationally singular"}
	base := "/sessions/" + env.createSession(t, "gamma").ID
	env.do(t, http.MethodPut, base+"/dataset", "text/csv", surveyCSV)
	env.do(t, http.MethodPost, base+"/navigate", "application/json", `{"stage":"regression-select"}`)

	resp, b := env.do(t, http.MethodPost, base+"/run", "application/json", `{"procedure":"regression","inputs":{"dependent":"GV1","variables":["GV2"]}}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("got %d want 422: %s", resp.StatusCode, b)
	}
	var er ErrorResponse
	_ = json.Unmarshal(b, &er)
	if er.Kind != string(analysis.KindSingularMatrix) || !strings.Contains(er.Remediation, "collinearity") {
		t.Fatalf("error body: %+v", er)
	}

	// The failed run leaves the session where it was.
	_, b = env.do(t, http.MethodGet, base, "", "")
	var snap workflow.Snapshot
	_ = json.Unmarshal(b, &snap)
	if snap.Stage != workflow.StageRegression {
		t.Fatalf("stage: got %s want %s", snap.Stage, workflow.StageRegression)
	}
}

func TestIntegration_DeleteSession(t *testing.T) {
	env := newTestServer(t, nil, nil)
	base := "/sessions/" + env.createSession(t, "delta").ID
	if resp, _ := env.do(t, http.MethodDelete, base, "", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: got %d want 204", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, base, "", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("after delete: got %d want 404", resp.StatusCode)
	}
}

func TestIntegration_JSONDataset(t *testing.T) {
	env := newTestServer(t, nil, nil)
	base := "/sessions/" + env.createSession(t, "eps").ID
	resp, b := env.do(t, http.MethodPut, base+"/dataset", "application/json", `{"columns":[{"name":"a","values":[1,null,3]}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d: %s", resp.StatusCode, b)
	}
	resp, _ = env.do(t, http.MethodPut, base+"/dataset", "application/json", `{"columns":[{"name":"a","values":[1]},{"name":"b","values":[1,2]}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("ragged columns: got %d want 400", resp.StatusCode)
	}
}

func TestIntegration_EngineAcquireAndStatus(t *testing.T) {
	env := newTestServer(t, nil, nil)
	resp, b := env.do(t, http.MethodPost, "/engine/acquire", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire: got %d: %s", resp.StatusCode, b)
	}
	_, b = env.do(t, http.MethodGet, "/engine/status", "", "")
	var st engine.Status
	_ = json.Unmarshal(b, &st)
	if !st.Ready || st.State != engine.StateReady {
		t.Fatalf("status: %+v", st)
	}
	if resp, _ := env.do(t, http.MethodGet, "/engine/wait", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("wait after ready: got %d", resp.StatusCode)
	}
}

func TestIntegration_EngineStartupFailure(t *testing.T) {
	env := newTestServer(t, &stubEngine{err: errors.New("connection refused")}, nil)
	resp, b := env.do(t, http.MethodPost, "/engine/acquire", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got %d want 503: %s", resp.StatusCode, b)
	}
	if !bytes.Contains(b, []byte("connection refused")) {
		t.Fatalf("body: %s", b)
	}
}

func TestIntegration_EngineWaitTimesOut(t *testing.T) {
	env := newTestServer(t, nil, nil)
	resp, _ := env.do(t, http.MethodGet, "/engine/wait", "", "")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("got %d want 504", resp.StatusCode)
	}
}

func TestIntegration_EngineEventsStream(t *testing.T) {
	eng := &stubEngine{gate: make(chan struct{})}
	env := newTestServer(t, eng, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/engine/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	go func() {
		_, _ = env.srv.engine.Acquire(context.Background())
	}()
	close(eng.gate)

	scanner := bufio.NewScanner(resp.Body)
	var sawProgress bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "starting engine") {
			sawProgress = true
		}
		if line == "event: ready" {
			break
		}
	}
	if !sawProgress {
		t.Fatal("no startup progress event before ready")
	}
}

func TestIntegration_CSRFBlocksCrossOrigin(t *testing.T) {
	env := newTestServer(t, nil, nil)
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("got %d want 403", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, env.ts.URL+"/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("localhost origin: got %d want 201", resp.StatusCode)
	}
}
