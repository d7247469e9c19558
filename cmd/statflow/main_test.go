package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/danshapiro/statflow/internal/analysis"
	"github.com/danshapiro/statflow/internal/dataset"
	"github.com/danshapiro/statflow/internal/workflow"
)

func TestParseRunArgs(t *testing.T) {
	opts, err := parseRunArgs([]string{
		"--data", "survey.csv", "--procedure", "SEM",
		"--factor", "GV=GV1, GV2,GV3", "--factor", "HL=HL1,HL2,HL3",
		"--path", "HL=GV", "--var", "a,b", "--promote", "--json",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.procedure != analysis.SEM || !opts.promote || !opts.asJSON {
		t.Fatalf("got %+v", opts)
	}
	wantFactors := []analysis.Factor{
		{Name: "GV", Indicators: []string{"GV1", "GV2", "GV3"}},
		{Name: "HL", Indicators: []string{"HL1", "HL2", "HL3"}},
	}
	if !reflect.DeepEqual(opts.inputs.Factors, wantFactors) {
		t.Fatalf("factors: got %+v want %+v", opts.inputs.Factors, wantFactors)
	}
	if !reflect.DeepEqual(opts.inputs.Paths, []analysis.Path{{Outcome: "HL", Predictors: []string{"GV"}}}) {
		t.Fatalf("paths: %+v", opts.inputs.Paths)
	}
	if !reflect.DeepEqual(opts.inputs.Variables, []string{"a", "b"}) {
		t.Fatalf("variables: %v", opts.inputs.Variables)
	}
}

func TestParseRunArgs_Errors(t *testing.T) {
	cases := map[string][]string{
		"missing data":      {"--procedure", "descriptive"},
		"missing procedure": {"--data", "x.csv"},
		"unknown procedure": {"--data", "x.csv", "--procedure", "anova"},
		"bad factor":        {"--data", "x.csv", "--procedure", "cfa", "--factor", "GV"},
		"dangling flag":     {"--data"},
		"unknown flag":      {"--data", "x.csv", "--procedure", "efa", "--verbose"},
		"negative nfactors": {"--data", "x.csv", "--procedure", "efa", "--nfactors", "-1"},
	}
	for name, args := range cases {
		if _, err := parseRunArgs(args); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseRunArgs_UnknownFlagDoesNotConsumeNext(t *testing.T) {
	_, err := parseRunArgs([]string{"--data", "x.csv", "--procedure", "efa", "--bogus", "--json"})
	if err == nil || err.Error() != "unknown arg: --bogus" {
		t.Fatalf("got %v want unknown arg: --bogus", err)
	}
}

func TestGendata_CSVIsDeterministic(t *testing.T) {
	var a, b, stderr bytes.Buffer
	if code := runGendata([]string{"--n", "20", "--seed", "7"}, &a, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	runGendata([]string{"--n", "20", "--seed", "7"}, &b, &stderr)
	if a.String() != b.String() {
		t.Fatal("same seed produced different data")
	}
	lines := strings.Split(strings.TrimSpace(a.String()), "\n")
	if len(lines) != 21 {
		t.Fatalf("got %d lines want 21", len(lines))
	}
	if got := len(strings.Split(lines[0], ",")); got != 28 {
		t.Fatalf("got %d columns want 28", got)
	}
}

func TestGendata_JSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "survey.json")
	var stdout, stderr bytes.Buffer
	if code := runGendata([]string{"--n", "5", "--format", "json", "--out", out}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var ds dataset.Dataset
	if err := json.Unmarshal(b, &ds); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ds.Rows() != 5 {
		t.Fatalf("rows: got %d want 5", ds.Rows())
	}
	if code := runGendata([]string{"--format", "xml"}, &stdout, &stderr); code != 1 {
		t.Fatalf("bad format: exit %d", code)
	}
}

func writeConfig(t *testing.T, stateDir string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "run.yaml")
	body := "version: 1\nworkflow:\n  state_dir: " + stateDir + "\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStatusAndReset(t *testing.T) {
	stateDir := t.TempDir()
	cfgPath := writeConfig(t, stateDir)
	store, err := workflow.NewFileStore(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := workflow.EncodeLineage(&workflow.Lineage{
		Type:      workflow.LineageExploratory,
		Variables: []string{"GV1", "GV2", "GV3"},
		Factors:   []analysis.Factor{{Name: "F1", Indicators: []string{"GV1", "GV2", "GV3"}}},
	})
	if err := store.Save("s1", rec); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := runStatus([]string{"--config", cfgPath}, &stdout, &stderr); code != 0 || strings.TrimSpace(stdout.String()) != "s1" {
		t.Fatalf("list: exit %d out %q err %q", code, stdout.String(), stderr.String())
	}

	stdout.Reset()
	if code := runStatus([]string{"--config", cfgPath, "--session", "s1"}, &stdout, &stderr); code != 0 {
		t.Fatalf("status: exit %d: %s", code, stderr.String())
	}
	for _, want := range []string{"type=exploratory-factor", "resume=confirmatory-select", "factor F1=GV1,GV2,GV3"} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("status output missing %q:\n%s", want, stdout.String())
		}
	}

	stdout.Reset()
	if code := runReset([]string{"--config", cfgPath, "--session", "s1"}, &stdout, &stderr); code != 0 {
		t.Fatalf("reset: exit %d: %s", code, stderr.String())
	}
	stderr.Reset()
	if code := runStatus([]string{"--config", cfgPath, "--session", "s1"}, &stdout, &stderr); code != 1 || !strings.Contains(stderr.String(), "no stored lineage") {
		t.Fatalf("after reset: exit %d err %q", code, stderr.String())
	}
}

func TestValidateConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cfgPath := writeConfig(t, t.TempDir())
	if code := runValidateConfig([]string{"--config", cfgPath}, &stdout, &stderr); code != 0 || !strings.HasPrefix(stdout.String(), "ok:") {
		t.Fatalf("exit %d out %q err %q", code, stdout.String(), stderr.String())
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("version: 1\nengine:\n  autostart:\n    enabled: true\n"), 0o644)
	stderr.Reset()
	if code := runValidateConfig([]string{"--config", bad}, &stdout, &stderr); code != 1 || !strings.Contains(stderr.String(), "autostart.command") {
		t.Fatalf("bad config: exit %d err %q", code, stderr.String())
	}
}

type cannedRunner struct {
	res *analysis.AnalysisResult
}

func (r cannedRunner) Run(ctx context.Context, p analysis.ProcedureID, in analysis.Inputs) (*analysis.AnalysisResult, error) {
	return r.res, nil
}

func TestRunInSession_PromotesReliability(t *testing.T) {
	rel := &analysis.ReliabilityResult{N: 3, Alpha: 0.8}
	for _, name := range []string{"a", "b", "c", "d"} {
		rel.Items = append(rel.Items, analysis.ItemStat{Name: name, CorrectedItemTotal: 0.6})
	}
	runner := cannedRunner{res: &analysis.AnalysisResult{
		Procedure: analysis.Reliability,
		Variables: []string{"a", "b", "c", "d"},
		Fields:    analysis.Fields{Reliability: rel},
	}}
	store := workflow.NewMemoryStore()
	o, err := workflow.New("cli", runner, workflow.Options{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	ds, _ := dataset.New(
		dataset.Column{Name: "a", Values: []float64{1, 2, 3}},
		dataset.Column{Name: "b", Values: []float64{1, 2, 3}},
		dataset.Column{Name: "c", Values: []float64{1, 2, 3}},
		dataset.Column{Name: "d", Values: []float64{1, 2, 3}},
	)
	opts := &runOptions{procedure: analysis.Reliability, promote: true}

	var stdout, stderr bytes.Buffer
	if code := runInSession(o, opts, ds, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "alpha=0.800") || !strings.Contains(stdout.String(), "promoted to exploratory-select") {
		t.Fatalf("output:\n%s", stdout.String())
	}
	if _, err := store.Load("cli"); err != nil {
		t.Fatalf("lineage not persisted: %v", err)
	}
}

func TestRunInSession_GuidedStageNeedsLineage(t *testing.T) {
	o, _ := workflow.New("fresh", cannedRunner{}, workflow.Options{})
	ds, _ := dataset.New(dataset.Column{Name: "a", Values: []float64{1}})
	var stdout, stderr bytes.Buffer
	code := runInSession(o, &runOptions{procedure: analysis.CFA}, ds, &stdout, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "no lineage") {
		t.Fatalf("exit %d err %q", code, stderr.String())
	}
}
