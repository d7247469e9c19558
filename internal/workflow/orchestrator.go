// Package workflow drives a user session through the analysis stages and the
// guided chain reliability -> exploratory -> confirmatory -> structural. Each
// fired gate overwrites the session's lineage, which is persisted so a
// restarted process resumes where the user left off.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/danshapiro/statflow/internal/analysis"
	"github.com/danshapiro/statflow/internal/dataset"
)

var (
	ErrNoDataset   = errors.New("no dataset loaded")
	ErrNoResult    = errors.New("no analysis result")
	ErrStageLocked = errors.New("stage is not unlocked")
	ErrWrongStage  = errors.New("procedure cannot run from the current stage")
	ErrNotEligible = errors.New("next stage is not eligible")
)

// Runner executes procedures. *analysis.Executor implements it.
type Runner interface {
	Run(ctx context.Context, p analysis.ProcedureID, in analysis.Inputs) (*analysis.AnalysisResult, error)
}

type Options struct {
	Store  Store
	Logger *log.Logger
}

type Orchestrator struct {
	id     string
	runner Runner
	store  Store
	logger *log.Logger

	runMu sync.Mutex

	mu      sync.Mutex
	stage   Stage
	lineage *Lineage
	data    *dataset.Dataset
	last    *analysis.AnalysisResult
}

func newOrchestrator(id string, runner Runner, opts Options) *Orchestrator {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{id: id, runner: runner, store: opts.Store, logger: opts.Logger, stage: StageUpload}
}

// New starts a fresh session, discarding any lineage stored under id.
func New(id string, runner Runner, opts Options) (*Orchestrator, error) {
	if err := checkSessionID(id); err != nil {
		return nil, err
	}
	o := newOrchestrator(id, runner, opts)
	if err := o.store.Delete(id); err != nil {
		return nil, fmt.Errorf("clear lineage for %s: %w", id, err)
	}
	return o, nil
}

// Restore resumes the session stored under id. An absent or unreadable record
// starts the session with no lineage.
func Restore(id string, runner Runner, opts Options) (*Orchestrator, error) {
	if err := checkSessionID(id); err != nil {
		return nil, err
	}
	o := newOrchestrator(id, runner, opts)
	b, err := o.store.Load(id)
	switch {
	case errors.Is(err, ErrNotFound):
		return o, nil
	case err != nil:
		o.logger.Printf("session %s: lineage unreadable, starting without it: %v", id, err)
		return o, nil
	}
	l, err := DecodeLineage(b)
	if err != nil {
		o.logger.Printf("session %s: %v; starting without lineage", id, err)
		return o, nil
	}
	o.lineage = l
	o.stage = l.Unlocks()
	o.logger.Printf("session %s: restored %s lineage (%d variables), resuming at %s", id, l.Type, len(l.Variables), o.stage)
	return o, nil
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) Stage() Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage
}

// Lineage returns a copy of the active lineage, or nil.
func (o *Orchestrator) Lineage() *Lineage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lineage.clone()
}

func (o *Orchestrator) LastResult() *analysis.AnalysisResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Orchestrator) Dataset() *dataset.Dataset {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data
}

// LoadDataset attaches the session's data and moves to the profile stage.
// The previous result no longer describes this data and is dropped; lineage
// is kept.
func (o *Orchestrator) LoadDataset(ds *dataset.Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = ds
	o.last = nil
	o.stage = StageProfile
	return nil
}

func (o *Orchestrator) Profile() ([]dataset.ColumnProfile, error) {
	ds := o.Dataset()
	if ds == nil {
		return nil, ErrNoDataset
	}
	return dataset.Profile(ds), nil
}

// Navigate moves to s on the user's request. Guided stages are only reachable
// when the current lineage already unlocked them.
func (o *Orchestrator) Navigate(s Stage) error {
	if _, err := ParseStage(string(s)); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case s == StageResults && o.last == nil:
		return fmt.Errorf("%w: %s needs a completed analysis", ErrStageLocked, s)
	case s.Guided() && (o.lineage == nil || !o.lineage.reachable(s)):
		return fmt.Errorf("%w: %s", ErrStageLocked, s)
	}
	o.stage = s
	return nil
}

// Prefill returns the inputs the current lineage suggests for a guided stage.
func (o *Orchestrator) Prefill(s Stage) analysis.Inputs {
	o.mu.Lock()
	defer o.mu.Unlock()
	return prefill(s, o.lineage)
}

func prefill(s Stage, l *Lineage) analysis.Inputs {
	var in analysis.Inputs
	if l == nil || !s.Guided() || !l.reachable(s) {
		return in
	}
	l = l.clone()
	switch s {
	case StageExploratory:
		if l.Type == LineageReliability {
			in.Variables = l.GoodItems
		} else {
			in.Variables = l.Variables
		}
	case StageConfirmatory, StageStructural:
		in.Factors = l.Factors
	}
	return in
}

// Run executes p from its select stage. Selections the caller left empty are
// filled from the lineage. On success the session moves to results; on
// failure stage and lineage stay as they were.
func (o *Orchestrator) Run(ctx context.Context, p analysis.ProcedureID, in analysis.Inputs) (*analysis.AnalysisResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.mu.Lock()
	want := SelectStage(p)
	if want == "" {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown procedure %q", analysis.ErrInvalidInputs, p)
	}
	if o.stage != want {
		cur := o.stage
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s runs from %s, session is at %s", ErrWrongStage, p, want, cur)
	}
	if in.Dataset == nil {
		in.Dataset = o.data
	}
	if in.Dataset == nil {
		o.mu.Unlock()
		return nil, ErrNoDataset
	}
	fill := prefill(want, o.lineage)
	o.mu.Unlock()

	if len(in.Variables) == 0 {
		in.Variables = fill.Variables
	}
	if len(in.Factors) == 0 {
		in.Factors = fill.Factors
	}

	res, err := o.runner.Run(ctx, p, in)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.last = res
	o.stage = StageResults
	o.mu.Unlock()
	return res, nil
}

// Offer evaluates the gate after the last result. Procedures without a gated
// successor yield an ineligible decision.
func (o *Orchestrator) Offer() (GateDecision, error) {
	o.mu.Lock()
	last := o.last
	o.mu.Unlock()
	if last == nil {
		return GateDecision{}, ErrNoResult
	}
	d, ok := Evaluate(last)
	if !ok {
		return GateDecision{Reason: fmt.Sprintf("no guided stage follows %s", last.Procedure)}, nil
	}
	return d, nil
}

// Promote fires an eligible gate: the derived selection becomes the new
// lineage, which is persisted before the session moves on.
func (o *Orchestrator) Promote() (*Lineage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return nil, ErrNoResult
	}
	d, ok := Evaluate(o.last)
	if !ok || !d.Eligible {
		reason := d.Reason
		if !ok {
			reason = fmt.Sprintf("no guided stage follows %s", o.last.Procedure)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, reason)
	}
	l, err := lineageFrom(o.last, d)
	if err != nil {
		return nil, err
	}
	b, err := EncodeLineage(l)
	if err != nil {
		return nil, err
	}
	if err := o.store.Save(o.id, b); err != nil {
		return nil, fmt.Errorf("persist lineage: %w", err)
	}
	o.lineage = l
	o.stage = d.Next
	o.logger.Printf("session %s: %s gate fired, moving to %s", o.id, o.last.Procedure, d.Next)
	return l.clone(), nil
}

func lineageFrom(res *analysis.AnalysisResult, d GateDecision) (*Lineage, error) {
	l := &Lineage{}
	var prior any
	switch res.Procedure {
	case analysis.Reliability:
		l.Type = LineageReliability
		l.Variables = append([]string{}, res.Variables...)
		l.GoodItems = append([]string{}, d.Variables...)
		prior = res.Fields.Reliability
	case analysis.EFA:
		l.Type = LineageExploratory
		l.Variables = append([]string{}, d.Variables...)
		l.Factors = d.Factors
		prior = res.Fields.Exploratory
	case analysis.CFA:
		l.Type = LineageConfirmatory
		l.Variables = append([]string{}, d.Variables...)
		l.Factors = d.Factors
		prior = res.Fields.Confirmatory
	default:
		return nil, fmt.Errorf("no lineage for %s", res.Procedure)
	}
	b, err := json.Marshal(prior)
	if err != nil {
		return nil, err
	}
	l.Results = b
	return l, nil
}

// Reset clears the lineage in memory and in storage and returns to upload.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.Delete(o.id); err != nil {
		return err
	}
	o.lineage = nil
	o.last = nil
	o.data = nil
	o.stage = StageUpload
	return nil
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	ID         string                   `json:"id"`
	Stage      Stage                    `json:"stage"`
	Lineage    *Lineage                 `json:"lineage,omitempty"`
	HasDataset bool                     `json:"hasDataset"`
	Columns    []string                 `json:"columns,omitempty"`
	LastResult *analysis.AnalysisResult `json:"lastResult,omitempty"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		ID:         o.id,
		Stage:      o.stage,
		Lineage:    o.lineage.clone(),
		HasDataset: o.data != nil,
		LastResult: o.last,
	}
	if o.data != nil {
		s.Columns = o.data.Names()
	}
	return s
}
