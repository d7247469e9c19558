package analysis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/statflow/internal/engine"
)

// Acquirer hands out the shared engine handle. *engine.Session implements it.
type Acquirer interface {
	Acquire(ctx context.Context) (*engine.Handle, error)
}

type Options struct {
	// Exclude holds glob patterns removed from every variable selection.
	Exclude []string
	Logger  *log.Logger
}

type Executor struct {
	acq     Acquirer
	exclude []string
	logger  *log.Logger
}

func NewExecutor(acq Acquirer, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Executor{acq: acq, exclude: append([]string{}, opts.Exclude...), logger: logger}
}

// Run executes one procedure. Input problems fail with ErrInvalidInputs
// before the engine is touched; engine lifecycle errors are returned as is;
// everything the engine reports becomes a *ScriptExecutionError.
func (x *Executor) Run(ctx context.Context, p ProcedureID, in Inputs) (*AnalysisResult, error) {
	if _, err := ParseProcedure(string(p)); err != nil {
		return nil, err
	}
	pl, err := buildPlan(p, in, x.exclude)
	if err != nil {
		return nil, err
	}
	script := buildScript(pl)
	data, err := buildData(pl, in.Dataset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInputs, err)
	}
	shape, err := shapeFor(p)
	if err != nil {
		return nil, err
	}

	h, err := x.acq.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	for _, ext := range requiredExtensions(p, in) {
		if !h.HasExtension(ext) {
			return nil, &ScriptExecutionError{
				Kind:      KindCapabilityNotReady,
				Procedure: p,
				Message:   fmt.Sprintf("engine extension %s is not loaded", ext),
			}
		}
	}

	reqID := ulid.Make().String()
	started := time.Now()
	raw, err := h.Submit(ctx, engine.Request{ID: reqID, Script: script, Data: data})
	if err != nil {
		var se *engine.ScriptError
		if errors.As(err, &se) {
			serr := classifyFailure(p, se.Kind, se.Message)
			x.logger.Printf("%s failed (request=%s kind=%s)", p, reqID, serr.Kind)
			return nil, serr
		}
		return nil, fmt.Errorf("submit %s: %w", p, err)
	}

	value, err := normalizeValue(raw)
	if err != nil {
		return nil, &ScriptExecutionError{Kind: KindDataShapeMismatch, Procedure: p, Message: err.Error()}
	}
	if err := shape.Validate(map[string]any(value)); err != nil {
		return nil, &ScriptExecutionError{
			Kind:      KindDataShapeMismatch,
			Procedure: p,
			Message:   strings.TrimSpace(err.Error()),
		}
	}
	f, err := decodeFields(pl, fields(value))
	if err != nil {
		return nil, err
	}

	digest := blake3.Sum256([]byte(script))
	x.logger.Printf("%s done (request=%s vars=%d elapsed=%s)", p, reqID, len(pl.variables), time.Since(started).Round(time.Millisecond))
	return &AnalysisResult{
		RequestID:    reqID,
		Procedure:    p,
		Variables:    append([]string{}, pl.variables...),
		Fields:       f,
		RawScript:    script,
		ScriptDigest: hex.EncodeToString(digest[:]),
		CompletedAt:  time.Now().UTC(),
	}, nil
}
