package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/statflow/internal/analysis"
	"github.com/danshapiro/statflow/internal/dataset"
	"github.com/danshapiro/statflow/internal/workflow"
)

type runOptions struct {
	configPath string
	dataPath   string
	sessionID  string
	procedure  analysis.ProcedureID
	inputs     analysis.Inputs
	promote    bool
	asJSON     bool
}

var runValueFlags = map[string]bool{
	"--config": true, "--data": true, "--session": true, "--procedure": true,
	"--var": true, "--dependent": true, "--factor": true, "--path": true,
	"--nfactors": true, "--rotation": true, "--method": true,
}

func parseRunArgs(args []string) (*runOptions, error) {
	opts := &runOptions{}
	value := func(i *int, flag string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		return args[*i], nil
	}
	for i := 0; i < len(args); i++ {
		flag := args[i]
		switch flag {
		case "--promote":
			opts.promote = true
			continue
		case "--json":
			opts.asJSON = true
			continue
		}
		if !runValueFlags[flag] {
			return nil, fmt.Errorf("unknown arg: %s", flag)
		}
		v, err := value(&i, flag)
		if err != nil {
			return nil, err
		}
		switch flag {
		case "--config":
			opts.configPath = v
		case "--data":
			opts.dataPath = v
		case "--session":
			opts.sessionID = v
		case "--procedure":
			p, err := analysis.ParseProcedure(v)
			if err != nil {
				return nil, err
			}
			opts.procedure = p
		case "--var":
			opts.inputs.Variables = append(opts.inputs.Variables, splitList(v)...)
		case "--dependent":
			opts.inputs.Dependent = strings.TrimSpace(v)
		case "--factor":
			name, items, err := splitAssignment(flag, v)
			if err != nil {
				return nil, err
			}
			opts.inputs.Factors = append(opts.inputs.Factors, analysis.Factor{Name: name, Indicators: items})
		case "--path":
			outcome, preds, err := splitAssignment(flag, v)
			if err != nil {
				return nil, err
			}
			opts.inputs.Paths = append(opts.inputs.Paths, analysis.Path{Outcome: outcome, Predictors: preds})
		case "--nfactors":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("--nfactors must be a non-negative integer")
			}
			opts.inputs.NFactors = n
		case "--rotation":
			opts.inputs.Rotation = v
		case "--method":
			opts.inputs.Method = v
		}
	}
	if opts.dataPath == "" {
		return nil, errors.New("--data is required")
	}
	if opts.procedure == "" {
		return nil, errors.New("--procedure is required")
	}
	return opts, nil
}

// splitAssignment parses "NAME=a,b,c".
func splitAssignment(flag, v string) (string, []string, error) {
	name, list, ok := strings.Cut(v, "=")
	name = strings.TrimSpace(name)
	items := splitList(list)
	if !ok || name == "" || len(items) == 0 {
		return "", nil, fmt.Errorf("%s expects NAME=a,b,...; got %q", flag, v)
	}
	return name, items, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func readDataset(path string) (*dataset.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var ds dataset.Dataset
		if err := json.NewDecoder(f).Decode(&ds); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return &ds, nil
	}
	ds, err := dataset.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// runProcedure runs one procedure from the command line. With --session the
// run continues that session's guided chain and --promote persists the next
// lineage; without it nothing is stored.
func runProcedure(args []string, stdout io.Writer, stderr io.Writer) int {
	opts, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	ds, err := readDataset(opts.dataPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	rt, err := newRuntime(cfg, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.Close()

	wopts := workflow.Options{Store: rt.store, Logger: workflowLogger(stderr)}
	var o *workflow.Orchestrator
	if opts.sessionID != "" {
		o, err = workflow.Restore(opts.sessionID, rt.executor, wopts)
	} else {
		wopts.Store = workflow.NewMemoryStore()
		o, err = workflow.New(ulid.Make().String(), rt.executor, wopts)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return runInSession(o, opts, ds, stdout, stderr)
}

func runInSession(o *workflow.Orchestrator, opts *runOptions, ds *dataset.Dataset, stdout io.Writer, stderr io.Writer) int {
	if err := o.LoadDataset(ds); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := o.Navigate(workflow.SelectStage(opts.procedure)); err != nil {
		fmt.Fprintln(stderr, err)
		if errors.Is(err, workflow.ErrStageLocked) {
			fmt.Fprintf(stderr, "session %s has no lineage that unlocks %s\n", o.ID(), opts.procedure)
		}
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := o.Run(ctx, opts.procedure, opts.inputs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		var se *analysis.ScriptExecutionError
		if errors.As(err, &se) {
			fmt.Fprintf(stderr, "remediation: %s\n", se.Remediation())
		}
		return 1
	}

	d, err := o.Offer()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	var promoted *workflow.Lineage
	if opts.promote {
		if !d.Eligible {
			fmt.Fprintf(stderr, "not promoted: %s\n", d.Reason)
		} else if promoted, err = o.Promote(); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	if opts.asJSON {
		out := map[string]any{"session": o.ID(), "result": res, "gate": d}
		if promoted != nil {
			out["lineage"] = promoted
			out["stage"] = o.Stage()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "session=%s\n", o.ID())
	writeResultSummary(stdout, res)
	fmt.Fprintf(stdout, "gate eligible=%t reason=%q\n", d.Eligible, d.Reason)
	if promoted != nil {
		fmt.Fprintf(stdout, "promoted to %s (%s lineage, %d variables)\n", o.Stage(), promoted.Type, len(promoted.Variables))
	}
	return 0
}
