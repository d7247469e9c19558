package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/danshapiro/statflow/internal/analysis"
	"github.com/danshapiro/statflow/internal/config"
	"github.com/danshapiro/statflow/internal/engine"
	"github.com/danshapiro/statflow/internal/engine/rhttp"
	"github.com/danshapiro/statflow/internal/workflow"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "run":
		os.Exit(runProcedure(os.Args[2:], os.Stdout, os.Stderr))
	case "status":
		os.Exit(runStatus(os.Args[2:], os.Stdout, os.Stderr))
	case "reset":
		os.Exit(runReset(os.Args[2:], os.Stdout, os.Stderr))
	case "gendata":
		os.Exit(runGendata(os.Args[2:], os.Stdout, os.Stderr))
	case "validate-config":
		os.Exit(runValidateConfig(os.Args[2:], os.Stdout, os.Stderr))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  statflow serve [--config <run.yaml>] [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  statflow run --data <file.csv|file.json> --procedure <id> [--config <run.yaml>] [--session <id>] [--var <name|glob>]... [--dependent <name>] [--factor <F=a,b,c>]... [--path <Y=X1,X2>]... [--nfactors <n>] [--rotation <r>] [--method <m>] [--promote] [--json]")
	fmt.Fprintln(os.Stderr, "  statflow status [--config <run.yaml>] [--session <id>] [--json]")
	fmt.Fprintln(os.Stderr, "  statflow reset --session <id> [--config <run.yaml>]")
	fmt.Fprintln(os.Stderr, "  statflow gendata [--n <respondents>] [--seed <n>] [--format csv|json] [--out <file>]")
	fmt.Fprintln(os.Stderr, "  statflow validate-config --config <run.yaml>")
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runtime is the wired process: one engine adapter, one engine session, one
// executor and the lineage store.
type runtime struct {
	client   *rhttp.Client
	session  *engine.Session
	executor *analysis.Executor
	store    *workflow.FileStore
}

func newRuntime(cfg *config.Config, logOut io.Writer) (*runtime, error) {
	store, err := workflow.NewFileStore(cfg.Workflow.StateDir)
	if err != nil {
		return nil, err
	}
	engineLog := log.New(logOut, "[statflow-engine] ", log.LstdFlags)
	client := rhttp.New(cfg.ClientConfig(engineLog))
	sess := engine.NewSession(client, cfg.SessionOptions(engineLog))
	exec := analysis.NewExecutor(sess, analysis.Options{
		Exclude: cfg.Workflow.ExcludeVariables,
		Logger:  engineLog,
	})
	return &runtime{client: client, session: sess, executor: exec, store: store}, nil
}

// Close stops an autostarted engine process.
func (rt *runtime) Close() error {
	return rt.client.Close()
}

func workflowLogger(out io.Writer) *log.Logger {
	return log.New(out, "[statflow-workflow] ", log.LstdFlags)
}
