package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danshapiro/statflow/internal/workflow"
)

// runStatus prints the persisted lineage of one session, or lists the stored
// sessions when --session is omitted.
func runStatus(args []string, stdout io.Writer, stderr io.Writer) int {
	var configPath string
	var sessionID string
	var asJSON bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--session":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--session requires a value")
				return 1
			}
			sessionID = args[i]
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	store, err := workflow.NewFileStore(cfg.Workflow.StateDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if sessionID == "" {
		ids, err := store.List()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if asJSON {
			if ids == nil {
				ids = []string{}
			}
			return writeJSONOut(stdout, stderr, ids)
		}
		for _, id := range ids {
			fmt.Fprintln(stdout, id)
		}
		return 0
	}

	b, err := store.Load(sessionID)
	if errors.Is(err, workflow.ErrNotFound) {
		fmt.Fprintf(stderr, "session %s has no stored lineage\n", sessionID)
		return 1
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	l, err := workflow.DecodeLineage(b)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if asJSON {
		return writeJSONOut(stdout, stderr, map[string]any{
			"session": sessionID,
			"resume":  l.Unlocks(),
			"lineage": l,
		})
	}
	fmt.Fprintf(stdout, "session=%s\n", sessionID)
	fmt.Fprintf(stdout, "type=%s\n", l.Type)
	fmt.Fprintf(stdout, "resume=%s\n", l.Unlocks())
	fmt.Fprintf(stdout, "variables=%s\n", strings.Join(l.Variables, ","))
	if l.GoodItems != nil {
		fmt.Fprintf(stdout, "good_items=%s\n", strings.Join(l.GoodItems, ","))
	}
	for _, f := range l.Factors {
		fmt.Fprintf(stdout, "factor %s=%s\n", f.Name, strings.Join(f.Indicators, ","))
	}
	return 0
}

func writeJSONOut(stdout io.Writer, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
