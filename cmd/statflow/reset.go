package main

import (
	"fmt"
	"io"

	"github.com/danshapiro/statflow/internal/workflow"
)

func runReset(args []string, stdout io.Writer, stderr io.Writer) int {
	var configPath string
	var sessionID string

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
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if sessionID == "" {
		fmt.Fprintln(stderr, "--session is required")
		return 1
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
	if err := store.Delete(sessionID); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "session %s reset\n", sessionID)
	return 0
}
