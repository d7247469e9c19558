package main

import (
	"fmt"
	"io"
)

func runValidateConfig(args []string, stdout io.Writer, stderr io.Writer) int {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if configPath == "" {
		fmt.Fprintln(stderr, "--config is required")
		return 1
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "ok: engine=%s extensions=%d autostart=%t state_dir=%s\n",
		cfg.Engine.BaseURL, len(cfg.Engine.Extensions), cfg.Engine.Autostart.Enabled, cfg.Workflow.StateDir)
	return 0
}
