package main

import (
	"fmt"
	"log"
	"os"

	"github.com/danshapiro/statflow/internal/server"
)

func serve(args []string) {
	var configPath string
	var addr string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	rt, err := newRuntime(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rt.Close()

	srv := server.New(server.Config{Addr: addr}, server.Deps{
		Engine: rt.session,
		Runner: rt.executor,
		Store:  rt.store,
		Logger: log.New(os.Stderr, "[statflow-server] ", log.LstdFlags),
	})
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		rt.Close()
		os.Exit(1)
	}
}
