package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/danshapiro/statflow/internal/dataset"
)

func runGendata(args []string, stdout io.Writer, stderr io.Writer) int {
	opts := dataset.SurveyOptions{Respondents: dataset.DefaultRespondents, Seed: 42}
	format := "csv"
	var outPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--n":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--n requires a value")
				return 1
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintln(stderr, "--n must be a positive integer")
				return 1
			}
			opts.Respondents = n
		case "--seed":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--seed requires a value")
				return 1
			}
			seed, err := strconv.ParseUint(args[i], 10, 64)
			if err != nil {
				fmt.Fprintln(stderr, "--seed must be a non-negative integer")
				return 1
			}
			opts.Seed = seed
		case "--format":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--format requires a value")
				return 1
			}
			format = args[i]
			if format != "csv" && format != "json" {
				fmt.Fprintln(stderr, "--format must be csv or json")
				return 1
			}
		case "--out":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--out requires a value")
				return 1
			}
			outPath = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	ds := dataset.GenerateSurvey(opts)

	w := stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer f.Close()
		w = f
	}

	var err error
	switch format {
	case "json":
		err = json.NewEncoder(w).Encode(ds)
	default:
		err = dataset.WriteCSV(w, ds)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if outPath != "" {
		fmt.Fprintf(stderr, "wrote %d respondents to %s\n", ds.Rows(), outPath)
	}
	return 0
}
