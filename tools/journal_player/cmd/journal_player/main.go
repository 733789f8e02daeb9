package main

import (
	"flag"
	"fmt"
	"os"

	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/tools/journal_player"
)

func main() {
	path := flag.String("path", "", "Path to a session journal directory")
	format := flag.String("format", "json", "Output format: json, yaml or toml")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}
	outputFormat, err := params.ParsePresetFormat(*format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	summary, err := journalplayer.Play(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	//1.- Write to stdout so the preset can be piped straight into a file.
	payload, err := journalplayer.EncodeSummary(summary, outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	os.Stdout.Write(payload)
	if len(payload) > 0 && payload[len(payload)-1] != '\n' {
		fmt.Println()
	}
	for _, rejection := range summary.Rejections {
		fmt.Fprintf(os.Stderr, "step %d: %s rejected: %s\n", rejection.Step, rejection.Field, rejection.Error)
	}
}
