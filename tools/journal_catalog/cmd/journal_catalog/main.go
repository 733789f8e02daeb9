package main

import (
	"flag"
	"fmt"
	"os"

	"raycastlab/tuner/tools/journal_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing session journals")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := journalcatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := journalcatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		state := "open"
		if entry.Closed {
			state = "closed"
		}
		fmt.Printf("%s (%s, schema %d)\n", entry.Manifest.SessionID, state, entry.Manifest.Version)
		fmt.Printf("  created: %s\n", entry.Manifest.CreatedAt)
		if entry.Header != nil && len(entry.Header.Parameters) > 0 {
			fmt.Printf("  parameters: %d bytes\n", len(entry.Header.Parameters))
		}
		fmt.Printf("  dir: %s\n", entry.Dir)
	}
}
