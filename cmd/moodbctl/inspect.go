package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/moodb/moodb/internal/store/wal"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump WAL segment sizes and record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLoggingFromFlags(cmd)
		root, _ := cmd.Flags().GetString("root")
		return runInspect(root)
	},
}

func runInspect(root string) error {
	dir := filepath.Join(root, "wal")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no wal directory found; store has never been opened")
			return nil
		}
		return fmt.Errorf("moodbctl: read %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		fmt.Printf("segment %-16s %8d bytes\n", e.Name(), info.Size())
	}

	records, err := wal.ReplayAll(root)
	if err != nil {
		return fmt.Errorf("moodbctl: replay %s: %w", root, err)
	}
	fmt.Printf("\n%d records, latest commit ts %d\n", len(records), wal.LatestCommitTS(records))

	var deltas int
	for _, r := range records {
		for _, rd := range r.Relations {
			deltas += len(rd.Deltas)
		}
	}
	fmt.Printf("%d relation deltas total\n", deltas)
	return nil
}
