package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moodb/moodb/internal/config"
	"github.com/moodb/moodb/internal/moodb"
	"github.com/moodb/moodb/internal/reconciler"
)

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Force one checkpoint cycle against a store root",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLoggingFromFlags(cmd)
		root, _ := cmd.Flags().GetString("root")
		virtSize, _ := cmd.Flags().GetInt64("virtual-size")
		return runVacuum(root, virtSize)
	},
}

func init() {
	vacuumCmd.Flags().Int64("virtual-size", 512*1024*1024, "buffer pool virtual reservation in bytes")
}

func runVacuum(root string, virtSize int64) error {
	store, err := moodb.Open(&config.StoreConfig{RootPath: root, VirtualSizeBytes: virtSize})
	if err != nil {
		return fmt.Errorf("moodbctl: open %s: %w", root, err)
	}
	defer store.Close()

	r, err := reconciler.New(store, 0)
	if err != nil {
		return fmt.Errorf("moodbctl: open page checkpoint directory: %w", err)
	}
	if err := r.Reconcile(); err != nil {
		return fmt.Errorf("moodbctl: vacuum: %w", err)
	}
	fmt.Println("vacuum complete")
	return nil
}
