// Command moodbctl is the admin CLI for a moodb store: inspecting the
// on-disk WAL, running startup recovery standalone, and forcing a
// vacuum/checkpoint pass, per spec §6's "admin tooling" surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moodb/moodb/internal/logx"
)

var (
	// Version information, set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "moodbctl",
	Short:   "moodbctl administers a moodb world-state store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("moodbctl version %s\ncommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("root", "./data", "store root directory (contains wal/ and pages/)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(vacuumCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

// initLoggingFromFlags wires the root command's --log-level/--log-json
// persistent flags into internal/logx, the way Init is called once at
// startup in a long-running server.
func initLoggingFromFlags(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOutput, _ := cmd.Flags().GetBool("log-json")
	logx.Init(logx.Config{Level: logx.Level(level), JSONOutput: jsonOutput})
}
