package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/moodb/moodb/internal/metrics"
)

// serveMetricsCmd exposes the process's prometheus registry over HTTP.
// Off by default: internal/metrics registers its collectors at package
// init, but nothing serves them over HTTP unless this subcommand (or an
// embedding server) is actually running.
var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve the prometheus /metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLoggingFromFlags(cmd)
		addr, _ := cmd.Flags().GetString("addr")
		return runServeMetrics(addr)
	},
}

func init() {
	serveMetricsCmd.Flags().String("addr", ":9090", "address to serve /metrics on")
}

func runServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	fmt.Printf("serving /metrics on %s\n", addr)
	return http.ListenAndServe(addr, mux)
}
