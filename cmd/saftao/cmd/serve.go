package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/saftao/internal/history"
	"github.com/rezonia/saftao/internal/processor"
	"github.com/rezonia/saftao/internal/server"
)

var (
	serverAddr      string
	watchRules      bool
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	maxBodyBytes    int64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP API server for validating and repairing SAF-T files.

The API provides endpoints for:
  - POST /api/v1/validate   - Validate a SAF-T document
  - POST /api/v1/repair     - Repair a SAF-T document (?profile=soft|hard)
  - POST /api/v1/report     - Totals per invoice type (?format=csv)
  - POST /api/v1/info       - Header and document counts
  - GET  /api/v1/rules      - Loaded rule index
  - GET  /api/v1/runs       - Recorded repair runs (needs --history)
  - GET  /metrics           - Prometheus metrics
  - GET  /health            - Health check

Examples:
  # Start server on default port
  saftao serve

  # Reload the rule index when it changes and keep a run history
  saftao serve --address :8080 --watch-rules --history runs.db`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", ":8080", "Server listen address")
	serveCmd.Flags().BoolVar(&watchRules, "watch-rules", false, "Reload the rule index when the file changes")
	serveCmd.Flags().DurationVar(&readTimeout, "read-timeout", 30*time.Second, "HTTP read timeout")
	serveCmd.Flags().DurationVar(&writeTimeout, "write-timeout", 5*time.Minute, "HTTP write timeout")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	serveCmd.Flags().Int64Var(&maxBodyBytes, "max-body", 64<<20, "Maximum request body size in bytes")
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	config := &server.Config{
		Address:         serverAddr,
		RulesPath:       rulesPath,
		WatchRules:      watchRules,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		ShutdownTimeout: shutdownTimeout,
		MaxBodyBytes:    maxBodyBytes,
		Debug:           debugLog,
	}

	opts := []processor.Option{
		processor.WithXSDPath(xsdPath),
		processor.WithCustomerFile(customerFile),
	}
	if historyPath != "" {
		store, err := history.Open(historyPath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, processor.WithHistory(store))
	}

	srv := server.NewServer(config, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Starting server on %s\n", serverAddr)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Server stopped")
	return nil
}
