package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/saftao/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded repair runs",
	Long: `List the repair runs recorded in the history database, newest first,
or show a single run.

The database is set with --history or SAFTAO_HISTORY_PATH.

Examples:
  saftao history --history runs.db -f table
  saftao history 0b0f3f4e-5b7e-4f5e-9d7a-2f3c4d5e6f70`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs to list (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyPath == "" {
		return fmt.Errorf("no history database configured (use --history or %s)", history.EnvPath)
	}

	store, err := history.Open(historyPath)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()

	if len(args) == 1 {
		run, err := store.Get(args[0])
		if errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(run)
		}
		printRun(out, run)
		return nil
	}

	runs, err := store.List(historyLimit)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if runs == nil {
			runs = []history.Run{}
		}
		return encoder.Encode(runs)
	}
	return outputRunsTable(out, runs)
}

func outputRunsTable(w io.Writer, runs []history.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tPROFILE\tOUTCOME\tCHANGES\tSOURCE")
	fmt.Fprintln(tw, "---\t-------\t-------\t-------\t-------\t------")

	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID,
			r.Started.Format(time.DateTime),
			r.Profile,
			r.Outcome,
			r.Changes,
			r.Source,
		)
	}

	return tw.Flush()
}

func printRun(w io.Writer, r *history.Run) {
	fmt.Fprintf(w, "Run: %s\n", r.ID)
	fmt.Fprintf(w, "  Profile: %s\n", r.Profile)
	fmt.Fprintf(w, "  Source: %s\n", r.Source)
	if r.Output != "" {
		fmt.Fprintf(w, "  Output: %s\n", r.Output)
	}
	if r.AuditPath != "" {
		fmt.Fprintf(w, "  Audit: %s\n", r.AuditPath)
	}
	fmt.Fprintf(w, "  Outcome: %s\n", r.Outcome)
	fmt.Fprintf(w, "  Started: %s (%s)\n", r.Started.Format(time.DateTime), r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Changes: %d\n", r.Changes)
	if len(r.Customers) > 0 {
		fmt.Fprintf(w, "  Customers added: %v\n", r.Customers)
	}
	actions := make([]string, 0, len(r.Actions))
	for a := range r.Actions {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Fprintf(w, "    %s: %d\n", a, r.Actions[a])
	}
	for _, e := range r.SchemaErrors {
		fmt.Fprintf(w, "  ⚠ %s\n", e)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", r.Error)
	}
	if r.Digest != "" {
		fmt.Fprintf(w, "  Digest: %s\n", r.Digest)
	}
}
