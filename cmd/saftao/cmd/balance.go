package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/saftao/internal/saft"
)

var balanceOutput string

var balanceCmd = &cobra.Command{
	Use:   "balance <file>",
	Short: "Close unbalanced WorkDocument tags",
	Long: `Repair truncated WorkingDocuments sections by closing every open
<WorkDocument> before </WorkingDocuments>. The file is rewritten in place
unless --output is given.

Examples:
  saftao balance SAFT.xml
  saftao balance SAFT.xml -o SAFT_fixed.xml`,
	Args: cobra.ExactArgs(1),
	RunE: runBalance,
}

func init() {
	rootCmd.AddCommand(balanceCmd)

	balanceCmd.Flags().StringVarP(&balanceOutput, "output", "o", "", "Output file (default: overwrite input)")
}

func runBalance(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	balanced, changed := saft.BalanceWorkDocuments(data)
	target := firstNonEmpty(balanceOutput, args[0])
	if !changed {
		fmt.Fprintf(cmd.OutOrStdout(), "[OK] %s: WorkDocuments already balanced\n", args[0])
		if balanceOutput == "" {
			return nil
		}
	}

	if err := os.WriteFile(target, balanced, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if changed {
		fmt.Fprintf(cmd.OutOrStdout(), "[OK] WorkDocuments balanced: %s\n", target)
	}
	return nil
}
