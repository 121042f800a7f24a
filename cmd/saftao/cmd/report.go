package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/saftao/internal/processor"
)

var reportOutput string

var reportCmd = &cobra.Command{
	Use:   "report <file>",
	Short: "Summarize document totals per invoice type",
	Long: `Aggregate the DocumentTotals of every invoice per InvoiceType and list
the non-accounting work documents.

Examples:
  saftao report SAFT.xml -f table
  saftao report SAFT.xml -f csv -o totais.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Output file (default: stdout)")
}

func runReport(cmd *cobra.Command, args []string) error {
	data, err := readSAFT(args[0])
	if err != nil {
		return err
	}

	pipeline, closeFn, err := newPipeline(processor.WithoutSchema())
	if err != nil {
		return err
	}
	defer closeFn()

	r, err := pipeline.Report(cmd.Context(), data)
	if err != nil {
		return invalid("%s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	if reportOutput != "" {
		f, err := os.Create(reportOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch outputFormat {
	case "csv":
		err = r.WriteCSV(out)
	case "table":
		err = r.WriteTable(out)
	default:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		err = encoder.Encode(r)
	}
	if err != nil {
		return err
	}

	if reportOutput != "" {
		printVerbose("Report written to %s\n", reportOutput)
	}
	return nil
}

// readSAFT reads a file and rejects anything that is not a SAF-T AuditFile
func readSAFT(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if format := processor.DetectFormat(data); format != processor.FormatSAFT {
		return nil, invalid("%s: unsupported format %s, expected a SAF-T AuditFile", path, format)
	}
	return data, nil
}
