package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rezonia/saftao/internal/ordering"
	"github.com/rezonia/saftao/internal/processor"
	"github.com/rezonia/saftao/internal/repair"
)

var (
	repairProfile string
	totalsOrder   string
	outputDir     string
	auditDir      string
)

var repairCmd = &cobra.Command{
	Use:   "repair [files...]",
	Short: "Repair SAF-T (AO) files",
	Long: `Repair one or more SAF-T (AO) files and write a new version of each.

Profiles:
  soft  Full repair: header, customers, invoice types, line and
        document amounts, TaxCountryRegion
  hard  Minimal repair: invoice lines and totals, TaxTable entries,
        TaxCountryRegion on every Tax block and net-first totals order.
        WorkDocument and Payment amounts are kept; only GrossTotal is
        derived. Unbalanced WorkDocument tags are closed before parsing.

The output is written next to the source as SAFT_v.NN.xml, or
SAFT_v.NN_invalido.xml when it fails the XSD, together with an audit CSV.
Exits with status 2 when a file cannot be parsed or repaired, or when an
output fails the XSD.

Examples:
  saftao repair SAFT.xml
  saftao repair SAFT.xml --profile hard --totals-order net-first
  saftao repair exports/*.xml -o repaired/ --customers clientes.csv`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRepair,
}

func init() {
	rootCmd.AddCommand(repairCmd)

	repairCmd.Flags().StringVar(&repairProfile, "profile", "", "Repair profile (soft, hard)")
	repairCmd.Flags().StringVar(&totalsOrder, "totals-order", "", "DocumentTotals order (tax-first, net-first)")
	repairCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for repaired files")
	repairCmd.Flags().StringVar(&auditDir, "audit-dir", "", "Directory for audit CSVs")
}

// repairRequest resolves profile and totals order from flags and config
func repairRequest() (processor.FileRequest, error) {
	profile, err := repair.ParseProfile(firstNonEmpty(repairProfile, fileConfig.Profile, string(repair.Soft)))
	if err != nil {
		return processor.FileRequest{}, err
	}
	order := firstNonEmpty(totalsOrder, fileConfig.TotalsOrder)
	if order != "" {
		if _, err := ordering.ParseTotalsOrder(order); err != nil {
			return processor.FileRequest{}, err
		}
	}
	return processor.FileRequest{
		RepairRequest: processor.RepairRequest{Profile: profile, TotalsOrder: order},
		OutputDir:     firstNonEmpty(outputDir, fileConfig.OutputDir),
		AuditDir:      auditDir,
	}, nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no files found to repair")
	}

	req, err := repairRequest()
	if err != nil {
		return err
	}

	pipeline, closeFn, err := newPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	results := make([]*RepairOutput, 0, len(files))
	failed, rejected := 0, 0

	for _, file := range files {
		printVerbose("Repairing %s (%s)\n", file, req.Profile)

		run, err := pipeline.RepairFile(cmd.Context(), file, req)
		result := newRepairOutput(file, run, err)
		results = append(results, result)

		switch {
		case err != nil:
			failed++
		case run.Outcome == repair.OutcomeInvalid:
			rejected++
		}

		if outputFormat == "json" {
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", file, err)
			if result.AuditPath != "" {
				fmt.Fprintf(out, "  audit: %s\n", result.AuditPath)
			}
			continue
		}
		for _, line := range run.Lines() {
			fmt.Fprintln(out, line)
		}
		printVerbose("  %d changes, audit: %s\n", result.Changes, result.AuditPath)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(results); err != nil {
			return err
		}
	}

	if failed > 0 {
		return invalid("%d of %d files failed to repair", failed, len(files))
	}
	if rejected > 0 {
		return invalid("%d of %d outputs failed XSD validation", rejected, len(files))
	}
	return nil
}

func newRepairOutput(file string, run *repair.Run, err error) *RepairOutput {
	result := &RepairOutput{File: file}
	if err != nil {
		result.Error = err.Error()
	}
	if run == nil {
		return result
	}

	result.RunID = run.ID
	result.Profile = string(run.Profile)
	result.Output = run.Output
	result.Label = run.Label
	result.AuditPath = run.AuditPath
	result.Outcome = string(run.Outcome)
	result.SchemaErrors = run.SchemaErrors
	result.Balanced = run.Balanced
	if run.Result != nil {
		result.Changes = run.Result.Changes
		result.Customers = run.Result.Customers
	}
	return result
}

// RepairOutput holds the result of repairing a single file
type RepairOutput struct {
	File         string   `json:"file"`
	RunID        string   `json:"run_id,omitempty"`
	Profile      string   `json:"profile,omitempty"`
	Output       string   `json:"output,omitempty"`
	Label        string   `json:"label,omitempty"`
	AuditPath    string   `json:"audit_path,omitempty"`
	Outcome      string   `json:"outcome,omitempty"`
	SchemaErrors []string `json:"schema_errors,omitempty"`
	Changes      int      `json:"changes"`
	Customers    []string `json:"customers_added,omitempty"`
	Balanced     bool     `json:"balanced,omitempty"`
	Error        string   `json:"error,omitempty"`
}
