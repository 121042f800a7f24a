package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/processor"
)

var (
	validateTimeout time.Duration
	skipSchema      bool
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate SAF-T (AO) files",
	Long: `Validate one or more SAF-T (AO) files against the AGT business rules.

Checks performed:
  - Customer tax registration numbers
  - Building numbers, postal codes and country codes
  - TaxCountryRegion present and allowed on every tax block
  - Line amounts and document totals
  - XSD, when a schema is found (skip with --no-schema)

Exits with status 2 when any file has issues.

Examples:
  saftao validate SAFT.xml
  saftao validate exports/ -f table`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().DurationVar(&validateTimeout, "timeout", 2*time.Minute, "Timeout per file")
	validateCmd.Flags().BoolVar(&skipSchema, "no-schema", false, "Skip XSD validation")
}

func runValidate(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no files found to validate")
	}

	var opts []processor.Option
	if skipSchema {
		opts = append(opts, processor.WithoutSchema())
	}
	pipeline, closeFn, err := newPipeline(opts...)
	if err != nil {
		return err
	}
	defer closeFn()

	results := make([]*ValidationResult, 0, len(files))
	allValid := true

	for _, file := range files {
		printVerbose("Validating %s\n", file)
		result := validateFile(cmd.Context(), pipeline, file)
		results = append(results, result)

		if !result.Valid {
			allValid = false
		}
	}

	out := cmd.OutOrStdout()
	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(results); err != nil {
			return err
		}
	case "csv":
		if err := outputIssuesCSV(out, results); err != nil {
			return err
		}
	default:
		outputIssuesTable(out, results)
	}

	if !allValid {
		return invalid("validation failed for some files")
	}

	return nil
}

func validateFile(parent context.Context, pipeline *processor.Pipeline, filePath string) *ValidationResult {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, validateTimeout)
	defer cancel()

	result := &ValidationResult{
		File:   filePath,
		Valid:  true,
		Issues: []model.Issue{},
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		result.Valid = false
		result.Error = fmt.Sprintf("failed to read file: %v", err)
		return result
	}

	if processor.DetectFormat(data) != processor.FormatSAFT {
		result.Valid = false
		result.Error = "not a SAF-T AuditFile"
		return result
	}

	res := pipeline.ValidateBytes(ctx, data)
	if res.Error != nil {
		result.Valid = false
		result.Error = res.Error.Error()
		return result
	}

	result.Issues = append(result.Issues, res.Issues...)
	result.Counts = model.CountByCode(res.Issues)
	result.SchemaChecked = res.SchemaChecked
	result.SchemaErrors = res.SchemaErrors
	result.Valid = res.Valid()
	return result
}

func outputIssuesTable(w io.Writer, results []*ValidationResult) {
	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(w, "✓ %s: VALID\n", r.File)
			continue
		}
		fmt.Fprintf(w, "✗ %s: INVALID\n", r.File)
		if r.Error != "" {
			fmt.Fprintf(w, "  - %s\n", r.Error)
			continue
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, issue := range r.Issues {
			fmt.Fprintf(tw, "  - %s\t%s\n", issue.Code, issue.Message)
		}
		tw.Flush()
		for _, e := range r.SchemaErrors {
			fmt.Fprintf(w, "  ⚠ %s\n", e)
		}
	}
}

func outputIssuesCSV(w io.Writer, results []*ValidationResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"file", "code", "message", "document_id", "suggested_value"}); err != nil {
		return err
	}

	for _, r := range results {
		if r.Error != "" {
			if err := cw.Write([]string{r.File, "ERROR", r.Error, "", ""}); err != nil {
				return err
			}
			continue
		}
		for _, issue := range r.Issues {
			suggested, _ := issue.SuggestedValue()
			row := []string{r.File, issue.Code, issue.Message, issue.Detail(model.DetailDocumentID), suggested}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		for _, e := range r.SchemaErrors {
			if err := cw.Write([]string{r.File, "XSD_ERROR", e, "", ""}); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// ValidationResult holds the result of validating a single file
type ValidationResult struct {
	File          string         `json:"file"`
	Valid         bool           `json:"valid"`
	Issues        []model.Issue  `json:"issues"`
	Counts        map[string]int `json:"counts,omitempty"`
	SchemaChecked bool           `json:"schema_checked"`
	SchemaErrors  []string       `json:"schema_errors,omitempty"`
	Error         string         `json:"error,omitempty"`
}
