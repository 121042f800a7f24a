package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rezonia/saftao/internal/processor"
)

var infoCmd = &cobra.Command{
	Use:   "info [files...]",
	Short: "Show information about SAF-T files",
	Long: `Display information about SAF-T files without validating them.

Shows:
  - Detected format and namespace
  - Company identity and fiscal period from the Header
  - Number of customers, products and tax table entries
  - Number of documents per section

Examples:
  saftao info SAFT.xml
  saftao info exports/ -f json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no files found")
	}

	pipeline := processor.NewPipeline(processor.WithoutSchema())
	out := cmd.OutOrStdout()

	var results []*FileInfo
	for _, file := range files {
		fi := fileInfo(cmd.Context(), pipeline, file)
		if outputFormat == "json" {
			results = append(results, fi)
			continue
		}
		printFileInfo(out, fi)
		fmt.Fprintln(out)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(results)
	}
	return nil
}

// FileInfo describes a file on disk
type FileInfo struct {
	File     string `json:"file"`
	Size     int64  `json:"size"`
	Modified string `json:"modified,omitempty"`
	Format   string `json:"format"`
	*processor.DocumentInfo
	Error string `json:"error,omitempty"`
}

func fileInfo(ctx context.Context, pipeline *processor.Pipeline, filePath string) *FileInfo {
	fi := &FileInfo{File: filePath, Format: processor.FormatUnknown.String()}

	stat, err := os.Stat(filePath)
	if err != nil {
		fi.Error = err.Error()
		return fi
	}
	fi.Size = stat.Size()
	fi.Modified = stat.ModTime().Format("2006-01-02 15:04:05")

	data, err := os.ReadFile(filePath)
	if err != nil {
		fi.Error = fmt.Sprintf("failed to read file: %v", err)
		return fi
	}

	format := processor.DetectFormat(data)
	fi.Format = format.String()
	if format != processor.FormatSAFT {
		return fi
	}

	if ctx == nil {
		ctx = context.Background()
	}
	info, err := pipeline.Info(ctx, data)
	if err != nil {
		fi.Error = err.Error()
		return fi
	}
	fi.DocumentInfo = info
	return fi
}

func printFileInfo(w io.Writer, fi *FileInfo) {
	fmt.Fprintf(w, "File: %s\n", fi.File)
	if fi.Modified != "" {
		fmt.Fprintf(w, "  Size: %d bytes\n", fi.Size)
		fmt.Fprintf(w, "  Modified: %s\n", fi.Modified)
	}
	fmt.Fprintf(w, "  Format: %s\n", fi.Format)
	if fi.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", fi.Error)
		return
	}

	info := fi.DocumentInfo
	if info == nil {
		return
	}
	fmt.Fprintf(w, "  Namespace: %s\n", info.Namespace)
	if info.AuditFileVersion != "" {
		fmt.Fprintf(w, "  Version: %s\n", info.AuditFileVersion)
	}
	fmt.Fprintf(w, "  Company: %s (NIF %s)\n", info.CompanyName, info.TaxRegistrationNumber)
	if info.StartDate != "" || info.EndDate != "" {
		fmt.Fprintf(w, "  Period: %s to %s\n", info.StartDate, info.EndDate)
	}
	fmt.Fprintf(w, "  Customers: %d\n", info.Customers)
	fmt.Fprintf(w, "  Products: %d\n", info.Products)
	fmt.Fprintf(w, "  Tax table entries: %d\n", info.TaxTableEntries)

	sections := make([]string, 0, len(info.Documents))
	for s := range info.Documents {
		sections = append(sections, s)
	}
	sort.Strings(sections)
	for _, s := range sections {
		fmt.Fprintf(w, "  %s: %d\n", s, info.Documents[s])
	}
}
