package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rezonia/saftao/internal/rules"
)

var rulesScope string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the AGT rule index",
	Long: `Load the AGT rule index and list its rules. When no index is configured
and the default file is absent, the built-in defaults are in effect.

Examples:
  saftao rules -f table
  saftao rules --scope CustomerTaxID --rules agt_rules.yaml`,
	Args: cobra.NoArgs,
	RunE: runRules,
}

func init() {
	rootCmd.AddCommand(rulesCmd)

	rulesCmd.Flags().StringVar(&rulesScope, "scope", "", "Only list rules of this scope")
}

func runRules(cmd *cobra.Command, args []string) error {
	ix, path, err := rules.NewCache().Open(rulesPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	list := ix.List(rulesScope)

	if outputFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if list == nil {
			list = []rules.Rule{}
		}
		return encoder.Encode(RulesOutput{Path: path, Defaults: ix == nil, Rules: list})
	}

	if ix == nil {
		fmt.Fprintf(out, "%s not found, using built-in defaults\n", path)
		return nil
	}
	fmt.Fprintf(out, "%s: %d rules\n", ix.Path(), ix.Len())
	return outputRulesTable(out, list)
}

func outputRulesTable(w io.Writer, list []rules.Rule) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tSCOPE\tPRECEDENCE\tSINCE\tUNTIL\tSEMANTICS")
	fmt.Fprintln(tw, "----\t-----\t----------\t-----\t-----\t---------")

	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.RuleID,
			r.Scope,
			r.Precedence,
			r.AppliesSince,
			r.AppliesUntil,
			r.Semantics,
		)
	}

	return tw.Flush()
}

// RulesOutput is the JSON form of the rules command
type RulesOutput struct {
	Path     string       `json:"path"`
	Defaults bool         `json:"defaults"`
	Rules    []rules.Rule `json:"rules"`
}
