package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rezonia/saftao/internal/customers"
	"github.com/rezonia/saftao/internal/history"
	"github.com/rezonia/saftao/internal/logger"
	"github.com/rezonia/saftao/internal/processor"
	"github.com/rezonia/saftao/internal/rules"
	"github.com/rezonia/saftao/internal/schema"
)

var (
	version = "1.0.0"

	// Global flags
	verbose      bool
	debugLog     bool
	jsonLog      bool
	outputFormat string
	configPath   string
	rulesPath    string
	xsdPath      string
	customerFile string
	historyPath  string

	fileConfig EngineConfig
	cleanupLog func()
)

var rootCmd = &cobra.Command{
	Use:   "saftao",
	Short: "Validate and repair SAF-T (AO) audit files",
	Long: `saftao checks SAF-T (AO) audit files against the AGT business rules and
rewrites them into a schema-valid, numerically consistent form.

Every repair writes a new version next to the source (SAFT_v.02.xml,
SAFT_v.03_invalido.xml, ...) and an audit CSV listing each change.

Examples:
  # Report rule violations
  saftao validate SAFT.xml

  # Full repair with the soft profile
  saftao repair SAFT.xml

  # Minimal repair targeting the strict schema order
  saftao repair SAFT.xml --profile hard --totals-order net-first

  # Totals per invoice type
  saftao report SAFT.xml -f table`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cleanupLog != nil {
			cleanupLog()
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "Enable debug logging on stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "log-json", false, "Force JSON log output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "Output format (json, csv, table)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Engine config file (env: SAFTAO_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rulesPath, "rules", "", "AGT rule index (env: AGT_RULES_INDEX_PATH)")
	rootCmd.PersistentFlags().StringVar(&xsdPath, "xsd", "", "SAF-T AO XSD (env: SAFTAO_XSD_PATH)")
	rootCmd.PersistentFlags().StringVar(&customerFile, "customers", "", "Customer export CSV (env: BWB_SAFTAO_CUSTOMER_FILE)")
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", "", "Run history database (env: SAFTAO_HISTORY_PATH)")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env is optional
	_ = godotenv.Load()

	if configPath == "" {
		configPath = os.Getenv(EnvConfig)
	}
	if configPath != "" {
		cfg, err := LoadEngineConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			fileConfig = *cfg
		}
	}

	// Flags win over env, env over the config file
	rulesPath = firstNonEmpty(rulesPath, os.Getenv(rules.EnvPath), fileConfig.Rules)
	xsdPath = firstNonEmpty(xsdPath, os.Getenv(schema.EnvPath), fileConfig.XSD)
	customerFile = firstNonEmpty(customerFile, os.Getenv(customers.EnvPath), fileConfig.Customers)
	historyPath = firstNonEmpty(historyPath, os.Getenv(history.EnvPath), fileConfig.History)

	// Structured logs stay quiet unless asked for
	if verbose || debugLog || jsonLog {
		setupLogging()
	}
}

func setupLogging() {
	if cleanupLog != nil {
		return
	}
	cleanupLog = logger.Setup(logger.Config{Debug: debugLog, JSON: jsonLog})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// newPipeline builds the pipeline shared by every command. The returned
// close function releases the history store.
func newPipeline(extra ...processor.Option) (*processor.Pipeline, func(), error) {
	ix, path, err := rules.NewCache().Open(rulesPath)
	if err != nil {
		return nil, nil, err
	}
	if ix == nil {
		printVerbose("Rule index %s not found, using built-in defaults\n", path)
	} else {
		printVerbose("Loaded %d rules from %s\n", ix.Len(), ix.Path())
	}

	opts := []processor.Option{
		processor.WithRules(ix),
		processor.WithXSDPath(xsdPath),
		processor.WithCustomerFile(customerFile),
		processor.WithLogger(logger.L()),
	}

	closeFn := func() {}
	if historyPath != "" {
		store, err := history.Open(historyPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, processor.WithHistory(store))
		closeFn = func() { _ = store.Close() }
	}

	return processor.NewPipeline(append(opts, extra...)...), closeFn, nil
}
