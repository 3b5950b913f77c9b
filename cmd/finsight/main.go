// Command finsight runs a research pipeline session from the command line.
// Evidence comes from local files so runs are reproducible; the language
// model provider is selected through configuration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:          "finsight",
	Short:        "FinSight financial research pipeline",
	Long:         "finsight runs an artifact-driven research pipeline: collect evidence, analyze it through a chain of perspectives, refine charts, and compile a cited memo.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}
