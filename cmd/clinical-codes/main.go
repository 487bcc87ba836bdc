// Command clinical-codes finds clinical codes from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "clinical-codes",
		Short:         "Conversational clinical code finder",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.provider, "provider", "", "LLM provider override: ollama, openai, gemini or fake")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override")

	rootCmd.AddCommand(chatCmd(opts))
	rootCmd.AddCommand(queryCmd(opts))
	rootCmd.AddCommand(systemsCmd())
	rootCmd.AddCommand(setupCmd())

	return rootCmd
}
