// Package main provides the drover CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	flagProvider string
	flagModel    string
	flagStore    string
	verbose      bool
)

func main() {
	// Load .env if present; only complain about real read failures.
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "Run coding tasks through an autonomous model loop",
		Long: `drover drives a coding task through a model-tool loop until the model
signals completion or the iteration budget runs out.

Tool calls are read from the provider's native function-calling channel when
available, and extracted from the response text otherwise, so the same loop
works against hosted APIs and local text-only models.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a drover.yaml settings file")
	rootCmd.PersistentFlags().StringVarP(&flagProvider, "provider", "p", "", "Model backend (anthropic, openai, local, ollama)")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "Model ID or alias")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "Transcript database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show tool and reasoning activity")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(sessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
