package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "strikeflow",
		Short:   "Phased security-assessment workflow orchestrator",
		Long:    "strikeflow runs assessment workflows phase by phase: dependency-aware scheduling, resource-bounded parallel tool execution, consent checkpoints, and an append-only audit trail.",
		Version: version,
	}

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./strikeflow.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override configured log level")
	rootCmd.PersistentFlags().Bool("console", false, "human-readable log output")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newToolsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
