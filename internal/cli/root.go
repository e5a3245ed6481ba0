// Package cli implements the Sight node command-line interface using Cobra.
// Each subcommand maps to a node capability (serve, register, ledger views,
// one-shot sync and sweep).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sight",
	Short: "Sight — metered inference node",
	Long: `Sight fronts local inference backends (Ollama, vLLM), meters every
call into a task and earnings ledger, and keeps that ledger reconciled with
the Sight gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
