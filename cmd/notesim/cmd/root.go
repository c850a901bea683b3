// Package cmd implements the notesim command-line interface.
package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	flagVault    string
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "notesim",
	Short: "Semantic similarity index for Markdown note vaults",
	Long: `notesim chunks the notes in a vault, embeds the chunks, and keeps a
persistent vector index in sync with the vault so related notes can be
found by meaning rather than by keyword.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagVault, "vault", "v", ".", "vault root directory")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default <vault>/.notesim.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// vaultPath resolves the vault flag to an absolute path.
func vaultPath() (string, error) {
	return filepath.Abs(flagVault)
}
