package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/notesim/notesim/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration into the vault",
	Long: `Creates <vault>/.notesim.yaml with the default configuration so the
inclusion rules, chunking budget, and embedding backend can be adjusted
before the first indexing run.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := vaultPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("vault directory: %w", err)
	}

	path := config.DefaultPath(root)
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.Default(root).Save(path); err != nil {
		return err
	}
	cmd.Printf("Wrote %s\n", path)
	return nil
}
