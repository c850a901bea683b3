package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index statistics and pending changes",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if err := a.queue.Initialize(ctx); err != nil {
		return err
	}

	count, err := a.client.Count(ctx)
	if err != nil {
		return err
	}

	cmd.Printf("Vault:           %s\n", a.cfg.Vault.Path)
	cmd.Printf("Data directory:  %s\n", a.cfg.Storage.DataDir)
	cmd.Printf("Provider:        %s\n", a.cfg.Embeddings.Provider)
	cmd.Printf("Dimensions:      %d\n", a.client.Dimensions())
	cmd.Printf("Indexed chunks:  %d\n", count)
	cmd.Printf("Pending changes: %d\n", a.queue.Len())
	return nil
}
