package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/notesim/notesim/internal/chunk"
	"github.com/notesim/notesim/internal/index"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Index the vault and keep the index in sync",
	Long: `Reconciles the index against the vault, then watches for file changes
and reindexes affected notes until interrupted. This is the long-running
mode; queries can be answered by a second process only after it exits.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if err := a.queue.Initialize(ctx); err != nil {
		return err
	}

	persistEvery, err := a.cfg.AutoPersistInterval()
	if err != nil {
		return err
	}

	ix := index.New(a.queue, a.client, a.vault, index.Options{
		Chunking: chunk.Options{
			MaxTokens:     a.cfg.Chunking.MaxTokens,
			OverlapTokens: a.cfg.Chunking.OverlapTokens,
		},
		PersistInterval: persistEvery,
	})

	go ix.Run(ctx)

	slog.Info("watching vault",
		slog.String("vault", a.cfg.Vault.Path),
		slog.Int("pending", a.queue.Len()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("shutting down", slog.String("signal", s.String()))
	case <-ctx.Done():
	}

	ix.Stop()
	return nil
}
