package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/notesim/notesim/internal/chunk"
	"github.com/notesim/notesim/internal/index"
	"github.com/notesim/notesim/internal/store"
)

var (
	relatedLimit    int
	relatedMinScore float32
	relatedText     string
	relatedSync     bool
)

var relatedCmd = &cobra.Command{
	Use:   "related [note-path]",
	Short: "Find notes semantically related to a note or a text",
	Long: `Queries the similarity index for the notes closest in meaning to the
given note (by vault-relative path) or to free text passed via --text.
When querying by note, the note's own chunks are excluded from results.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRelated,
}

func init() {
	relatedCmd.Flags().IntVarP(&relatedLimit, "limit", "n", 10, "maximum number of related notes")
	relatedCmd.Flags().Float32Var(&relatedMinScore, "min-score", 0, "drop results scoring below this threshold")
	relatedCmd.Flags().StringVarP(&relatedText, "text", "t", "", "query by free text instead of a note path")
	relatedCmd.Flags().BoolVar(&relatedSync, "sync", false, "reindex pending changes before querying")
	rootCmd.AddCommand(relatedCmd)
}

func runRelated(cmd *cobra.Command, args []string) error {
	if relatedText == "" && len(args) == 0 {
		return fmt.Errorf("pass a note path or --text")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if relatedSync {
		if err := syncIndex(ctx, a); err != nil {
			return err
		}
	}

	var (
		queries [][]float32
		exclude []string
	)
	if relatedText != "" {
		vec, err := a.client.EmbedText(ctx, relatedText)
		if err != nil {
			return err
		}
		queries = [][]float32{vec}
	} else {
		queries, err = noteQueryVectors(ctx, a, args[0])
		if err != nil {
			return err
		}
		exclude = []string{args[0]}
	}

	results, err := relatedNotes(ctx, a, queries, exclude)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		cmd.Println("No related notes found.")
		return nil
	}

	for _, r := range results {
		title := r.Title
		if title == "" {
			title = r.Path
		}
		cmd.Printf("%.3f  %-40s  %s\n", r.Score, title, r.Path)
	}
	return nil
}

// syncIndex drains the change queue so the query sees current content.
func syncIndex(ctx context.Context, a *app) error {
	if err := a.queue.Initialize(ctx); err != nil {
		return err
	}
	ix := index.New(a.queue, a.client, a.vault, index.Options{
		Chunking: chunk.Options{
			MaxTokens:     a.cfg.Chunking.MaxTokens,
			OverlapTokens: a.cfg.Chunking.OverlapTokens,
		},
	})
	go ix.Run(ctx)
	for a.queue.Len() > 0 && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	ix.Stop()
	return ctx.Err()
}

// noteQueryVectors chunks and embeds the query note the same way it would
// be indexed, so the query vectors live in the same space as the index.
func noteQueryVectors(ctx context.Context, a *app, path string) ([][]float32, error) {
	note, err := a.vault.Read(ctx, path)
	if err != nil {
		return nil, err
	}

	splitter := chunk.NewSplitter(a.client, chunk.Options{
		MaxTokens:     a.cfg.Chunking.MaxTokens,
		OverlapTokens: a.cfg.Chunking.OverlapTokens,
	})
	pieces, err := splitter.Split(ctx, note.Text)
	if err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("note %s is empty", path)
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	return a.client.EmbedTexts(ctx, texts)
}

// relatedNotes searches per query vector and keeps each note's best score.
func relatedNotes(ctx context.Context, a *app, queries [][]float32, exclude []string) ([]store.SearchResult, error) {
	best := make(map[string]store.SearchResult)
	opts := store.SearchOptions{MinScore: relatedMinScore, ExcludePaths: exclude}

	for _, q := range queries {
		hits, err := a.client.FindSimilar(ctx, q, relatedLimit*2, opts)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			if prev, ok := best[hit.Path]; !ok || hit.Score > prev.Score {
				best[hit.Path] = hit
			}
		}
	}

	results := make([]store.SearchResult, 0, len(best))
	for _, r := range best {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > relatedLimit {
		results = results[:relatedLimit]
	}
	return results, nil
}
