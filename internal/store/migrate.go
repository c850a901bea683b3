package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	ierr "github.com/notesim/notesim/internal/errors"
)

// legacyBlobName is the pre-SQLite single-file snapshot.
const legacyBlobName = "embeddings.json"

// migrationBatchSize bounds memory during bulk insert.
const migrationBatchSize = 100

// legacyRecord is one chunk in the old JSON snapshot. Older snapshots
// used "content", newer ones "text"; both are accepted.
type legacyRecord struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	Total     int       `json:"total"`
	Embedding []float32 `json:"embedding"`
}

// legacySnapshot is the map-shaped blob: note path -> chunk records.
type legacySnapshot struct {
	Embeddings map[string][]legacyRecord `json:"embeddings"`
}

// MigrateLegacySnapshot imports the old embeddings.json blob into the
// per-record store, once. The completion flag in the state table, not the
// blob's absence, gates re-runs: a blob that reappears after a completed
// migration is ignored. On failure the partial import is rolled back, the
// flag stays unset, and the blob is left in place for the next attempt.
func MigrateLegacySnapshot(ctx context.Context, db *DB, dataDir string) error {
	done, err := db.GetState(ctx, StateKeyMigrated)
	if err != nil {
		return ierr.StorageError("read migration flag", err)
	}
	if done == "true" {
		return nil
	}

	blobPath := filepath.Join(dataDir, legacyBlobName)
	data, err := os.ReadFile(blobPath)
	if os.IsNotExist(err) {
		// Fresh install. Mark done so a blob dropped in later is ignored.
		if err := db.SetState(ctx, StateKeyMigrated, "true"); err != nil {
			return ierr.StorageError("set migration flag", err)
		}
		return nil
	}
	if err != nil {
		return ierr.MigrationError("read legacy snapshot", err)
	}

	records, skipped, err := parseLegacySnapshot(data)
	if err != nil {
		return ierr.MigrationError("parse legacy snapshot", err)
	}

	slog.Info("migrating legacy snapshot",
		slog.Int("records", len(records)),
		slog.Int("skipped", skipped))

	if err := importLegacyRecords(ctx, db, records); err != nil {
		// Roll back so a retry starts from a clean table.
		if clearErr := db.ClearChunks(ctx); clearErr != nil {
			slog.Error("failed to roll back partial migration",
				slog.String("error", clearErr.Error()))
		}
		return ierr.MigrationError("import legacy records", err)
	}

	if err := db.SetState(ctx, StateKeyMigrated, "true"); err != nil {
		return ierr.StorageError("set migration flag", err)
	}

	// Keep the blob as a backup rather than deleting it.
	backup := blobPath + ".migrated-" + time.Now().Format("20060102-150405")
	if err := os.Rename(blobPath, backup); err != nil {
		slog.Warn("failed to rename legacy snapshot",
			slog.String("error", err.Error()))
	} else {
		slog.Info("legacy snapshot migrated", slog.String("backup", backup))
	}

	return nil
}

// parseLegacySnapshot accepts both blob shapes and drops structurally
// invalid records (missing path or embedding) instead of failing the
// whole migration. Returns the valid records and the skipped count.
func parseLegacySnapshot(data []byte) ([]legacyRecord, int, error) {
	var flat []legacyRecord
	if err := json.Unmarshal(data, &flat); err == nil {
		return filterLegacyRecords(flat)
	}

	var snap legacySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, 0, fmt.Errorf("unrecognized snapshot format: %w", err)
	}
	if snap.Embeddings == nil {
		return nil, 0, fmt.Errorf("snapshot has no embeddings section")
	}

	var all []legacyRecord
	for path, recs := range snap.Embeddings {
		for _, rec := range recs {
			if rec.Path == "" {
				rec.Path = path
			}
			all = append(all, rec)
		}
	}
	return filterLegacyRecords(all)
}

func filterLegacyRecords(recs []legacyRecord) ([]legacyRecord, int, error) {
	valid := make([]legacyRecord, 0, len(recs))
	skipped := 0
	for _, rec := range recs {
		if rec.Path == "" || len(rec.Embedding) == 0 {
			skipped++
			continue
		}
		valid = append(valid, rec)
	}
	return valid, skipped, nil
}

// importLegacyRecords bulk-inserts in fixed-size batches.
func importLegacyRecords(ctx context.Context, db *DB, records []legacyRecord) error {
	for start := 0; start < len(records); start += migrationBatchSize {
		end := start + migrationBatchSize
		if end > len(records) {
			end = len(records)
		}

		batch := make([]*Chunk, 0, end-start)
		for _, rec := range records[start:end] {
			text := rec.Text
			if text == "" {
				text = rec.Content
			}
			id := rec.ID
			if id == "" {
				id = ChunkID(rec.Path, rec.Seq)
			}
			total := rec.Total
			if total <= 0 {
				total = rec.Seq + 1
			}
			batch = append(batch, &Chunk{
				ID:        id,
				Path:      rec.Path,
				Title:     rec.Title,
				Text:      text,
				Seq:       rec.Seq,
				Total:     total,
				Embedding: rec.Embedding,
			})
		}

		if err := db.SaveChunks(ctx, batch); err != nil {
			return fmt.Errorf("insert batch at offset %d: %w", start, err)
		}
	}
	return nil
}
