package indexer

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
)

// IndexingStats summarizes a directory run.
type IndexingStats struct {
	FilesIndexed int          `json:"files_indexed"`
	UnitsIndexed int          `json:"units_indexed"`
	FilesSkipped int          `json:"files_skipped"`
	Errors       []IndexError `json:"errors,omitempty"`
	DurationMS   int64        `json:"duration_ms"`
}

// IndexError records one file that could not be indexed.
type IndexError struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ProjectStats reports what the index currently holds for a project.
type ProjectStats struct {
	Project     string         `json:"project"`
	FileCount   int            `json:"file_count"`
	UnitCount   int            `json:"unit_count"`
	Languages   map[string]int `json:"languages"`
	LastIndexed time.Time      `json:"last_indexed"`
}

// IndexDirectory walks root and indexes every supported source file.
// Per-file failures of any kind are recorded, never fatal; only
// cancellation stops the walk.
func (ix *Indexer) IndexDirectory(ctx context.Context, root, project string, recursive bool, exclude []string) (*IndexingStats, error) {
	log := logging.Get(logging.CategoryIndexer)
	start := time.Now()

	paths, err := walkCandidates(root, recursive, exclude)
	if err != nil {
		return nil, err
	}

	stats := &IndexingStats{}
	for _, path := range paths {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		n, err := ix.IndexFile(ctx, path, project)
		if err != nil {
			stats.Errors = append(stats.Errors, IndexError{
				Path:    path,
				Kind:    classify(err),
				Message: err.Error(),
			})
			continue
		}
		if n > 0 {
			stats.FilesIndexed++
			stats.UnitsIndexed += n
		} else {
			stats.FilesSkipped++
		}
	}
	stats.DurationMS = time.Since(start).Milliseconds()

	log.Info("directory indexed",
		zap.String("root", root),
		zap.String("project", project),
		zap.Int("files", stats.FilesIndexed),
		zap.Int("units", stats.UnitsIndexed),
		zap.Int("skipped", stats.FilesSkipped),
		zap.Int("errors", len(stats.Errors)),
		zap.Int64("duration_ms", stats.DurationMS))
	return stats, nil
}

// Stats summarizes the metadata rows for a project.
func (ix *Indexer) Stats(ctx context.Context, project string) (*ProjectStats, error) {
	rows, err := ix.meta.ListIndexedFiles(ctx, project)
	if err != nil {
		return nil, err
	}

	stats := &ProjectStats{Project: project, Languages: map[string]int{}}
	for _, row := range rows {
		stats.FileCount++
		stats.UnitCount += row.UnitCount
		if row.Language != "" {
			stats.Languages[row.Language]++
		}
		if row.IndexedAt.After(stats.LastIndexed) {
			stats.LastIndexed = row.IndexedAt
		}
	}
	return stats, nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, faults.ErrParse):
		return "parse_error"
	case errors.Is(err, faults.ErrEncoding):
		return "encoding_error"
	case errors.Is(err, faults.ErrEmbedding), errors.Is(err, faults.ErrEmbeddingModel):
		return "embedding_error"
	case isIOError(err):
		return "io_error"
	default:
		return "unknown_error"
	}
}

func isIOError(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}

// embedInBatches splits texts into batchSize chunks.
func embedInBatches(ctx context.Context, engine embedding.Engine, texts []string, batchSize int) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := engine.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}
