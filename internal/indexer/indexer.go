// Package indexer orchestrates the code indexing pipeline:
// parse → change-detect → delete-before-insert → batch-embed → upsert,
// with the indexed_files metadata keeping reindex decisions cheap.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/metadata"
	"github.com/emmilco/mnemo/internal/parser"
	"github.com/emmilco/mnemo/internal/vector"
)

// Indexer drives the code indexing pipeline for one vector store.
type Indexer struct {
	store    vector.Store
	meta     *metadata.Store
	registry *embedding.Registry
	parser   *parser.Parser
	guard    *vector.Ensurer

	batchSize int
	truncate  int
	snippet   int
}

// Options tune the pipeline. Zero values take the configured defaults.
type Options struct {
	// BatchSize is the max units per embed-batch call. Default 100.
	BatchSize int

	// TruncateContent caps the content portion of embedding text.
	// Default 2000.
	TruncateContent int

	// SnippetLimit caps the stored snippet payload. Default 5000.
	SnippetLimit int
}

// New creates an indexer. The collection guard binds to the code
// embedder's live dimension.
func New(store vector.Store, meta *metadata.Store, registry *embedding.Registry, opts Options) *Indexer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.TruncateContent <= 0 {
		opts.TruncateContent = 2000
	}
	if opts.SnippetLimit <= 0 {
		opts.SnippetLimit = 5000
	}

	ix := &Indexer{
		store:     store,
		meta:      meta,
		registry:  registry,
		parser:    parser.New(),
		batchSize: opts.BatchSize,
		truncate:  opts.TruncateContent,
		snippet:   opts.SnippetLimit,
	}
	ix.guard = vector.NewEnsurer(store, vector.CollectionCodeUnits, func(ctx context.Context) (int, error) {
		engine, err := registry.Code()
		if err != nil {
			return 0, err
		}
		return engine.Dimensions(ctx)
	})
	return ix
}

// Close releases parser resources.
func (ix *Indexer) Close() {
	ix.parser.Close()
}

// IndexFile indexes one file and returns the number of units indexed.
// An up-to-date file returns 0 without touching the store; a broken
// file logs a warning and returns 0.
func (ix *Indexer) IndexFile(ctx context.Context, path, project string) (int, error) {
	log := logging.Get(logging.CategoryIndexer)

	if err := ix.guard.Ensure(ctx); err != nil {
		return 0, err
	}

	needs, err := ix.NeedsReindex(ctx, path, project)
	if err != nil {
		return 0, err
	}
	if !needs {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	lang := parser.DetectLanguage(path)
	if lang == "" {
		return 0, nil
	}

	units, err := ix.parser.Parse(ctx, path, lang, data)
	if err != nil {
		if errors.Is(err, faults.ErrParse) {
			log.Warn("parse failed, skipping file",
				zap.String("path", path), zap.Error(err))
			return 0, nil
		}
		return 0, err
	}

	if len(units) == 0 {
		// A file that previously had units and now parses to none
		// must not leave orphans behind.
		if _, err := ix.deleteFileVectors(ctx, path, project); err != nil {
			return 0, err
		}
		if _, err := ix.meta.DeleteIndexedFile(ctx, project, path); err != nil {
			return 0, err
		}
		return 0, nil
	}

	// Delete before insert: after any successful reindex the vector
	// set for (project, path) equals exactly this parse's units.
	if _, err := ix.deleteFileVectors(ctx, path, project); err != nil {
		return 0, err
	}

	engine, err := ix.registry.Code()
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = ix.embeddingText(u)
	}

	vectors, err := embedInBatches(ctx, engine, texts, ix.batchSize)
	if err != nil {
		return 0, fmt.Errorf("%w: embed %s: %v", faults.ErrEmbedding, path, err)
	}

	now := time.Now().UTC()
	for i, u := range units {
		snippet := u.Content
		if len(snippet) > ix.snippet {
			snippet = snippet[:ix.snippet]
		}
		payload := vector.Payload{
			"project":        project,
			"file_path":      u.FilePath,
			"name":           u.Name,
			"qualified_name": u.QualifiedName,
			"unit_type":      string(u.Type),
			"signature":      u.Signature,
			"snippet":        snippet,
			"language":       u.Language,
			"start_line":     u.StartLine,
			"end_line":       u.EndLine,
			"line_count":     u.EndLine - u.StartLine + 1,
			"has_docstring":  u.Docstring != "",
			"indexed_at":     now.Format(time.RFC3339),
		}
		if u.Complexity > 0 {
			payload["complexity"] = u.Complexity
		}
		id := parser.GenerateUnitID(project, u.FilePath, u.QualifiedName)
		if err := ix.store.Upsert(ctx, vector.CollectionCodeUnits, id, vectors[i], payload); err != nil {
			return 0, fmt.Errorf("upsert unit %s: %w", u.QualifiedName, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	row := &metadata.IndexedFile{
		Project:     project,
		FilePath:    path,
		ContentHash: parser.HashContent(data),
		MTime:       info.ModTime().UTC(),
		Language:    lang,
		UnitCount:   len(units),
		IndexedAt:   now,
	}
	if err := ix.meta.PutIndexedFile(ctx, row); err != nil {
		return 0, err
	}

	log.Info("file indexed",
		zap.String("path", path),
		zap.String("project", project),
		zap.Int("units", len(units)))
	return len(units), nil
}

// NeedsReindex decides whether a file changed since its last index.
// The mtime fast path avoids hashing unmodified files.
func (ix *Indexer) NeedsReindex(ctx context.Context, path, project string) (bool, error) {
	row, err := ix.meta.GetIndexedFile(ctx, project, path)
	if err != nil {
		return false, err
	}
	if row == nil {
		return true, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.ModTime().UTC().After(row.MTime) {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	return parser.HashContent(data) != row.ContentHash, nil
}

// embeddingText builds the text embedded for one unit:
// signature, docstring, then truncated content.
func (ix *Indexer) embeddingText(u parser.SemanticUnit) string {
	content := u.Content
	if len(content) > ix.truncate {
		content = content[:ix.truncate]
	}
	return u.Signature + "\n\n" + u.Docstring + "\n\n" + content
}

// deleteFileVectors removes every vector tagged (project, path).
func (ix *Indexer) deleteFileVectors(ctx context.Context, path, project string) (int, error) {
	filter := &vector.Filter{Equals: map[string]interface{}{
		"project":   project,
		"file_path": path,
	}}

	removed := 0
	for {
		batch, err := ix.store.Scroll(ctx, vector.CollectionCodeUnits, 500, filter, false)
		if err != nil {
			if errors.Is(err, faults.ErrNotFound) {
				return removed, nil
			}
			return removed, fmt.Errorf("scroll stale units: %w", err)
		}
		if len(batch) == 0 {
			return removed, nil
		}
		for _, res := range batch {
			if err := ix.store.Delete(ctx, vector.CollectionCodeUnits, res.ID); err != nil {
				return removed, fmt.Errorf("delete stale unit %s: %w", res.ID, err)
			}
			removed++
		}
	}
}

// RemoveFile deletes all vectors and metadata for one file. Returns
// the number of vectors removed.
func (ix *Indexer) RemoveFile(ctx context.Context, path, project string) (int, error) {
	removed, err := ix.deleteFileVectors(ctx, path, project)
	if err != nil {
		return removed, err
	}
	if _, err := ix.meta.DeleteIndexedFile(ctx, project, path); err != nil {
		return removed, err
	}
	return removed, nil
}

// RemoveProject deletes every indexed file of a project. Returns the
// number of vectors removed.
func (ix *Indexer) RemoveProject(ctx context.Context, project string) (int, error) {
	rows, err := ix.meta.ListIndexedFiles(ctx, project)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, row := range rows {
		n, err := ix.RemoveFile(ctx, row.FilePath, project)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// walkCandidates yields the supported source files under root.
func walkCandidates(root string, recursive bool, exclude []string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recursive {
				return fs.SkipDir
			}
			if excluded(root, path, exclude) {
				return fs.SkipDir
			}
			return nil
		}
		if parser.DetectLanguage(path) == "" {
			return nil
		}
		if excluded(root, path, exclude) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// excluded matches glob patterns against the base name and the
// root-relative path.
func excluded(root, path string, patterns []string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	base := filepath.Base(path)
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
	}
	return false
}
