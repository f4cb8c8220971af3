package indexer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/metadata"
	"github.com/emmilco/mnemo/internal/vector"
)

// fakeEngine returns deterministic vectors derived from the text
// hash. failSubstr, when set, fails any embed whose text contains it.
type fakeEngine struct {
	dim        int
	batches    int
	failSubstr string
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.failSubstr != "" && strings.Contains(text, f.failSubstr) {
		return nil, errors.New("model rejected input")
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)])/255 + 0.01
	}
	return vec, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batches++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEngine) Dimensions(ctx context.Context) (int, error) { return f.dim, nil }
func (f *fakeEngine) Name() string                                { return "fake" }

func newTestIndexer(t *testing.T) (*Indexer, *vector.MemoryStore) {
	t.Helper()

	store := vector.NewMemoryStore()
	meta, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	registry := embedding.NewRegistry(config.EmbeddingConfig{})
	registry.SetCode(&fakeEngine{dim: 4})

	ix := New(store, meta, registry, Options{})
	t.Cleanup(ix.Close)
	return ix, store
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIndexFileThenUpToDate(t *testing.T) {
	ix, store := newTestIndexer(t)
	ctx := context.Background()
	dir := t.TempDir()

	path := writeSource(t, dir, "calc.py", `def add(a, b):
    return a + b


def sub(a, b):
    return a - b
`)

	n, err := ix.IndexFile(ctx, path, "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := store.Count(ctx, vector.CollectionCodeUnits, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Unchanged file is a no-op.
	n, err = ix.IndexFile(ctx, path, "proj")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReindexRemovesOrphans(t *testing.T) {
	ix, store := newTestIndexer(t)
	ctx := context.Background()
	dir := t.TempDir()

	path := writeSource(t, dir, "many.py", `def a():
    pass


def b():
    pass


def c():
    pass
`)
	n, err := ix.IndexFile(ctx, path, "proj")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Shrink the file to one unit. The deleted functions must not
	// survive in the vector store.
	require.NoError(t, os.WriteFile(path, []byte("def a():\n    return 1\n"), 0o644))
	require.NoError(t, os.Chtimes(path, time.Now().Add(2*time.Second), time.Now().Add(2*time.Second)))

	n, err = ix.IndexFile(ctx, path, "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := store.Count(ctx, vector.CollectionCodeUnits, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIndexFileBrokenParseIsNonFatal(t *testing.T) {
	ix, _ := newTestIndexer(t)
	dir := t.TempDir()

	path := writeSource(t, dir, "broken.py", "def broken(:\n    pass")
	n, err := ix.IndexFile(context.Background(), path, "proj")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIndexDirectory(t *testing.T) {
	ix, _ := newTestIndexer(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeSource(t, dir, "a.py", "def a():\n    pass\n")
	writeSource(t, dir, "sub/b.py", "def b():\n    pass\n")
	writeSource(t, dir, "node_modules/dep.js", "function x() {}\n")
	writeSource(t, dir, "README.md", "# not source\n")

	stats, err := ix.IndexDirectory(ctx, dir, "proj", true, []string{"node_modules"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesIndexed)
	assert.Equal(t, 2, stats.UnitsIndexed)
	assert.Empty(t, stats.Errors)

	// A second run finds everything up to date.
	stats, err = ix.IndexDirectory(ctx, dir, "proj", true, []string{"node_modules"})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesIndexed)
	assert.Equal(t, 2, stats.FilesSkipped)
}

func TestIndexDirectoryEmbedFailureDoesNotAbort(t *testing.T) {
	store := vector.NewMemoryStore()
	meta, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	registry := embedding.NewRegistry(config.EmbeddingConfig{})
	registry.SetCode(&fakeEngine{dim: 4, failSubstr: "poisoned_token"})

	ix := New(store, meta, registry, Options{})
	t.Cleanup(ix.Close)

	ctx := context.Background()
	dir := t.TempDir()
	writeSource(t, dir, "good.py", "def fine():\n    pass\n")
	writeSource(t, dir, "bad.py", "def poisoned_token():\n    pass\n")

	// One file's embed failure is recorded; the walk finishes and the
	// healthy file still lands.
	stats, err := ix.IndexDirectory(ctx, dir, "proj", true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesIndexed)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, "embedding_error", stats.Errors[0].Kind)
	assert.Contains(t, stats.Errors[0].Path, "bad.py")

	count, err := store.Count(ctx, vector.CollectionCodeUnits, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClassifyUnknownError(t *testing.T) {
	assert.Equal(t, "unknown_error", classify(errors.New("something odd")))
	assert.Equal(t, "embedding_error", classify(fmt.Errorf("%w: backend down", faults.ErrEmbedding)))
	assert.Equal(t, "parse_error", classify(fmt.Errorf("%w: broken", faults.ErrParse)))
	assert.Equal(t, "io_error", classify(&fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}))
}

func TestIndexDirectoryNonRecursive(t *testing.T) {
	ix, _ := newTestIndexer(t)
	dir := t.TempDir()

	writeSource(t, dir, "top.py", "def t():\n    pass\n")
	writeSource(t, dir, "nested/deep.py", "def d():\n    pass\n")

	stats, err := ix.IndexDirectory(context.Background(), dir, "proj", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesIndexed)
}

func TestRemoveFileAndProject(t *testing.T) {
	ix, store := newTestIndexer(t)
	ctx := context.Background()
	dir := t.TempDir()

	a := writeSource(t, dir, "a.py", "def a():\n    pass\n")
	writeSource(t, dir, "b.py", "def b():\n    pass\n")

	_, err := ix.IndexDirectory(ctx, dir, "proj", true, nil)
	require.NoError(t, err)

	removed, err := ix.RemoveFile(ctx, a, "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = ix.RemoveProject(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err := store.Count(ctx, vector.CollectionCodeUnits, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestProjectStats(t *testing.T) {
	ix, _ := newTestIndexer(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeSource(t, dir, "a.py", "def a():\n    pass\n")
	writeSource(t, dir, "b.ts", "function b() {}\n")

	_, err := ix.IndexDirectory(ctx, dir, "proj", true, nil)
	require.NoError(t, err)

	stats, err := ix.Stats(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FileCount)
	assert.Equal(t, 2, stats.UnitCount)
	assert.Equal(t, 1, stats.Languages["python"])
	assert.Equal(t, 1, stats.Languages["typescript"])
	assert.False(t, stats.LastIndexed.IsZero())
}
