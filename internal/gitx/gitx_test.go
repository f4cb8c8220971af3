package gitx

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/metadata"
	"github.com/emmilco/mnemo/internal/search"
	"github.com/emmilco/mnemo/internal/vector"
)

type testRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	wt   *git.Worktree
	when time.Time
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return &testRepo{t: t, dir: dir, repo: repo, wt: wt,
		when: time.Now().Add(-time.Hour)}
}

func (r *testRepo) commit(name, content, msg, author string) string {
	r.t.Helper()
	require.NoError(r.t, os.WriteFile(filepath.Join(r.dir, name), []byte(content), 0o644))
	_, err := r.wt.Add(name)
	require.NoError(r.t, err)

	r.when = r.when.Add(time.Minute)
	hash, err := r.wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: author, Email: author + "@example.com", When: r.when},
	})
	require.NoError(r.t, err)
	return hash.String()
}

// resetTo hard-resets the branch to sha, simulating an in-place
// history rewrite: dropped commits stay resolvable in the object
// store but are no longer reachable from HEAD.
func (r *testRepo) resetTo(sha string) {
	r.t.Helper()
	require.NoError(r.t, r.wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(sha),
		Mode:   git.HardReset,
	}))
}

func TestOpenMissingRepository(t *testing.T) {
	_, err := Open(t.TempDir())
	require.ErrorIs(t, err, faults.ErrRepositoryNotFound)
}

func TestCommitsNewestFirst(t *testing.T) {
	r := newTestRepo(t)
	first := r.commit("a.txt", "one\n", "add a", "alice")
	second := r.commit("b.txt", "two\n", "add b", "bob")
	third := r.commit("a.txt", "one\nmore\n", "extend a", "alice")

	reader, err := Open(r.dir)
	require.NoError(t, err)

	commits, cursorFound, err := reader.Commits(context.Background(), CommitOptions{})
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.True(t, cursorFound)

	assert.Equal(t, third, commits[0].SHA)
	assert.Equal(t, second, commits[1].SHA)
	assert.Equal(t, first, commits[2].SHA)

	assert.Equal(t, "extend a", commits[0].Message)
	assert.Equal(t, "alice", commits[0].Author)
	assert.Equal(t, []string{"a.txt"}, commits[0].Files)
	assert.Equal(t, 1, commits[0].Additions)
	assert.Equal(t, time.UTC, commits[0].Timestamp.Location())
}

func TestCommitsUntilCursor(t *testing.T) {
	r := newTestRepo(t)
	first := r.commit("a.txt", "one\n", "add a", "alice")
	r.commit("b.txt", "two\n", "add b", "alice")
	third := r.commit("c.txt", "three\n", "add c", "alice")

	reader, err := Open(r.dir)
	require.NoError(t, err)

	commits, cursorFound, err := reader.Commits(context.Background(), CommitOptions{Until: first})
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.True(t, cursorFound)
	assert.Equal(t, third, commits[0].SHA)

	// A cursor that no ancestor of HEAD carries exhausts the walk.
	_, cursorFound, err = reader.Commits(context.Background(),
		CommitOptions{Until: strings.Repeat("ab", 20)})
	require.NoError(t, err)
	assert.False(t, cursorFound)
}

func TestFileHistory(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "add a", "alice")
	r.commit("b.txt", "two\n", "add b", "bob")
	r.commit("a.txt", "one\nmore\n", "extend a", "alice")

	reader, err := Open(r.dir)
	require.NoError(t, err)

	history, err := reader.FileHistory(context.Background(), "a.txt", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "extend a", history[0].Message)
	assert.Equal(t, "add a", history[1].Message)
}

func TestBlame(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "add a", "alice")
	r.commit("a.txt", "one\ntwo\n", "extend a", "bob")

	reader, err := Open(r.dir)
	require.NoError(t, err)

	lines, err := reader.Blame(context.Background(), "a.txt")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "alice", lines[0].Author)
	assert.Equal(t, "bob", lines[1].Author)
	assert.Equal(t, 1, lines[0].Line)

	_, err = reader.Blame(context.Background(), "missing.txt")
	require.ErrorIs(t, err, faults.ErrFileNotInRepo)
}

func TestBlameRanges(t *testing.T) {
	r := newTestRepo(t)
	first := r.commit("a.txt", "one\ntwo\n", "add a", "alice")
	second := r.commit("a.txt", "one\ntwo\nthree\nfour\n", "extend a", "bob")

	reader, err := Open(r.dir)
	require.NoError(t, err)

	ranges, err := reader.BlameRanges(context.Background(), "a.txt")
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	assert.Equal(t, first, ranges[0].SHA)
	assert.Equal(t, 1, ranges[0].StartLine)
	assert.Equal(t, 2, ranges[0].EndLine)
	assert.Equal(t, second, ranges[1].SHA)
	assert.Equal(t, 3, ranges[1].StartLine)
	assert.Equal(t, 4, ranges[1].EndLine)
}

// fakeEngine mirrors the deterministic embedder used across packages.
// failSubstr, when set, fails batches and single embeds whose text
// contains it.
type fakeEngine struct {
	dim        int
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

func newAnalyzer(t *testing.T) (*Analyzer, *vector.MemoryStore) {
	return newAnalyzerWithEngine(t, &fakeEngine{dim: 4})
}

func newAnalyzerWithEngine(t *testing.T, engine embedding.Engine) (*Analyzer, *vector.MemoryStore) {
	t.Helper()
	store := vector.NewMemoryStore()
	meta, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	registry := embedding.NewRegistry(config.EmbeddingConfig{})
	registry.SetSemantic(engine)
	return NewAnalyzer(store, meta, registry), store
}

func TestIndexCommitsFullThenIncremental(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "add feature", "alice")
	r.commit("b.txt", "two\n", "fix bug", "bob")

	a, store := newAnalyzer(t)
	ctx := context.Background()

	stats, err := a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CommitsIndexed)
	assert.False(t, stats.Incremental)

	count, err := store.Count(ctx, vector.CollectionCommits, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Nothing new: the cursor matches HEAD.
	stats, err = a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.CommitsIndexed)
	assert.True(t, stats.Incremental)

	// One new commit indexes exactly one vector.
	r.commit("c.txt", "three\n", "add docs", "alice")
	stats, err = a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CommitsIndexed)
	assert.Equal(t, 0, stats.CommitsSkipped)
	assert.True(t, stats.Incremental)

	count, err = store.Count(ctx, vector.CollectionCommits, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestIndexCommitsForceReindexesAll(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "add feature", "alice")
	r.commit("b.txt", "two\n", "fix bug", "bob")

	a, _ := newAnalyzer(t)
	ctx := context.Background()

	stats, err := a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CommitsIndexed)

	r.commit("c.txt", "three\n", "add docs", "alice")

	// Force ignores the cursor: every reachable commit lands again.
	stats, err = a.IndexCommits(ctx, r.dir, "proj", IndexOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CommitsIndexed)
	assert.False(t, stats.Incremental)

	// After a forced run the cursor sits at HEAD again.
	stats, err = a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.CommitsIndexed)
	assert.True(t, stats.Incremental)
}

func TestIndexCommitsLimit(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "first", "alice")
	r.commit("b.txt", "two\n", "second", "alice")
	r.commit("c.txt", "three\n", "third", "alice")

	a, _ := newAnalyzer(t)
	stats, err := a.IndexCommits(context.Background(), r.dir, "proj", IndexOptions{Limit: 2, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CommitsIndexed)
}

func TestIndexCommitsRewrittenHistory(t *testing.T) {
	r := newTestRepo(t)
	first := r.commit("a.txt", "one\n", "add a", "alice")
	dropped := r.commit("b.txt", "two\n", "add b", "alice")

	a, _ := newAnalyzer(t)
	ctx := context.Background()

	stats, err := a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, stats.CommitsIndexed)

	// Rewrite: drop the cursor commit from the branch and replace it.
	// The old SHA still resolves as an object, but no walk from HEAD
	// reaches it, so the incremental path must bail out.
	r.resetTo(first)
	r.commit("c.txt", "three\n", "add c", "alice")

	stats, err = a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)
	assert.False(t, stats.Incremental)
	assert.Equal(t, 2, stats.CommitsIndexed)

	state, err := a.meta.GetGitIndexState(ctx, r.dir)
	require.NoError(t, err)
	assert.NotEqual(t, dropped, state.LastIndexedSHA)
}

func TestIndexCommitsRecordsEmbedFailures(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "good commit", "alice")
	poisoned := r.commit("b.txt", "two\n", "poisoned commit", "alice")

	a, store := newAnalyzerWithEngine(t, &fakeEngine{dim: 4, failSubstr: "poisoned"})
	ctx := context.Background()

	stats, err := a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CommitsIndexed)
	assert.Equal(t, 1, stats.CommitsSkipped)

	require.Len(t, stats.Errors, 1)
	assert.Equal(t, poisoned, stats.Errors[0].SHA)
	assert.Equal(t, "embedding_error", stats.Errors[0].ErrorType)
	assert.NotEmpty(t, stats.Errors[0].Message)

	count, err := store.Count(ctx, vector.CollectionCommits, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIndexCommitsDefaultProject(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "add a", "alice")

	a, store := newAnalyzer(t)
	ctx := context.Background()

	_, err := a.IndexCommits(ctx, r.dir, "", IndexOptions{})
	require.NoError(t, err)

	points, err := store.Scroll(ctx, vector.CollectionCommits, 10, nil, false)
	require.NoError(t, err)
	require.Len(t, points, 1)

	want := filepath.Base(r.dir)
	assert.True(t, strings.HasPrefix(points[0].ID, want+":"))
	assert.Equal(t, want, points[0].Payload["project"])
}

func TestIndexCommitsPayloadShape(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "add a", "alice")

	a, store := newAnalyzer(t)
	ctx := context.Background()

	_, err := a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)

	points, err := store.Scroll(ctx, vector.CollectionCommits, 10, nil, false)
	require.NoError(t, err)
	require.Len(t, points, 1)

	payload := points[0].Payload
	assert.Equal(t, "a.txt", payload["files_changed"])
	assert.Equal(t, 1, payload["file_count"])
	assert.Equal(t, 1, payload["insertions"])
	assert.Equal(t, 0, payload["deletions"])
	assert.NotEmpty(t, payload["indexed_at"])
	assert.NotEmpty(t, payload["timestamp"])
}

func TestSearchCommits(t *testing.T) {
	r := newTestRepo(t)
	r.commit("auth.py", "def login(): pass\n", "implement login flow", "alice")
	r.commit("db.py", "def query(): pass\n", "tune database queries", "bob")

	a, store := newAnalyzer(t)
	ctx := context.Background()

	_, err := a.IndexCommits(ctx, r.dir, "proj", IndexOptions{})
	require.NoError(t, err)

	registry := embedding.NewRegistry(config.EmbeddingConfig{})
	registry.SetSemantic(&fakeEngine{dim: 4})
	searcher := search.New(store, registry)

	results, err := searcher.SearchCommits(ctx, "login", 5, "", time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.NotEmpty(t, results[0].SHA)
	assert.NotEmpty(t, results[0].Files)

	// Empty query short-circuits.
	results, err = searcher.SearchCommits(ctx, "   ", 5, "", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChurnHotspots(t *testing.T) {
	r := newTestRepo(t)
	r.commit("hot.txt", "a\n", "one", "alice")
	r.commit("hot.txt", "a\nb\n", "two", "alice")
	r.commit("hot.txt", "a\nb\nc\n", "three", "bob")
	r.commit("cold.txt", "x\n", "four", "bob")

	a, _ := newAnalyzer(t)

	// Default threshold drops files changed fewer than three times.
	hotspots, err := a.ChurnHotspots(context.Background(), r.dir, 30, 10, 0)
	require.NoError(t, err)
	require.Len(t, hotspots, 1)

	hot := hotspots[0]
	assert.Equal(t, "hot.txt", hot.FilePath)
	assert.Equal(t, 3, hot.ChangeCount)
	assert.GreaterOrEqual(t, hot.Insertions, 3)
	assert.Equal(t, []string{"alice", "bob"}, hot.Authors)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, hot.AuthorEmails)
	assert.False(t, hot.LastChanged.IsZero())

	// A threshold of one admits the cold file, ranked below.
	hotspots, err = a.ChurnHotspots(context.Background(), r.dir, 30, 10, 1)
	require.NoError(t, err)
	require.Len(t, hotspots, 2)
	assert.Equal(t, "hot.txt", hotspots[0].FilePath)
	assert.Equal(t, "cold.txt", hotspots[1].FilePath)
	assert.Equal(t, 1, hotspots[1].ChangeCount)
}

func TestFileAuthors(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "add a", "alice")
	// Bob rewrites every line alice wrote; she still owns history.
	r.commit("a.txt", "two\n", "rewrite a", "bob")
	r.commit("a.txt", "two\nthree\n", "extend a", "alice")

	a, _ := newAnalyzer(t)
	shares, err := a.FileAuthors(context.Background(), r.dir, "a.txt")
	require.NoError(t, err)
	require.Len(t, shares, 2)

	assert.Equal(t, "alice", shares[0].Author)
	assert.Equal(t, "alice@example.com", shares[0].Email)
	assert.Equal(t, 2, shares[0].Commits)
	assert.InDelta(t, 66.6, shares[0].Percentage, 1.0)
	assert.Equal(t, "bob", shares[1].Author)
	assert.Equal(t, 1, shares[1].Commits)

	_, err = a.FileAuthors(context.Background(), r.dir, "missing.txt")
	require.ErrorIs(t, err, faults.ErrFileNotInRepo)
}

func TestBlameSearch(t *testing.T) {
	r := newTestRepo(t)
	authSHA := r.commit("auth.py", "def login():\n    check()\n", "add auth", "alice")
	r.commit("db.py", "def query():\n", "add db", "bob")

	a, _ := newAnalyzer(t)
	ctx := context.Background()

	results, err := a.BlameSearch(ctx, r.dir, "login", "", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	hit := results[0]
	assert.Equal(t, "auth.py", hit.FilePath)
	assert.Equal(t, 1, hit.Line)
	assert.Contains(t, hit.Text, "login")
	assert.Equal(t, authSHA, hit.SHA)
	assert.Equal(t, "alice", hit.Author)
	assert.LessOrEqual(t, hit.StartLine, hit.Line)
	assert.GreaterOrEqual(t, hit.EndLine, hit.Line)

	// The file pattern narrows the grep.
	results, err = a.BlameSearch(ctx, r.dir, "def ", "db.py", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "db.py", results[0].FilePath)

	// The limit caps hits across files.
	results, err = a.BlameSearch(ctx, r.dir, "def ", "", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestBlameSearchValidation(t *testing.T) {
	r := newTestRepo(t)
	r.commit("a.txt", "one\n", "add a", "alice")

	a, _ := newAnalyzer(t)
	ctx := context.Background()

	_, err := a.BlameSearch(ctx, r.dir, "  ", "", 0)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = a.BlameSearch(ctx, r.dir, "(unclosed", "", 0)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}
