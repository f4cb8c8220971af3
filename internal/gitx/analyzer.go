package gitx

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/metadata"
	"github.com/emmilco/mnemo/internal/vector"
)

const (
	// commitWindow bounds a full index to recent history.
	commitWindow = 5 * 365 * 24 * time.Hour
	// commitWalkCap bounds the walk in pathological repos.
	commitWalkCap = 10000
	// commitBatchSize is the embed-batch granularity.
	commitBatchSize = 75
	// filesSummaryLimit truncates the file list inside embedding text.
	filesSummaryLimit = 500
)

// Analyzer indexes commit history as vectors and answers history
// queries over them.
type Analyzer struct {
	store    vector.Store
	meta     *metadata.Store
	registry *embedding.Registry
	guard    *vector.Ensurer
}

// IndexOptions tunes one IndexCommits run. Zero values mean defaults.
type IndexOptions struct {
	// Since drops commits older than this time on a full index. The
	// five-year window still applies; the later bound wins.
	Since time.Time
	// Limit caps the commits indexed on a full index.
	Limit int
	// Force ignores the stored cursor and reindexes from scratch.
	Force bool
}

// IndexingError records one commit that could not be indexed.
type IndexingError struct {
	SHA       string `json:"sha"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// CommitIndexStats summarizes one index_commits run.
type CommitIndexStats struct {
	CommitsIndexed int             `json:"commits_indexed"`
	CommitsSkipped int             `json:"commits_skipped"`
	HeadSHA        string          `json:"head_sha"`
	Incremental    bool            `json:"incremental"`
	DurationMS     int64           `json:"duration_ms"`
	Errors         []IndexingError `json:"errors,omitempty"`
}

// Hotspot is one file ranked by how often it changed in the window.
type Hotspot struct {
	FilePath     string    `json:"file_path"`
	ChangeCount  int       `json:"change_count"`
	Insertions   int       `json:"insertions"`
	Deletions    int       `json:"deletions"`
	Authors      []string  `json:"authors"`
	AuthorEmails []string  `json:"author_emails"`
	LastChanged  time.Time `json:"last_changed"`
}

// AuthorShare attributes a fraction of a file's history to one author.
type AuthorShare struct {
	Author     string  `json:"author"`
	Email      string  `json:"email"`
	Commits    int     `json:"commits"`
	Percentage float64 `json:"percentage"`
}

// BlameSearchResult is one grep hit mapped to the blame range that
// owns the matching line.
type BlameSearchResult struct {
	FilePath  string    `json:"file_path"`
	Line      int       `json:"line"`
	Text      string    `json:"text"`
	SHA       string    `json:"sha"`
	Author    string    `json:"author"`
	Date      time.Time `json:"date"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
}

// NewAnalyzer creates a commit analyzer bound to the commits
// collection.
func NewAnalyzer(store vector.Store, meta *metadata.Store, registry *embedding.Registry) *Analyzer {
	a := &Analyzer{store: store, meta: meta, registry: registry}
	a.guard = vector.NewEnsurer(store, vector.CollectionCommits, func(ctx context.Context) (int, error) {
		engine, err := registry.Semantic()
		if err != nil {
			return 0, err
		}
		return engine.Dimensions(ctx)
	})
	return a
}

// IndexCommits indexes first-parent history of the repo at repoPath.
// Subsequent runs are incremental from the stored cursor; a cursor the
// walk never encounters (rebased or force-pushed history) triggers a
// full reindex. An empty project defaults to the repository directory
// name.
func (a *Analyzer) IndexCommits(ctx context.Context, repoPath, project string, opts IndexOptions) (*CommitIndexStats, error) {
	log := logging.Get(logging.CategoryGit)
	start := time.Now()

	if err := a.guard.Ensure(ctx); err != nil {
		return nil, err
	}

	reader, err := Open(repoPath)
	if err != nil {
		return nil, err
	}
	if project == "" {
		project = defaultProject(reader, repoPath)
	}
	head, err := reader.HeadSHA()
	if err != nil {
		return nil, err
	}

	state, err := a.meta.GetGitIndexState(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	since := time.Now().Add(-commitWindow)
	if opts.Since.After(since) {
		since = opts.Since
	}
	maxCount := commitWalkCap
	if opts.Limit > 0 && opts.Limit < maxCount {
		maxCount = opts.Limit
	}

	incremental := false
	var commits []Commit
	if !opts.Force && state != nil && state.LastIndexedSHA != "" {
		if state.LastIndexedSHA == head {
			return &CommitIndexStats{HeadSHA: head, Incremental: true,
				DurationMS: time.Since(start).Milliseconds()}, nil
		}
		var cursorFound bool
		commits, cursorFound, err = reader.Commits(ctx, CommitOptions{
			MaxCount: commitWalkCap,
			Until:    state.LastIndexedSHA,
		})
		if err != nil {
			return nil, err
		}
		if cursorFound {
			incremental = true
		} else {
			log.Warn("last indexed commit not found; history rewritten; running full reindex",
				zap.String("repo", repoPath),
				zap.String("last_indexed_sha", state.LastIndexedSHA))
		}
	}
	if !incremental {
		commits, _, err = reader.Commits(ctx, CommitOptions{MaxCount: maxCount, Since: since})
		if err != nil {
			return nil, err
		}
	}

	engine, err := a.registry.Semantic()
	if err != nil {
		return nil, err
	}

	stats := &CommitIndexStats{HeadSHA: head, Incremental: incremental}
	for batchStart := 0; batchStart < len(commits); batchStart += commitBatchSize {
		batchEnd := batchStart + commitBatchSize
		if batchEnd > len(commits) {
			batchEnd = len(commits)
		}
		batch := commits[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = commitEmbeddingText(c)
		}

		vectors, err := engine.EmbedBatch(ctx, texts)
		if err != nil {
			// Retry per item so one poisoned commit does not sink
			// the whole batch.
			vectors = make([][]float32, len(batch))
			for i, text := range texts {
				vec, itemErr := engine.Embed(ctx, text)
				if itemErr != nil {
					log.Warn("commit embedding failed, skipping",
						zap.String("sha", batch[i].SHA), zap.Error(itemErr))
					stats.Errors = append(stats.Errors, IndexingError{
						SHA:       batch[i].SHA,
						ErrorType: "embedding_error",
						Message:   itemErr.Error(),
					})
					continue
				}
				vectors[i] = vec
			}
		}

		for i, c := range batch {
			if vectors[i] == nil {
				stats.CommitsSkipped++
				continue
			}
			if err := a.store.Upsert(ctx, vector.CollectionCommits, commitPointID(project, c.SHA), vectors[i], commitPayload(project, repoPath, c)); err != nil {
				return stats, fmt.Errorf("upsert commit %s: %w", c.SHA, err)
			}
			stats.CommitsIndexed++
		}
	}

	// Advance the cursor only when this run actually landed commits,
	// or there was nothing to land; a run where every embed failed
	// must stay retryable.
	if stats.CommitsIndexed > 0 || len(commits) == 0 {
		newState := &metadata.GitIndexState{
			RepoPath:       repoPath,
			LastIndexedSHA: head,
			LastIndexedAt:  time.Now().UTC(),
			CommitCount:    stats.CommitsIndexed,
		}
		if state != nil && incremental {
			newState.CommitCount += state.CommitCount
		}
		if err := a.meta.PutGitIndexState(ctx, newState); err != nil {
			return stats, err
		}
	}

	stats.DurationMS = time.Since(start).Milliseconds()
	log.Info("commits indexed",
		zap.String("repo", repoPath),
		zap.String("project", project),
		zap.Int("indexed", stats.CommitsIndexed),
		zap.Bool("incremental", incremental))
	return stats, nil
}

// defaultProject derives a project name from the worktree root, or
// from the given path when the root is unavailable.
func defaultProject(reader *Reader, repoPath string) string {
	if root, err := reader.Root(); err == nil {
		return filepath.Base(root)
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return filepath.Base(repoPath)
	}
	return filepath.Base(abs)
}

// commitEmbeddingText is what gets embedded per commit: the message,
// a truncated file list, and the author.
func commitEmbeddingText(c Commit) string {
	files := strings.Join(c.Files, ", ")
	if len(files) > filesSummaryLimit {
		files = files[:filesSummaryLimit]
	}
	return c.Message + "\n\nFiles: " + files + "\n\nAuthor: " + c.Author
}

func commitPointID(project, sha string) string {
	return project + ":" + sha
}

func commitPayload(project, repoPath string, c Commit) vector.Payload {
	return vector.Payload{
		"project":       project,
		"repo_path":     repoPath,
		"sha":           c.SHA,
		"author":        c.Author,
		"author_email":  c.AuthorEmail,
		"message":       c.Message,
		"files_changed": strings.Join(c.Files, ", "),
		"file_count":    len(c.Files),
		"timestamp":     c.Timestamp.Format(time.RFC3339),
		"insertions":    c.Additions,
		"deletions":     c.Deletions,
		"indexed_at":    time.Now().UTC().Format(time.RFC3339),
	}
}

// ChurnHotspots ranks files by how many commits touched them inside
// the window, with per-file line stats and author aggregates. Files
// changed fewer than minChanges times are dropped.
func (a *Analyzer) ChurnHotspots(ctx context.Context, repoPath string, days, limit, minChanges int) ([]Hotspot, error) {
	if days <= 0 {
		days = 90
	}
	if limit <= 0 {
		limit = 10
	}
	if minChanges <= 0 {
		minChanges = 3
	}

	reader, err := Open(repoPath)
	if err != nil {
		return nil, err
	}
	changes, err := reader.FileChanges(ctx, CommitOptions{
		MaxCount: commitWalkCap,
		Since:    time.Now().Add(-time.Duration(days) * 24 * time.Hour),
	})
	if err != nil {
		return nil, err
	}

	hotspots := make([]Hotspot, 0, len(changes))
	for file, ch := range changes {
		if ch.Commits < minChanges {
			continue
		}
		authors := make([]string, 0, len(ch.Authors))
		emails := make([]string, 0, len(ch.Authors))
		for name := range ch.Authors {
			authors = append(authors, name)
		}
		sort.Strings(authors)
		for _, name := range authors {
			emails = append(emails, ch.Authors[name])
		}
		hotspots = append(hotspots, Hotspot{
			FilePath:     file,
			ChangeCount:  ch.Commits,
			Insertions:   ch.Additions,
			Deletions:    ch.Deletions,
			Authors:      authors,
			AuthorEmails: emails,
			LastChanged:  ch.LastChanged,
		})
	}
	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].ChangeCount != hotspots[j].ChangeCount {
			return hotspots[i].ChangeCount > hotspots[j].ChangeCount
		}
		return hotspots[i].FilePath < hotspots[j].FilePath
	})
	if len(hotspots) > limit {
		hotspots = hotspots[:limit]
	}
	return hotspots, nil
}

// FileAuthors attributes a file to authors by the commits that touched
// it, so contributors whose lines were later rewritten still appear.
func (a *Analyzer) FileAuthors(ctx context.Context, repoPath, filePath string) ([]AuthorShare, error) {
	reader, err := Open(repoPath)
	if err != nil {
		return nil, err
	}
	history, err := reader.FileHistory(ctx, filePath, 0)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", faults.ErrFileNotInRepo, filePath)
	}

	counts := map[string]int{}
	emails := map[string]string{}
	for _, c := range history {
		counts[c.Author]++
		emails[c.Author] = c.AuthorEmail
	}
	shares := make([]AuthorShare, 0, len(counts))
	for author, n := range counts {
		shares = append(shares, AuthorShare{
			Author:     author,
			Email:      emails[author],
			Commits:    n,
			Percentage: float64(n) / float64(len(history)) * 100,
		})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Commits != shares[j].Commits {
			return shares[i].Commits > shares[j].Commits
		}
		return shares[i].Author < shares[j].Author
	})
	return shares, nil
}

// BlameSearch greps the tree at HEAD for pattern and attributes each
// matching line to the blame range containing it. filePattern, when
// non-empty, restricts the grep to matching paths.
func (a *Analyzer) BlameSearch(ctx context.Context, repoPath, pattern, filePattern string, limit int) ([]BlameSearchResult, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, faults.Validation("pattern must not be empty")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, faults.Validation("invalid pattern: %v", err)
	}
	if limit <= 0 {
		limit = 20
	}

	reader, err := Open(repoPath)
	if err != nil {
		return nil, err
	}
	hits, err := reader.Grep(ctx, re, filePattern, limit)
	if err != nil {
		return nil, err
	}

	ranges := map[string][]BlameRange{}
	results := make([]BlameSearchResult, 0, len(hits))
	for _, hit := range hits {
		fileRanges, ok := ranges[hit.Path]
		if !ok {
			fileRanges, err = reader.BlameRanges(ctx, hit.Path)
			if err != nil {
				logging.Get(logging.CategoryGit).Warn("blame failed, dropping hit",
					zap.String("file", hit.Path), zap.Error(err))
				ranges[hit.Path] = nil
				continue
			}
			ranges[hit.Path] = fileRanges
		}
		for _, rg := range fileRanges {
			if hit.Line < rg.StartLine || hit.Line > rg.EndLine {
				continue
			}
			results = append(results, BlameSearchResult{
				FilePath:  hit.Path,
				Line:      hit.Line,
				Text:      hit.Text,
				SHA:       rg.SHA,
				Author:    rg.Author,
				Date:      rg.Date,
				StartLine: rg.StartLine,
				EndLine:   rg.EndLine,
			})
			break
		}
	}
	return results, nil
}

// FileHistory returns the commits touching one path, newest first.
func (a *Analyzer) FileHistory(ctx context.Context, repoPath, filePath string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	reader, err := Open(repoPath)
	if err != nil {
		return nil, err
	}
	return reader.FileHistory(ctx, filePath, limit)
}
