// Package gitx reads repository history through go-git and feeds the
// commit indexing pipeline. No git binary is required.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
)

// Commit is one first-parent history entry with its diff stats.
type Commit struct {
	SHA         string    `json:"sha"`
	Author      string    `json:"author"`
	AuthorEmail string    `json:"author_email"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Files       []string  `json:"files"`
	Additions   int       `json:"additions"`
	Deletions   int       `json:"deletions"`
}

// BlameLine attributes one line of a file.
type BlameLine struct {
	Line   int       `json:"line"`
	SHA    string    `json:"sha"`
	Author string    `json:"author"`
	Date   time.Time `json:"date"`
	Text   string    `json:"text"`
}

// CommitOptions bound a history walk. Zero values mean unbounded.
type CommitOptions struct {
	// MaxCount caps the number of commits returned.
	MaxCount int
	// Since drops commits older than this time.
	Since time.Time
	// Until stops the walk once this SHA is reached (exclusive).
	Until string
}

// Reader wraps one opened repository.
type Reader struct {
	repo *git.Repository
	path string
}

// Open opens the repository containing path, searching upward for the
// .git directory the way the git CLI does.
func Open(path string) (*Reader, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", faults.ErrRepositoryNotFound, path)
		}
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}

	r := &Reader{repo: repo, path: path}
	if shallows, err := repo.Storer.Shallow(); err == nil && len(shallows) > 0 {
		logging.Get(logging.CategoryGit).Warn("repository is a shallow clone; history is incomplete",
			zap.String("path", path))
	}
	return r, nil
}

// Root returns the worktree root of the repository.
func (r *Reader) Root() (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	return wt.Filesystem.Root(), nil
}

// HeadSHA returns the current HEAD commit hash. A detached HEAD is
// fine; only an unborn branch errors.
func (r *Reader) HeadSHA() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// Commits walks first-parent history from HEAD, newest first. Merge
// side branches are represented only by their merge commit. The second
// return reports whether the walk terminated at opts.Until; it is true
// whenever no cursor was requested, and false when the walk exhausted
// (genesis, Since cutoff, or MaxCount) without encountering it, which
// is how rewritten history announces itself.
func (r *Reader) Commits(ctx context.Context, opts CommitOptions) ([]Commit, bool, error) {
	cursorFound := opts.Until == ""

	head, err := r.repo.Head()
	if err != nil {
		return nil, cursorFound, fmt.Errorf("resolve HEAD: %w", err)
	}
	current, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, cursorFound, fmt.Errorf("load HEAD commit: %w", err)
	}

	var commits []Commit
	for {
		if err := ctx.Err(); err != nil {
			return commits, cursorFound, err
		}
		if opts.Until != "" && current.Hash.String() == opts.Until {
			return commits, true, nil
		}
		if !opts.Since.IsZero() && current.Author.When.Before(opts.Since) {
			return commits, cursorFound, nil
		}

		c, err := describeCommit(ctx, current)
		if err != nil {
			return commits, cursorFound, err
		}
		commits = append(commits, c)

		if opts.MaxCount > 0 && len(commits) >= opts.MaxCount {
			return commits, cursorFound, nil
		}
		if current.NumParents() == 0 {
			return commits, cursorFound, nil
		}
		current, err = current.Parent(0)
		if err != nil {
			return commits, cursorFound, fmt.Errorf("load parent of %s: %w", c.SHA, err)
		}
	}
}

// describeCommit flattens one commit plus its first-parent diff stats.
func describeCommit(ctx context.Context, c *object.Commit) (Commit, error) {
	out := Commit{
		SHA:         c.Hash.String(),
		Author:      c.Author.Name,
		AuthorEmail: c.Author.Email,
		Message:     strings.TrimSpace(c.Message),
		Timestamp:   c.Author.When.UTC(),
	}

	stats, err := c.StatsContext(ctx)
	if err != nil {
		// Stats failures (odd merges, broken trees) degrade to an
		// empty file list rather than dropping the commit.
		logging.Get(logging.CategoryGit).Debug("commit stats unavailable",
			zap.String("sha", out.SHA), zap.Error(err))
		return out, nil
	}
	for _, fs := range stats {
		out.Files = append(out.Files, fs.Name)
		out.Additions += fs.Addition
		out.Deletions += fs.Deletion
	}
	return out, nil
}

// FileHistory returns the commits that touched one path, newest first.
func (r *Reader) FileHistory(ctx context.Context, path string, maxCount int) ([]Commit, error) {
	iter, err := r.repo.Log(&git.LogOptions{
		FileName: &path,
		Order:    git.LogOrderCommitterTime,
	})
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", path, err)
	}
	defer iter.Close()

	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		desc, err := describeCommit(ctx, c)
		if err != nil {
			return err
		}
		commits = append(commits, desc)
		if maxCount > 0 && len(commits) >= maxCount {
			return storerStop
		}
		return nil
	})
	if err != nil && err != storerStop {
		return commits, err
	}
	return commits, nil
}

var storerStop = errors.New("stop iteration")

// FileChange accumulates per-file diff stats across a walk. Authors
// maps distinct author names to their email addresses.
type FileChange struct {
	Commits     int
	Additions   int
	Deletions   int
	Authors     map[string]string
	LastChanged time.Time
}

// FileChanges walks first-parent history and accumulates per-file
// stats, for churn ranking.
func (r *Reader) FileChanges(ctx context.Context, opts CommitOptions) (map[string]*FileChange, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	current, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}

	changes := map[string]*FileChange{}
	walked := 0
	for {
		if err := ctx.Err(); err != nil {
			return changes, err
		}
		if opts.Until != "" && current.Hash.String() == opts.Until {
			return changes, nil
		}
		if !opts.Since.IsZero() && current.Author.When.Before(opts.Since) {
			return changes, nil
		}

		if stats, err := current.StatsContext(ctx); err == nil {
			when := current.Author.When.UTC()
			for _, fs := range stats {
				ch := changes[fs.Name]
				if ch == nil {
					ch = &FileChange{Authors: map[string]string{}}
					changes[fs.Name] = ch
				}
				ch.Commits++
				ch.Additions += fs.Addition
				ch.Deletions += fs.Deletion
				ch.Authors[current.Author.Name] = current.Author.Email
				if when.After(ch.LastChanged) {
					ch.LastChanged = when
				}
			}
		}

		walked++
		if opts.MaxCount > 0 && walked >= opts.MaxCount {
			return changes, nil
		}
		if current.NumParents() == 0 {
			return changes, nil
		}
		current, err = current.Parent(0)
		if err != nil {
			return changes, fmt.Errorf("load parent: %w", err)
		}
	}
}

// Blame attributes each line of path at HEAD. Binary files and paths
// outside the tree fail with typed errors.
func (r *Reader) Blame(ctx context.Context, path string) ([]BlameLine, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}

	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s", faults.ErrFileNotInRepo, path)
		}
		return nil, fmt.Errorf("load file %s: %w", path, err)
	}
	if binary, err := file.IsBinary(); err == nil && binary {
		return nil, fmt.Errorf("%w: %s", faults.ErrBinaryFile, path)
	}

	result, err := git.Blame(commit, path)
	if err != nil {
		return nil, fmt.Errorf("blame %s: %w", path, err)
	}

	lines := make([]BlameLine, 0, len(result.Lines))
	for i, line := range result.Lines {
		lines = append(lines, BlameLine{
			Line:   i + 1,
			SHA:    line.Hash.String(),
			Author: line.AuthorName,
			Date:   line.Date.UTC(),
			Text:   line.Text,
		})
	}
	return lines, nil
}

// BlameRange groups consecutive lines attributed to one commit.
type BlameRange struct {
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	SHA       string    `json:"sha"`
	Author    string    `json:"author"`
	Date      time.Time `json:"date"`
}

// BlameRanges blames path at HEAD and folds consecutive same-commit
// lines into ranges.
func (r *Reader) BlameRanges(ctx context.Context, path string) ([]BlameRange, error) {
	lines, err := r.Blame(ctx, path)
	if err != nil {
		return nil, err
	}
	var ranges []BlameRange
	for _, line := range lines {
		if n := len(ranges); n > 0 && ranges[n-1].SHA == line.SHA {
			ranges[n-1].EndLine = line.Line
			continue
		}
		ranges = append(ranges, BlameRange{
			StartLine: line.Line,
			EndLine:   line.Line,
			SHA:       line.SHA,
			Author:    line.Author,
			Date:      line.Date,
		})
	}
	return ranges, nil
}

// GrepHit is one matching line found in the tree at HEAD.
type GrepHit struct {
	Path string
	Line int
	Text string
}

// Grep scans every text file at HEAD for re. filePattern, when
// non-empty, is a glob matched against the full path and, failing
// that, the base name. maxHits caps the result; 0 means unbounded.
func (r *Reader) Grep(ctx context.Context, re *regexp.Regexp, filePattern string, maxHits int) ([]GrepHit, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}
	iter, err := commit.Files()
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer iter.Close()

	var hits []GrepHit
	err = iter.ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if filePattern != "" && !matchGlob(filePattern, f.Name) {
			return nil
		}
		if binary, err := f.IsBinary(); err != nil || binary {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(content, "\n") {
			if !re.MatchString(line) {
				continue
			}
			hits = append(hits, GrepHit{Path: f.Name, Line: i + 1, Text: line})
			if maxHits > 0 && len(hits) >= maxHits {
				return storerStop
			}
		}
		return nil
	})
	if err != nil && err != storerStop {
		return hits, err
	}
	return hits, nil
}

func matchGlob(pattern, name string) bool {
	if ok, err := path.Match(pattern, name); err == nil && ok {
		return true
	}
	ok, err := path.Match(pattern, path.Base(name))
	return err == nil && ok
}
