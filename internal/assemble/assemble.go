// Package assemble turns search hits from multiple collections into a
// single token-budgeted markdown context block.
package assemble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/search"
)

// Source names one context source.
type Source string

const (
	SourceMemories    Source = "memories"
	SourceCode        Source = "code"
	SourceExperiences Source = "experiences"
	SourceValues      Source = "values"
	SourceCommits     Source = "commits"
)

// sourceOrder fixes section ordering in the rendered output.
var sourceOrder = []Source{
	SourceMemories, SourceCode, SourceExperiences, SourceValues, SourceCommits,
}

// sourceWeights drive the token budget split.
var sourceWeights = map[Source]int{
	SourceExperiences: 3,
	SourceCode:        2,
	SourceCommits:     2,
	SourceMemories:    1,
	SourceValues:      1,
}

// item is one candidate context block.
type item struct {
	source    Source
	key       string
	content   string
	tokens    int
	relevance float64
	provID    string // provenance id for truncation notes
	path      string // code items: file:line for truncation notes
}

// ContextItem is the caller-visible projection of a kept item.
type ContextItem struct {
	Source    string  `json:"source"`
	Content   string  `json:"content"`
	Tokens    int     `json:"tokens"`
	Relevance float64 `json:"relevance"`
	Truncated bool    `json:"truncated,omitempty"`
}

// FormattedContext is the assembled output.
type FormattedContext struct {
	Markdown       string         `json:"markdown"`
	Items          []ContextItem  `json:"items"`
	TokenCount     int            `json:"token_count"`
	SourcesUsed    map[string]int `json:"sources_used"`
	BudgetExceeded bool           `json:"budget_exceeded"`
	TruncatedItems []string       `json:"truncated_items,omitempty"`
}

// Assembler fans out searches and assembles budgets.
type Assembler struct {
	searcher  *search.Searcher
	maxItem   float64 // fraction of a source budget one item may take
	threshold float64 // fuzzy dedupe similarity threshold
}

// New creates an assembler. Zero config fields take defaults.
func New(searcher *search.Searcher, cfg config.ContextConfig) *Assembler {
	if cfg.MaxItemFraction <= 0 {
		cfg.MaxItemFraction = 0.25
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.90
	}
	return &Assembler{
		searcher:  searcher,
		maxItem:   cfg.MaxItemFraction,
		threshold: cfg.SimilarityThreshold,
	}
}

// estimateTokens is ceil(len/4), the agreed approximation.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// AssembleContext retrieves, dedupes, budgets, and renders context for
// a query across the requested sources.
func (a *Assembler) AssembleContext(ctx context.Context, query string, contextTypes []string, limit, maxTokens int) (*FormattedContext, error) {
	sources, err := validateSources(contextTypes)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	fetched := a.fanout(ctx, query, sources, limit)

	// Dedupe across sources, best hits first.
	sort.SliceStable(fetched, func(i, j int) bool {
		return fetched[i].relevance > fetched[j].relevance
	})
	fetched = dedupe(fetched, a.threshold)

	budgets := distributeBudget(sources, maxTokens)
	kept := a.selectWithinBudgets(fetched, budgets)

	return a.render(kept, "# Context", maxTokens, sources), nil
}

// fanout queries each source concurrently. A failing source logs a
// warning and contributes nothing.
func (a *Assembler) fanout(ctx context.Context, query string, sources []Source, limit int) []item {
	log := logging.Get(logging.CategoryAssemble)

	var mu sync.Mutex
	var all []item
	var wg sync.WaitGroup
	for _, source := range sources {
		wg.Add(1)
		go func(source Source) {
			defer wg.Done()
			items, err := a.fetch(ctx, source, query, limit)
			if err != nil {
				log.Warn("context source failed, continuing without it",
					zap.String("source", string(source)), zap.Error(err))
				return
			}
			mu.Lock()
			all = append(all, items...)
			mu.Unlock()
		}(source)
	}
	wg.Wait()
	return all
}

func (a *Assembler) fetch(ctx context.Context, source Source, query string, limit int) ([]item, error) {
	switch source {
	case SourceMemories:
		results, err := a.searcher.SearchMemories(ctx, query, limit, "", 0)
		if err != nil {
			return nil, err
		}
		items := make([]item, 0, len(results))
		for _, r := range results {
			text := renderMemory(r)
			items = append(items, item{
				source: source, key: "memory:" + r.ID, content: text,
				tokens: estimateTokens(text), relevance: r.Score, provID: r.ID,
			})
		}
		return items, nil

	case SourceCode:
		results, err := a.searcher.SearchCode(ctx, query, limit, "", "")
		if err != nil {
			return nil, err
		}
		items := make([]item, 0, len(results))
		for _, r := range results {
			text := renderCode(r)
			items = append(items, item{
				source: source, key: "file:" + r.FilePath, content: text,
				tokens: estimateTokens(text), relevance: r.Score, provID: r.ID,
				path: fmt.Sprintf("%s:%d", r.FilePath, r.StartLine),
			})
		}
		return items, nil

	case SourceExperiences:
		results, err := a.searcher.SearchExperiences(ctx, query, "full", "", "", "", limit)
		if err != nil {
			return nil, err
		}
		items := make([]item, 0, len(results))
		for _, r := range results {
			text := renderExperience(r)
			items = append(items, item{
				source: source, key: "ghap:" + r.GHAPID, content: text,
				tokens: estimateTokens(text), relevance: r.Score, provID: r.GHAPID,
			})
		}
		return items, nil

	case SourceValues:
		results, err := a.searcher.SearchValues(ctx, query, limit, "")
		if err != nil {
			return nil, err
		}
		items := make([]item, 0, len(results))
		for _, r := range results {
			text := renderValue(r)
			items = append(items, item{
				source: source, key: contentKey(text), content: text,
				tokens: estimateTokens(text), relevance: r.Score, provID: r.ID,
			})
		}
		return items, nil

	case SourceCommits:
		results, err := a.searcher.SearchCommits(ctx, query, limit, "", time.Time{})
		if err != nil {
			return nil, err
		}
		items := make([]item, 0, len(results))
		for _, r := range results {
			text := renderCommit(r)
			items = append(items, item{
				source: source, key: "commit:" + r.SHA, content: text,
				tokens: estimateTokens(text), relevance: r.Score, provID: r.SHA,
			})
		}
		return items, nil
	}
	return nil, nil
}

// distributeBudget splits max_tokens over the requested sources by
// weight.
func distributeBudget(sources []Source, maxTokens int) map[Source]int {
	total := 0
	for _, s := range sources {
		total += sourceWeights[s]
	}
	budgets := make(map[Source]int, len(sources))
	for _, s := range sources {
		budgets[s] = sourceWeights[s] * maxTokens / total
	}
	return budgets
}

type keptItem struct {
	item
	truncated bool
}

// selectWithinBudgets applies the per-item cap and the greedy
// per-source selection. Items must arrive relevance-sorted; the first
// item that does not fit closes its source.
func (a *Assembler) selectWithinBudgets(items []item, budgets map[Source]int) []keptItem {
	used := map[Source]int{}
	closed := map[Source]bool{}
	var kept []keptItem
	for _, it := range items {
		budget := budgets[it.source]
		if closed[it.source] {
			continue
		}

		truncated := false
		itemCap := int(a.maxItem * float64(budget))
		if itemCap > 0 && it.tokens > itemCap {
			it.content = truncate(it, itemCap)
			it.tokens = estimateTokens(it.content)
			truncated = true
		}

		if used[it.source]+it.tokens > budget {
			closed[it.source] = true
			continue
		}
		used[it.source] += it.tokens
		kept = append(kept, keptItem{item: it, truncated: truncated})
	}
	return kept
}

// truncate cuts an item to its token cap and appends the provenance
// note appropriate to its source.
func truncate(it item, capTokens int) string {
	var note string
	switch it.source {
	case SourceCode:
		note = fmt.Sprintf(" (truncated, see full at %s)", it.path)
	case SourceExperiences:
		note = fmt.Sprintf(" (truncated, experience %s)", it.provID)
	default:
		note = " (truncated)"
	}

	budget := capTokens*4 - len(note)
	if budget < 0 {
		budget = 0
	}
	content := it.content
	if len(content) > budget {
		content = content[:budget]
	}
	return content + note
}

// render produces the final markdown and response structure.
func (a *Assembler) render(kept []keptItem, header string, maxTokens int, requested []Source) *FormattedContext {
	bySource := map[Source][]keptItem{}
	for _, it := range kept {
		bySource[it.source] = append(bySource[it.source], it)
	}

	var b strings.Builder
	b.WriteString(header)

	out := &FormattedContext{SourcesUsed: map[string]int{}}
	for _, source := range sourceOrder {
		items := bySource[source]
		if len(items) == 0 {
			continue
		}
		b.WriteString("\n\n## " + sectionTitle(source))
		for _, it := range items {
			b.WriteString("\n\n" + it.content)
			out.Items = append(out.Items, ContextItem{
				Source:    string(it.source),
				Content:   it.content,
				Tokens:    it.tokens,
				Relevance: it.relevance,
				Truncated: it.truncated,
			})
			if it.truncated {
				out.TruncatedItems = append(out.TruncatedItems, it.provID)
			}
		}
	}
	for _, source := range requested {
		out.SourcesUsed[string(source)] = len(bySource[source])
	}

	sourcesWithItems := 0
	for _, items := range bySource {
		if len(items) > 0 {
			sourcesWithItems++
		}
	}
	b.WriteString(fmt.Sprintf("\n\n---\n\n*%d items from %d sources*",
		len(out.Items), sourcesWithItems))

	out.Markdown = b.String()
	out.TokenCount = estimateTokens(out.Markdown)
	out.BudgetExceeded = out.TokenCount > maxTokens
	return out
}

func validateSources(contextTypes []string) ([]Source, error) {
	if len(contextTypes) == 0 {
		return append([]Source(nil), sourceOrder...), nil
	}
	valid := make([]string, len(sourceOrder))
	for i, s := range sourceOrder {
		valid[i] = string(s)
	}

	seen := map[Source]bool{}
	var sources []Source
	for _, ct := range contextTypes {
		source := Source(ct)
		if _, ok := sourceWeights[source]; !ok {
			return nil, faults.Validation("invalid context type %q; valid options: %s",
				ct, strings.Join(valid, ", "))
		}
		if !seen[source] {
			seen[source] = true
			sources = append(sources, source)
		}
	}
	return sources, nil
}
