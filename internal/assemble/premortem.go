package assemble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/ghap"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/search"
)

// premortemSlices collects the five parallel query results.
type premortemSlices struct {
	failures   []search.ExperienceResult
	strategy   []search.ExperienceResult
	surprises  []search.ExperienceResult
	rootCauses []search.ExperienceResult
	values     []search.ValueResult
}

// PremortemContext assembles past failures relevant to starting work
// in a domain, optionally narrowed to a strategy.
func (a *Assembler) PremortemContext(ctx context.Context, domain, strategy string, limit, maxTokens int) (*FormattedContext, error) {
	if !inSet(domain, ghap.Domains) {
		return nil, faults.Validation("invalid domain %q; valid options: %s",
			domain, strings.Join(ghap.Domains, ", "))
	}
	if strategy != "" && !inSet(strategy, ghap.Strategies) {
		return nil, faults.Validation("invalid strategy %q; valid options: %s",
			strategy, strings.Join(ghap.Strategies, ", "))
	}
	if limit <= 0 {
		limit = 10
	}
	if maxTokens <= 0 {
		maxTokens = 1500
	}

	log := logging.Get(logging.CategoryAssemble)
	warn := func(what string, err error) {
		log.Warn("premortem query failed, continuing",
			zap.String("query", what), zap.Error(err))
	}

	var slices premortemSlices
	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	run(func() {
		res, err := a.searcher.SearchExperiences(ctx, domain, "full", domain, "", "falsified", limit)
		if err != nil {
			warn("failures", err)
			return
		}
		slices.failures = res
	})
	if strategy != "" {
		run(func() {
			res, err := a.searcher.SearchExperiences(ctx, strategy, "strategy", "", strategy, "", limit)
			if err != nil {
				warn("strategy", err)
				return
			}
			slices.strategy = res
		})
	}
	run(func() {
		res, err := a.searcher.SearchExperiences(ctx, domain, "surprise", domain, "", "", limit)
		if err != nil {
			warn("surprises", err)
			return
		}
		slices.surprises = res
	})
	run(func() {
		res, err := a.searcher.SearchExperiences(ctx, domain, "root_cause", domain, "", "", limit)
		if err != nil {
			warn("root causes", err)
			return
		}
		slices.rootCauses = res
	})
	run(func() {
		res, err := a.searcher.SearchValues(ctx, domain+" principles", 5, "")
		if err != nil {
			warn("values", err)
			return
		}
		slices.values = res
	})
	wg.Wait()

	return renderPremortem(domain, strategy, &slices, maxTokens), nil
}

func renderPremortem(domain, strategy string, slices *premortemSlices, maxTokens int) *FormattedContext {
	title := "# Premortem: " + domain
	if strategy != "" {
		title += " with " + strategy
	}

	var b strings.Builder
	b.WriteString(title)

	out := &FormattedContext{SourcesUsed: map[string]int{}}
	experiences := 0

	writeExperiences := func(heading string, items []search.ExperienceResult) {
		b.WriteString("\n\n## " + heading)
		if len(items) == 0 {
			b.WriteString("\n\nNothing recorded yet.")
			return
		}
		for _, e := range items {
			text := renderExperience(e)
			b.WriteString("\n\n" + text)
			out.Items = append(out.Items, ContextItem{
				Source: string(SourceExperiences), Content: text,
				Tokens: estimateTokens(text), Relevance: e.Score,
			})
			experiences++
		}
	}

	writeExperiences("Common Failures", slices.failures)
	if strategy != "" {
		writeExperiences("Strategy Performance", slices.strategy)
	}
	writeExperiences("Unexpected Outcomes", slices.surprises)
	writeExperiences("Root Causes to Watch", slices.rootCauses)

	b.WriteString("\n\n## Relevant Principles")
	if len(slices.values) == 0 {
		b.WriteString("\n\nNothing recorded yet.")
	} else {
		for _, v := range slices.values {
			text := renderValue(v)
			b.WriteString("\n\n" + text)
			out.Items = append(out.Items, ContextItem{
				Source: string(SourceValues), Content: text,
				Tokens: estimateTokens(text), Relevance: v.Score,
			})
		}
	}

	b.WriteString(fmt.Sprintf("\n\n---\n\n*Based on %d past experiences*", experiences))

	out.SourcesUsed[string(SourceExperiences)] = experiences
	out.SourcesUsed[string(SourceValues)] = len(slices.values)
	out.Markdown = b.String()
	out.TokenCount = estimateTokens(out.Markdown)
	out.BudgetExceeded = out.TokenCount > maxTokens
	return out
}

func inSet(value string, set []string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}
