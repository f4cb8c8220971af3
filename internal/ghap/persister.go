package ghap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/vector"
)

// Persister projects resolved entries into the four axis collections.
// Local journal durability precedes persistence; a failed persist is
// retried here and, after exhaustion, surfaces ErrPersist while the
// journal copy stays recoverable.
type Persister struct {
	store    vector.Store
	registry *embedding.Registry
	guards   map[string]*vector.Ensurer

	// retryDelays is the backoff schedule. Tests shorten it.
	retryDelays []time.Duration
}

// NewPersister creates a persister with one collection guard per axis.
func NewPersister(store vector.Store, registry *embedding.Registry) *Persister {
	p := &Persister{
		store:       store,
		registry:    registry,
		guards:      map[string]*vector.Ensurer{},
		retryDelays: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
	dims := func(ctx context.Context) (int, error) {
		engine, err := registry.Semantic()
		if err != nil {
			return 0, err
		}
		return engine.Dimensions(ctx)
	}
	for _, axis := range Axes {
		p.guards[axis] = vector.NewEnsurer(store, vector.GHAPCollection(axis), dims)
	}
	return p
}

// EnsureCollections eagerly creates all four axis collections. Called
// once at service bootstrap; everything else in the system ensures
// lazily, but persist sits on the local-to-remote durability boundary.
func (p *Persister) EnsureCollections(ctx context.Context) error {
	for _, axis := range Axes {
		if err := p.guards[axis].Ensure(ctx); err != nil {
			return fmt.Errorf("ensure %s: %w", vector.GHAPCollection(axis), err)
		}
	}
	return nil
}

// Persist embeds and upserts the entry's axis texts. Retries the whole
// operation per the backoff schedule before giving up.
func (p *Persister) Persist(ctx context.Context, entry *Entry) error {
	if entry == nil || !entry.Resolved() {
		return faults.Validation("only resolved entries can be persisted")
	}

	log := logging.Get(logging.CategoryGHAP)
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = p.persistOnce(ctx, entry)
		if lastErr == nil {
			return nil
		}
		if attempt >= len(p.retryDelays) {
			break
		}
		delay := p.retryDelays[attempt]
		log.Warn("persist failed, retrying",
			zap.String("id", entry.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: entry %s after %d attempts: %v",
		faults.ErrPersist, entry.ID, len(p.retryDelays)+1, lastErr)
}

func (p *Persister) persistOnce(ctx context.Context, entry *Entry) error {
	texts := axisTexts(entry)

	axes := make([]string, 0, len(texts))
	batch := make([]string, 0, len(texts))
	for _, axis := range Axes {
		if text, ok := texts[axis]; ok {
			axes = append(axes, axis)
			batch = append(batch, text)
		}
	}

	engine, err := p.registry.Semantic()
	if err != nil {
		return err
	}
	vectors, err := engine.EmbedBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("embed axis texts: %w", err)
	}

	// Axis writes are independent; the first failure fails the attempt.
	g, gctx := errgroup.WithContext(ctx)
	for i, axis := range axes {
		g.Go(func() error {
			if err := p.guards[axis].Ensure(gctx); err != nil {
				return err
			}
			payload := axisPayload(entry, axis)
			if err := p.store.Upsert(gctx, vector.GHAPCollection(axis), entry.ID, vectors[i], payload); err != nil {
				return fmt.Errorf("upsert %s: %w", vector.GHAPCollection(axis), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logging.Get(logging.CategoryGHAP).Info("entry persisted",
		zap.String("id", entry.ID), zap.Strings("axes", axes))
	return nil
}

// axisTexts builds the retrieval projections. full is always present;
// surprise and root_cause only when their source text is non-empty.
func axisTexts(entry *Entry) map[string]string {
	var full strings.Builder
	fmt.Fprintf(&full, "[%s/%s] Goal: %s\n", entry.Domain, entry.Strategy, entry.Goal)
	fmt.Fprintf(&full, "Hypothesis: %s\n", entry.Hypothesis)
	fmt.Fprintf(&full, "Action: %s\n", entry.Action)
	fmt.Fprintf(&full, "Prediction: %s\n", entry.Prediction)
	fmt.Fprintf(&full, "Outcome (%s): %s", entry.Status, entry.Result)
	if entry.Surprise != "" {
		fmt.Fprintf(&full, "\nSurprise: %s", entry.Surprise)
	}
	if entry.Lesson != nil {
		if entry.Lesson.WhatWorked != "" {
			fmt.Fprintf(&full, "\nWhat worked: %s", entry.Lesson.WhatWorked)
		}
		if entry.Lesson.Takeaway != "" {
			fmt.Fprintf(&full, "\nTakeaway: %s", entry.Lesson.Takeaway)
		}
	}

	texts := map[string]string{
		"full": full.String(),
		"strategy": fmt.Sprintf("Strategy %s: %s. Outcome (%s): %s",
			entry.Strategy, entry.Action, entry.Status, entry.Result),
	}
	if entry.Surprise != "" {
		texts["surprise"] = entry.Surprise
	}
	if entry.RootCause != nil && entry.RootCause.Description != "" {
		texts["root_cause"] = fmt.Sprintf("[%s] %s",
			entry.RootCause.Category, entry.RootCause.Description)
	}
	return texts
}

func axisPayload(entry *Entry, axis string) vector.Payload {
	payload := vector.Payload{
		"ghap_id":         entry.ID,
		"domain":          entry.Domain,
		"strategy":        entry.Strategy,
		"goal":            entry.Goal,
		"hypothesis":      entry.Hypothesis,
		"action":          entry.Action,
		"prediction":      entry.Prediction,
		"outcome_status":  string(entry.Status),
		"outcome_result":  entry.Result,
		"confidence_tier": string(entry.ConfidenceTier),
		"created_at":      entry.CreatedAt.Format(time.RFC3339),
		"axis":            axis,
	}
	if entry.Surprise != "" {
		payload["surprise"] = entry.Surprise
	}
	if entry.RootCause != nil {
		payload["root_cause"] = entry.RootCause.Category + ": " + entry.RootCause.Description
	}
	if entry.Lesson != nil {
		lesson := entry.Lesson.WhatWorked
		if entry.Lesson.Takeaway != "" {
			if lesson != "" {
				lesson += "; "
			}
			lesson += entry.Lesson.Takeaway
		}
		payload["lesson"] = lesson
	}
	return payload
}
