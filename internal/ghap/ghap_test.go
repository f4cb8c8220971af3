package ghap

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/vector"
)

func validStart() StartParams {
	return StartParams{
		Domain:     "debugging",
		Strategy:   "systematic-elimination",
		Goal:       "find the flaky test",
		Hypothesis: "the test depends on wall clock time",
		Action:     "freeze the clock in the fixture",
		Prediction: "the test passes 100 runs in a row",
	}
}

func TestStartValidation(t *testing.T) {
	c, err := NewCollector(t.TempDir())
	require.NoError(t, err)

	p := validStart()
	p.Domain = "cooking"
	_, _, err = c.Start(p)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Contains(t, err.Error(), "debugging")

	p = validStart()
	p.Goal = ""
	_, _, err = c.Start(p)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestStartOrphansPrevious(t *testing.T) {
	c, err := NewCollector(t.TempDir())
	require.NoError(t, err)

	first, orphaned, err := c.Start(validStart())
	require.NoError(t, err)
	assert.Nil(t, orphaned)

	second, orphaned, err := c.Start(validStart())
	require.NoError(t, err)
	require.NotNil(t, orphaned)
	assert.Equal(t, first.ID, orphaned.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, second.ID, c.Current().ID)
}

func TestUpdateIncrementsIteration(t *testing.T) {
	c, err := NewCollector(t.TempDir())
	require.NoError(t, err)

	_, _, err = c.Start(validStart())
	require.NoError(t, err)

	h := "the fixture leaks goroutines"
	entry, err := c.Update(UpdateParams{Hypothesis: &h, Note: "first run still flaky"})
	require.NoError(t, err)
	assert.Equal(t, 2, entry.IterationCount)
	assert.Equal(t, h, entry.Hypothesis)
	require.Len(t, entry.History, 1)
	assert.Equal(t, []string{"hypothesis"}, entry.History[0].Fields)
	assert.Equal(t, "first run still flaky", entry.History[0].Note)
}

func TestUpdateWithoutActive(t *testing.T) {
	c, err := NewCollector(t.TempDir())
	require.NoError(t, err)

	_, err = c.Update(UpdateParams{Note: "nothing to update"})
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestResolveConfidenceTiers(t *testing.T) {
	tests := []struct {
		name       string
		iterations int
		status     OutcomeStatus
		lesson     *Lesson
		want       ConfidenceTier
	}{
		{"confirmed first try", 1, OutcomeConfirmed, nil, TierGold},
		{"confirmed third try", 3, OutcomeConfirmed, nil, TierSilver},
		{"confirmed fifth try", 5, OutcomeConfirmed, nil, TierBronze},
		{"abandoned", 2, OutcomeAbandoned, nil, TierAbandoned},
		{"falsified with lesson", 1, OutcomeFalsified, &Lesson{WhatWorked: "reading the stack"}, TierSilver},
		{"falsified without lesson", 1, OutcomeFalsified, nil, TierBronze},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, confidenceTier(tt.status, tt.iterations, tt.lesson))
		})
	}
}

func TestResolveFalsifiedRequiresSurpriseAndRootCause(t *testing.T) {
	c, err := NewCollector(t.TempDir())
	require.NoError(t, err)
	_, _, err = c.Start(validStart())
	require.NoError(t, err)

	_, err = c.Resolve(ResolveParams{Status: "falsified", Result: "prediction did not hold"})
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	entry, err := c.Resolve(ResolveParams{
		Status:   "falsified",
		Result:   "prediction did not hold",
		Surprise: "the clock was already frozen",
		RootCause: &RootCause{
			Category:    "wrong-assumption",
			Description: "flakiness came from port reuse, not time",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFalsified, entry.Status)
	assert.Equal(t, TierBronze, entry.ConfidenceTier)
	assert.NotNil(t, entry.ResolvedAt)
	assert.Nil(t, c.Current())
}

func TestActiveEntrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	c1, err := NewCollector(dir)
	require.NoError(t, err)
	started, _, err := c1.Start(validStart())
	require.NoError(t, err)

	c2, err := NewCollector(dir)
	require.NoError(t, err)
	recovered := c2.Current()
	require.NotNil(t, recovered)
	assert.Equal(t, started.ID, recovered.ID)
	assert.Equal(t, started.Goal, recovered.Goal)

	// No torn temp files left behind.
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestListFiltersByOutcome(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCollector(dir)
	require.NoError(t, err)

	_, _, err = c.Start(validStart())
	require.NoError(t, err)
	_, err = c.Resolve(ResolveParams{Status: "confirmed", Result: "fixed"})
	require.NoError(t, err)

	_, _, err = c.Start(validStart())
	require.NoError(t, err)
	_, err = c.Resolve(ResolveParams{Status: "abandoned", Result: "deprioritized"})
	require.NoError(t, err)

	all, err := c.List("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	confirmed, err := c.List("confirmed", 10)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, OutcomeConfirmed, confirmed[0].Status)

	_, err = c.List("bogus", 10)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	// A session log exists and holds the events.
	logs, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"resolved"`)
}

// staticEngine embeds deterministically; failing variants wrap it.
type staticEngine struct{ dim int }

func (s *staticEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, s.dim)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)])/255 + 0.01
	}
	return vec, nil
}

func (s *staticEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *staticEngine) Dimensions(ctx context.Context) (int, error) { return s.dim, nil }
func (s *staticEngine) Name() string                                { return "static" }

type flakyEngine struct {
	staticEngine
	failures int
	calls    int
}

func (f *flakyEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("backend unavailable")
	}
	return f.staticEngine.EmbedBatch(ctx, texts)
}

func resolvedEntry(t *testing.T, params ResolveParams) *Entry {
	t.Helper()
	c, err := NewCollector(t.TempDir())
	require.NoError(t, err)
	_, _, err = c.Start(validStart())
	require.NoError(t, err)
	entry, err := c.Resolve(params)
	require.NoError(t, err)
	return entry
}

func newPersister(engine embedding.Engine) (*Persister, *vector.MemoryStore) {
	store := vector.NewMemoryStore()
	registry := embedding.NewRegistry(config.EmbeddingConfig{})
	registry.SetSemantic(engine)
	p := NewPersister(store, registry)
	p.retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return p, store
}

func TestPersistAxisPresence(t *testing.T) {
	ctx := context.Background()

	// Confirmed without surprise: full + strategy only.
	entry := resolvedEntry(t, ResolveParams{Status: "confirmed", Result: "fixed"})
	p, store := newPersister(&staticEngine{dim: 4})
	require.NoError(t, p.EnsureCollections(ctx))
	require.NoError(t, p.Persist(ctx, entry))

	for axis, want := range map[string]bool{
		"full": true, "strategy": true, "surprise": false, "root_cause": false,
	} {
		res, err := store.Get(ctx, vector.GHAPCollection(axis), entry.ID, false)
		require.NoError(t, err, axis)
		assert.Equal(t, want, res != nil, axis)
	}

	// Falsified: all four axes present.
	entry = resolvedEntry(t, ResolveParams{
		Status:   "falsified",
		Result:   "nope",
		Surprise: "config was cached",
		RootCause: &RootCause{
			Category:    "environment-issue",
			Description: "stale cache on disk",
		},
	})
	p, store = newPersister(&staticEngine{dim: 4})
	require.NoError(t, p.Persist(ctx, entry))

	for _, axis := range Axes {
		res, err := store.Get(ctx, vector.GHAPCollection(axis), entry.ID, false)
		require.NoError(t, err, axis)
		require.NotNil(t, res, axis)
		assert.Equal(t, axis, res.Payload["axis"])
		assert.Equal(t, entry.ID, res.Payload["ghap_id"])
	}
}

func TestPersistRetriesThenSucceeds(t *testing.T) {
	entry := resolvedEntry(t, ResolveParams{Status: "confirmed", Result: "fixed"})

	engine := &flakyEngine{staticEngine: staticEngine{dim: 4}, failures: 2}
	p, store := newPersister(engine)

	require.NoError(t, p.Persist(context.Background(), entry))
	assert.Equal(t, 3, engine.calls)

	res, err := store.Get(context.Background(), vector.GHAPCollection("full"), entry.ID, false)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestPersistExhaustsRetries(t *testing.T) {
	entry := resolvedEntry(t, ResolveParams{Status: "confirmed", Result: "fixed"})

	engine := &flakyEngine{staticEngine: staticEngine{dim: 4}, failures: 100}
	p, _ := newPersister(engine)

	err := p.Persist(context.Background(), entry)
	require.ErrorIs(t, err, faults.ErrPersist)
	assert.Equal(t, 4, engine.calls)
}

func TestPersistRejectsActiveEntry(t *testing.T) {
	p, _ := newPersister(&staticEngine{dim: 4})
	err := p.Persist(context.Background(), &Entry{ID: "x"})
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}
