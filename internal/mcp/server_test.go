package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmilco/mnemo/internal/assemble"
	"github.com/emmilco/mnemo/internal/cluster"
	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/ghap"
	"github.com/emmilco/mnemo/internal/memory"
	"github.com/emmilco/mnemo/internal/search"
	"github.com/emmilco/mnemo/internal/values"
	"github.com/emmilco/mnemo/internal/vector"
)

type staticEngine struct{ fail bool }

func (e staticEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, assert.AnError
	}
	return []float32{1, 0, 0}, nil
}

func (e staticEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (staticEngine) Dimensions(ctx context.Context) (int, error) { return 3, nil }
func (staticEngine) Name() string                                { return "static" }

func newTestServer(t *testing.T, embedFails bool) (*Server, string) {
	t.Helper()
	journal := t.TempDir()
	collector, err := ghap.NewCollector(journal)
	require.NoError(t, err)

	store := vector.NewMemoryStore()
	registry := embedding.NewRegistry(config.EmbeddingConfig{})
	registry.SetSemantic(staticEngine{fail: embedFails})
	registry.SetCode(staticEngine{fail: embedFails})

	searcher := search.New(store, registry)
	clusterer := cluster.New(store, config.ClusterConfig{})
	deps := Deps{
		Memories:   memory.New(store, registry, 10000),
		Collector:  collector,
		Persister:  ghap.NewPersister(store, registry),
		Clusterer:  clusterer,
		Values:     values.New(store, registry, clusterer),
		Searcher:   searcher,
		Assembler:  assemble.New(searcher, config.ContextConfig{}),
		JournalDir: journal,
	}
	return NewServer(deps), journal
}

func decodeResult(t *testing.T, result *mcpsdk.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestToolsRegistered(t *testing.T) {
	srv, _ := newTestServer(t, false)

	names := srv.ToolNames()
	assert.Len(t, names, 27)
	for _, want := range []string{
		"store_memory", "retrieve_memories", "list_memories", "delete_memory",
		"index_codebase", "search_code", "find_similar_code", "get_indexing_stats",
		"index_commits", "search_commits", "get_file_history",
		"get_churn_hotspots", "get_code_authors",
		"start_ghap", "update_ghap", "resolve_ghap", "get_active_ghap", "list_ghap_entries",
		"get_clusters", "get_cluster_members", "validate_value", "store_value", "list_values",
		"search_experiences", "assemble_context", "get_premortem_context", "ping",
	} {
		assert.Contains(t, names, want)
	}
}

func TestSessionIDWritten(t *testing.T) {
	srv, journal := newTestServer(t, false)

	data, err := os.ReadFile(filepath.Join(journal, sessionIDFile))
	require.NoError(t, err)
	assert.Equal(t, srv.deps.Collector.SessionID(), string(data))
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t, false)

	result, _, err := srv.handlePing(context.Background(), nil, struct{}{})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	out := decodeResult(t, result)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "mnemo", out["server"])
}

func TestToolCountFile(t *testing.T) {
	srv, journal := newTestServer(t, false)

	wrapped := withCount(srv, "ping", srv.handlePing)
	for range 3 {
		_, _, err := wrapped(context.Background(), nil, struct{}{})
		require.NoError(t, err)
	}

	data, err := os.ReadFile(filepath.Join(journal, toolCountFile))
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
}

func TestMemoryRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ctx := context.Background()

	result, _, err := srv.handleStoreMemory(ctx, nil, StoreMemoryInput{
		Content: "deploys happen on fridays", Category: "fact", Importance: 0.8,
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	stored := decodeResult(t, result)
	id, _ := stored["id"].(string)
	require.NotEmpty(t, id)

	result, _, err = srv.handleRetrieveMemories(ctx, nil, RetrieveMemoriesInput{Query: "deploys"})
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.EqualValues(t, 1, out["count"])

	result, _, err = srv.handleDeleteMemory(ctx, nil, DeleteMemoryInput{ID: id})
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestErrorEnvelopeShape(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ctx := context.Background()

	// Unknown id: not_found envelope, no transport-level error.
	result, _, err := srv.handleDeleteMemory(ctx, nil, DeleteMemoryInput{ID: "nope"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	out := decodeResult(t, result)
	body, ok := out["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "not_found", body["type"])
	assert.NotEmpty(t, body["message"])

	// Bad enum: validation envelope naming the valid options.
	result, _, err = srv.handleStoreMemory(ctx, nil, StoreMemoryInput{
		Content: "x", Category: "vibes", Importance: 0.5,
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	out = decodeResult(t, result)
	body = out["error"].(map[string]any)
	assert.Equal(t, "validation_error", body["type"])

	// Too few experiences to cluster: insufficient_data.
	result, _, err = srv.handleGetClusters(ctx, nil, GetClustersInput{Axis: "full"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	out = decodeResult(t, result)
	body = out["error"].(map[string]any)
	assert.Equal(t, "insufficient_data", body["type"])
}

func TestGHAPLifecycle(t *testing.T) {
	srv, journal := newTestServer(t, false)
	ctx := context.Background()

	result, _, err := srv.handleActiveGHAP(ctx, nil, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, false, decodeResult(t, result)["active"])

	result, _, err = srv.handleStartGHAP(ctx, nil, StartGHAPInput{
		Domain: "debugging", Strategy: "read-the-error",
		Goal: "fix the flaky login test", Hypothesis: "clock skew in token checks",
		Action: "pin the clock in tests", Prediction: "test goes green",
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, _, err = srv.handleActiveGHAP(ctx, nil, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, true, decodeResult(t, result)["active"])

	result, _, err = srv.handleResolveGHAP(ctx, nil, ResolveGHAPInput{
		Status: "confirmed", Result: "test green after pinning the clock",
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	out := decodeResult(t, result)
	assert.Equal(t, true, out["persisted"])

	// Resolution cleared the active entry and the current-entry file.
	result, _, err = srv.handleActiveGHAP(ctx, nil, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, false, decodeResult(t, result)["active"])
	_, statErr := os.Stat(filepath.Join(journal, "current_ghap.json"))
	assert.True(t, os.IsNotExist(statErr))

	result, _, err = srv.handleListGHAP(ctx, nil, ListGHAPInput{Outcome: "confirmed"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, decodeResult(t, result)["count"])
}

func TestResolveSurvivesPersistFailure(t *testing.T) {
	srv, _ := newTestServer(t, true) // embedders fail

	_, _, err := srv.handleStartGHAP(context.Background(), nil, StartGHAPInput{
		Domain: "debugging", Strategy: "read-the-error",
		Goal: "g", Hypothesis: "h", Action: "a", Prediction: "p",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // retry backoff exits immediately

	result, _, err := srv.handleResolveGHAP(ctx, nil, ResolveGHAPInput{
		Status: "confirmed", Result: "done",
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	out := decodeResult(t, result)
	assert.Equal(t, false, out["persisted"])
	warning, _ := out["warning"].(string)
	assert.True(t, strings.Contains(warning, "resolved and journaled"))

	// Resolution stuck locally despite the vector failure.
	listed, _, err := srv.handleListGHAP(context.Background(), nil, ListGHAPInput{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, decodeResult(t, listed)["count"])
}

func TestSearchCommitsSinceValidation(t *testing.T) {
	srv, _ := newTestServer(t, false)

	result, _, err := srv.handleSearchCommits(context.Background(), nil, SearchCommitsInput{
		Query: "fix", Since: "yesterday",
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	body := decodeResult(t, result)["error"].(map[string]any)
	assert.Equal(t, "validation_error", body["type"])
}

func TestIndexCommitsSinceValidation(t *testing.T) {
	srv, _ := newTestServer(t, false)

	result, _, err := srv.handleIndexCommits(context.Background(), nil, IndexCommitsInput{
		RepoPath: "/tmp/repo", Since: "last tuesday", Force: true,
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	body := decodeResult(t, result)["error"].(map[string]any)
	assert.Equal(t, "validation_error", body["type"])
}

func TestRunCanceledContext(t *testing.T) {
	srv, _ := newTestServer(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := srv.Run(ctx)
	require.Error(t, err)
}
