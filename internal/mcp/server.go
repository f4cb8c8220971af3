// Package mcp exposes the learning memory operations as Model Context
// Protocol tools over stdio transport.
package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/assemble"
	"github.com/emmilco/mnemo/internal/cluster"
	"github.com/emmilco/mnemo/internal/ghap"
	"github.com/emmilco/mnemo/internal/gitx"
	"github.com/emmilco/mnemo/internal/indexer"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/memory"
	"github.com/emmilco/mnemo/internal/search"
	"github.com/emmilco/mnemo/internal/values"
)

const (
	serverName    = "mnemo"
	serverVersion = "1.0.0"

	sessionIDFile = ".session_id"
	toolCountFile = ".tool_count"
)

// Deps holds the domain services the tool handlers dispatch to.
type Deps struct {
	Memories  *memory.Store
	Indexer   *indexer.Indexer
	Git       *gitx.Analyzer
	Collector *ghap.Collector
	Persister *ghap.Persister
	Clusterer *cluster.Clusterer
	Values    *values.Store
	Searcher  *search.Searcher
	Assembler *assemble.Assembler

	// JournalDir receives the .session_id and .tool_count files.
	// Empty disables session bookkeeping.
	JournalDir string
}

// Server wraps the MCP SDK server with the mnemo tool registrations.
type Server struct {
	inner *mcpsdk.Server
	deps  Deps

	mu        sync.Mutex
	tools     []string
	toolCalls int
}

// NewServer creates an MCP server with every tool registered and the
// session id written to the journal directory.
func NewServer(deps Deps) *Server {
	inner := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: serverName, Version: serverVersion},
		&mcpsdk.ServerOptions{},
	)

	srv := &Server{inner: inner, deps: deps}
	srv.registerTools()
	srv.writeSessionID()
	return srv
}

// Run starts the server on stdio transport and blocks until the context
// is canceled or the connection closes. Stdout belongs to the
// transport; all logging goes to stderr.
func (s *Server) Run(ctx context.Context) error {
	if err := s.inner.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// RunWithTransport starts the server on the given transport, for tests.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	if err := s.inner.Run(ctx, transport); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// ToolNames returns the registered tool names in registration order.
func (s *Server) ToolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tools))
	copy(out, s.tools)
	return out
}

func (s *Server) registerTools() {
	register(s, "store_memory", "Store a freeform memory with a category, importance, and tags.", s.handleStoreMemory)
	register(s, "retrieve_memories", "Semantic search over stored memories with optional category and importance filters.", s.handleRetrieveMemories)
	register(s, "list_memories", "List stored memories, newest first, optionally filtered by category.", s.handleListMemories)
	register(s, "delete_memory", "Delete a stored memory by id.", s.handleDeleteMemory)

	register(s, "index_codebase", "Parse and index the code units of a directory tree for semantic code search.", s.handleIndexCodebase)
	register(s, "search_code", "Semantic search over indexed code units.", s.handleSearchCode)
	register(s, "find_similar_code", "Find code units similar to an already indexed unit.", s.handleFindSimilarCode)
	register(s, "get_indexing_stats", "Per-project indexing statistics with a language histogram.", s.handleIndexingStats)

	register(s, "index_commits", "Index the commit history of a git repository, incrementally from the last indexed commit.", s.handleIndexCommits)
	register(s, "search_commits", "Semantic search over indexed commit messages.", s.handleSearchCommits)
	register(s, "get_file_history", "List the commits that touched a file.", s.handleFileHistory)
	register(s, "get_churn_hotspots", "Rank files by recent change churn.", s.handleChurnHotspots)
	register(s, "get_code_authors", "Blame-based authorship shares for a file.", s.handleCodeAuthors)

	register(s, "start_ghap", "Start a goal/hypothesis/action/prediction entry for the current task.", s.handleStartGHAP)
	register(s, "update_ghap", "Revise the active entry; each update counts an iteration.", s.handleUpdateGHAP)
	register(s, "resolve_ghap", "Resolve the active entry with an outcome and persist it for learning.", s.handleResolveGHAP)
	register(s, "get_active_ghap", "Return the active entry, if any.", s.handleActiveGHAP)
	register(s, "list_ghap_entries", "List resolved entries, newest first, optionally filtered by outcome.", s.handleListGHAP)

	register(s, "get_clusters", "Cluster resolved experiences along an axis and return the clusters.", s.handleGetClusters)
	register(s, "get_cluster_members", "List the experiences belonging to a cluster.", s.handleClusterMembers)
	register(s, "validate_value", "Check a candidate value statement against a cluster centroid.", s.handleValidateValue)
	register(s, "store_value", "Validate and store a value statement derived from a cluster.", s.handleStoreValue)
	register(s, "list_values", "List stored values, optionally filtered by axis.", s.handleListValues)

	register(s, "search_experiences", "Semantic search over resolved experiences along an axis.", s.handleSearchExperiences)

	register(s, "assemble_context", "Assemble a token-budgeted markdown context block from multiple sources.", s.handleAssembleContext)
	register(s, "get_premortem_context", "Past failures and principles relevant to starting work in a domain.", s.handlePremortem)

	register(s, "ping", "Liveness check. Touches no models or stores.", s.handlePing)
}

// register adds one typed tool with the session bookkeeping wrapper.
func register[In any](s *Server, name, description string, handler func(context.Context, *mcpsdk.CallToolRequest, In) (*mcpsdk.CallToolResult, toolOutput, error)) {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        name,
		Description: description,
	}, withCount(s, name, handler))
	s.mu.Lock()
	s.tools = append(s.tools, name)
	s.mu.Unlock()
}

// withCount wraps a handler to bump the journal tool counter.
func withCount[In any](s *Server, name string, handler func(context.Context, *mcpsdk.CallToolRequest, In) (*mcpsdk.CallToolResult, toolOutput, error)) func(context.Context, *mcpsdk.CallToolRequest, In) (*mcpsdk.CallToolResult, toolOutput, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, toolOutput, error) {
		s.bumpToolCount(name)
		return handler(ctx, req, in)
	}
}

func (s *Server) bumpToolCount(name string) {
	s.mu.Lock()
	s.toolCalls++
	count := s.toolCalls
	s.mu.Unlock()

	if s.deps.JournalDir == "" {
		return
	}
	path := filepath.Join(s.deps.JournalDir, toolCountFile)
	if err := os.WriteFile(path, []byte(strconv.Itoa(count)), 0o644); err != nil {
		logging.Get(logging.CategoryServer).Warn("tool counter write failed",
			zap.String("tool", name), zap.Error(err))
	}
}

func (s *Server) writeSessionID() {
	if s.deps.JournalDir == "" || s.deps.Collector == nil {
		return
	}
	path := filepath.Join(s.deps.JournalDir, sessionIDFile)
	if err := os.WriteFile(path, []byte(s.deps.Collector.SessionID()), 0o644); err != nil {
		logging.Get(logging.CategoryServer).Warn("session id write failed", zap.Error(err))
	}
}
