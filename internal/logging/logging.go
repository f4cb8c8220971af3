// Package logging provides categorized structured logging for mnemo.
// Each subsystem logs through a named zap logger; a single process-wide
// core is configured once at startup. Before Init the package is a
// silent no-op so library consumers and tests stay quiet by default.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem. Categories map to zap logger names.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, config, registry init
	CategoryEmbedding Category = "embedding" // embedding engines
	CategoryVector    Category = "vector"    // vector store operations
	CategoryMetadata  Category = "metadata"  // relational metadata store
	CategoryParser    Category = "parser"    // tree-sitter parsing
	CategoryIndexer   Category = "indexer"   // code indexing pipeline
	CategoryGit       Category = "git"       // git reader and analyzer
	CategoryMemory    Category = "memory"    // freeform note storage
	CategoryGHAP      Category = "ghap"      // GHAP collector and persister
	CategoryCluster   Category = "cluster"   // density clustering
	CategoryValues    Category = "values"    // value admission and storage
	CategorySearch    Category = "search"    // semantic search surface
	CategoryAssemble  Category = "assemble"  // context assembly
	CategoryServer    Category = "server"    // MCP tool dispatch
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.Logger)
)

// Init installs the process-wide logger. debug selects development
// encoding and debug level; otherwise production encoding at info.
func Init(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
	}
	// Tool responses own stdout; logs go to stderr.
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

// SetLogger replaces the root logger. Tests use this with zaptest.
func SetLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.Logger)
}

// Get returns the named logger for a category.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := root.Named(string(cat))
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
