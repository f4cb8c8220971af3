package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
)

// SQLiteStore persists vector collections in a single SQLite database.
// Points and payloads live in plain tables and are the source of
// truth. When the build carries the sqlite-vec extension, each
// collection additionally maintains a vec0 virtual table and searches
// run as KNN queries against it; otherwise similarity falls back to an
// exact cosine scan, which is well within budget for the collection
// sizes a single developer workspace produces.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	vecANN bool
}

// NewSQLiteStore opens (creating if needed) the vector database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	log := logging.Get(logging.CategoryVector)
	log.Info("opening vector store", zap.String("path", path))

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("set busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("set journal_mode=WAL failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("set synchronous=NORMAL failed", zap.Error(err))
	}

	store := &SQLiteStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	store.vecANN = detectVecExtension(db)
	if store.vecANN {
		log.Info("sqlite-vec extension available, using vec0 KNN search")
	}
	return store, nil
}

// detectVecExtension probes for the vec0 module. It is present only in
// builds that link the sqlite-vec extension.
func detectVecExtension(db *sql.DB) bool {
	if _, err := db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err != nil {
		return false
	}
	_, _ = db.Exec("DROP TABLE IF EXISTS vec_probe")
	return true
}

// vecTableName maps a collection to its vec0 shadow table.
func vecTableName(collection string) string {
	sanitized := make([]rune, 0, len(collection))
	for _, r := range collection {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sanitized = append(sanitized, r)
		default:
			sanitized = append(sanitized, '_')
		}
	}
	return "vec_" + string(sanitized)
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name       TEXT PRIMARY KEY,
		dimension  INTEGER NOT NULL,
		distance   TEXT NOT NULL DEFAULT 'cosine',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS points (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		vector     TEXT NOT NULL,
		payload    TEXT,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_points_collection ON points(collection);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateCollection(ctx context.Context, name string, dimension int, distance Distance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if distance == "" {
		distance = DistanceCosine
	}

	var existing int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections WHERE name = ?", name).Scan(&existing)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s", faults.ErrCollectionExists, name)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO collections (name, dimension, distance) VALUES (?, ?, ?)",
		name, dimension, string(distance))
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}

	if s.vecANN {
		ddl := fmt.Sprintf(
			"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d] distance_metric=cosine, point_id TEXT)",
			vecTableName(name), dimension)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			logging.Get(logging.CategoryVector).Warn("vec0 table creation failed, collection will use exact scan",
				zap.String("collection", name), zap.Error(err))
		}
	}

	logging.Get(logging.CategoryVector).Info("collection created",
		zap.String("collection", name), zap.Int("dimension", dimension))
	return nil
}

func (s *SQLiteStore) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dim int
	err := s.db.QueryRowContext(ctx, "SELECT dimension FROM collections WHERE name = ?", name).Scan(&dim)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", name, err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM points WHERE collection = ?", name).Scan(&count); err != nil {
		return nil, fmt.Errorf("count points in %s: %w", name, err)
	}
	return &CollectionInfo{Name: name, Dimension: dim, VectorCount: count}, nil
}

func (s *SQLiteStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete collection: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM points WHERE collection = ?", name); err != nil {
		return fmt.Errorf("delete points of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete collection: %w", err)
	}
	if s.vecANN {
		_, _ = s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+vecTableName(name))
	}

	logging.Get(logging.CategoryVector).Info("collection deleted", zap.String("collection", name))
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, collection, id string, vec []float32, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dim int
	err := s.db.QueryRowContext(ctx, "SELECT dimension FROM collections WHERE name = ?", collection).Scan(&dim)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: collection %s", faults.ErrNotFound, collection)
	}
	if err != nil {
		return fmt.Errorf("look up collection %s: %w", collection, err)
	}
	if len(vec) != dim {
		return fmt.Errorf("%w: collection %s expects %d, got %d",
			faults.ErrDimensionMismatch, collection, dim, len(vec))
	}

	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("serialize vector: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO points (collection, id, vector, payload) VALUES (?, ?, ?, ?)",
		collection, id, string(vecJSON), string(payloadJSON))
	if err != nil {
		return fmt.Errorf("upsert point %s/%s: %w", collection, id, err)
	}

	if s.vecANN {
		// The points row is the source of truth; a failed shadow write
		// degrades that point to the exact-scan path.
		table := vecTableName(collection)
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE point_id = ?", id); err == nil {
			if _, err := s.db.ExecContext(ctx,
				"INSERT INTO "+table+"(embedding, point_id) VALUES (?, ?)", string(vecJSON), id); err != nil {
				logging.Get(logging.CategoryVector).Warn("vec0 shadow insert failed",
					zap.String("collection", collection), zap.String("id", id), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, collection string, query []float32, limit int, filter *Filter) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	// Payload filters are applied post-scan, so the KNN shortcut only
	// serves unfiltered searches.
	if s.vecANN && filter == nil {
		results, err := s.searchVec(ctx, collection, query, limit)
		if err == nil {
			return results, nil
		}
		logging.Get(logging.CategoryVector).Debug("vec0 KNN failed, falling back to exact scan",
			zap.String("collection", collection), zap.Error(err))
	}

	candidates, err := s.scanPoints(ctx, collection, filter, true)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		score, err := embedding.CosineSimilarity(query, c.Vector)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{ID: c.ID, Score: score, Payload: c.Payload})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// searchVec runs a vec0 KNN query and hydrates payloads from the
// points table. Cosine distance converts to a similarity score.
func (s *SQLiteStore) searchVec(ctx context.Context, collection string, query []float32, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exists, err := s.collectionExists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: collection %s", faults.ErrNotFound, collection)
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("serialize query vector: %w", err)
	}

	stmt := fmt.Sprintf(
		`SELECT v.point_id, v.distance, p.payload
		 FROM %s v JOIN points p ON p.collection = ? AND p.id = v.point_id
		 WHERE v.embedding MATCH ? AND k = ?
		 ORDER BY v.distance`, vecTableName(collection))
	rows, err := s.db.QueryContext(ctx, stmt, collection, string(queryJSON), limit)
	if err != nil {
		return nil, fmt.Errorf("knn %s: %w", collection, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, payloadJSON string
		var distance float64
		if err := rows.Scan(&id, &distance, &payloadJSON); err != nil {
			continue
		}
		payload := Payload{}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
				continue
			}
		}
		results = append(results, SearchResult{ID: id, Score: 1 - distance, Payload: payload})
	}
	return results, rows.Err()
}

func (s *SQLiteStore) Scroll(ctx context.Context, collection string, limit int, filter *Filter, withVectors bool) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 100
	}

	results, err := s.scanPoints(ctx, collection, filter, withVectors)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scanPoints loads all points of a collection that match the filter.
func (s *SQLiteStore) scanPoints(ctx context.Context, collection string, filter *Filter, withVectors bool) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.collectionExists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !info {
		return nil, fmt.Errorf("%w: collection %s", faults.ErrNotFound, collection)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, vector, payload FROM points WHERE collection = ? ORDER BY rowid", collection)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, vecJSON, payloadJSON string
		if err := rows.Scan(&id, &vecJSON, &payloadJSON); err != nil {
			continue
		}
		payload := Payload{}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
				continue
			}
		}
		if !filter.Matches(payload) {
			continue
		}
		res := SearchResult{ID: id, Payload: payload}
		if withVectors {
			var vec []float32
			if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
				continue
			}
			res.Vector = vec
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) collectionExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections WHERE name = ?", name).Scan(&n); err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string, withVector bool) (*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var vecJSON, payloadJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT vector, payload FROM points WHERE collection = ? AND id = ?",
		collection, id).Scan(&vecJSON, &payloadJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get point %s/%s: %w", collection, id, err)
	}

	res := &SearchResult{ID: id, Payload: Payload{}}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &res.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s/%s: %w", collection, id, err)
		}
	}
	if withVector {
		if err := json.Unmarshal([]byte(vecJSON), &res.Vector); err != nil {
			return nil, fmt.Errorf("decode vector %s/%s: %w", collection, id, err)
		}
	}
	return res, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM points WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return fmt.Errorf("delete point %s/%s: %w", collection, id, err)
	}
	if s.vecANN {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM "+vecTableName(collection)+" WHERE point_id = ?", id)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	if filter == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM points WHERE collection = ?", collection).Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s: %w", collection, err)
		}
		return n, nil
	}

	results, err := s.scanPoints(ctx, collection, filter, false)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return len(results), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
