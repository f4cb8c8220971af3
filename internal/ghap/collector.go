package ghap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
)

const currentFile = "current_ghap.json"

// journalEvent is one line of a session log.
type journalEvent struct {
	Type  string    `json:"type"` // started, updated, resolved
	At    time.Time `json:"at"`
	Entry *Entry    `json:"entry"`
}

// Collector is the single-active GHAP state machine. State survives
// restarts via current_ghap.json; every transition also appends to the
// session log.
type Collector struct {
	dir       string
	sessionID string

	mu     sync.Mutex
	active *Entry
}

// NewCollector opens the journal directory and recovers any active
// entry left by a previous session.
func NewCollector(dir string) (*Collector, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	c := &Collector{dir: dir, sessionID: uuid.NewString()}

	data, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err == nil && len(data) > 0 {
		var entry Entry
		if jsonErr := json.Unmarshal(data, &entry); jsonErr == nil && entry.ID != "" {
			c.active = &entry
			logging.Get(logging.CategoryGHAP).Info("recovered active entry",
				zap.String("id", entry.ID), zap.String("goal", entry.Goal))
		}
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", currentFile, err)
	}
	return c, nil
}

// SessionID identifies this collector's session log.
func (c *Collector) SessionID() string {
	return c.sessionID
}

// StartParams are the required fields of a new entry.
type StartParams struct {
	Domain     string
	Strategy   string
	Goal       string
	Hypothesis string
	Action     string
	Prediction string
}

// Start creates a new active entry. An existing active entry is
// orphaned with a warning; the caller learns about it via the second
// return value.
func (c *Collector) Start(p StartParams) (*Entry, *Entry, error) {
	if err := requireEnum("domain", p.Domain, Domains); err != nil {
		return nil, nil, err
	}
	if err := requireEnum("strategy", p.Strategy, Strategies); err != nil {
		return nil, nil, err
	}
	for _, field := range []struct{ name, value string }{
		{"goal", p.Goal}, {"hypothesis", p.Hypothesis},
		{"action", p.Action}, {"prediction", p.Prediction},
	} {
		if err := requireBody(field.name, field.value, maxBodyLen); err != nil {
			return nil, nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	orphaned := c.active
	if orphaned != nil {
		logging.Get(logging.CategoryGHAP).Warn("starting new entry while another is active; previous entry orphaned",
			zap.String("orphaned_id", orphaned.ID), zap.String("orphaned_goal", orphaned.Goal))
	}

	entry := &Entry{
		ID:             uuid.NewString(),
		Domain:         p.Domain,
		Strategy:       p.Strategy,
		Goal:           p.Goal,
		Hypothesis:     p.Hypothesis,
		Action:         p.Action,
		Prediction:     p.Prediction,
		IterationCount: 1,
		CreatedAt:      time.Now().UTC(),
	}
	c.active = entry
	if err := c.persistActive(); err != nil {
		c.active = orphaned
		return nil, nil, err
	}
	c.appendEvent("started", entry)
	return cloneEntry(entry), cloneEntry(orphaned), nil
}

// UpdateParams carries optional field changes. Nil pointers leave the
// field untouched.
type UpdateParams struct {
	Hypothesis *string
	Action     *string
	Prediction *string
	Strategy   *string
	Note       string
}

// Update mutates the active entry and bumps the iteration count.
func (c *Collector) Update(p UpdateParams) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil, faults.NotFound("no active entry; call start_ghap first")
	}

	var changed []string
	apply := func(name string, value *string, dst *string) error {
		if value == nil {
			return nil
		}
		if err := requireBody(name, *value, maxBodyLen); err != nil {
			return err
		}
		*dst = *value
		changed = append(changed, name)
		return nil
	}
	if p.Strategy != nil {
		if err := requireEnum("strategy", *p.Strategy, Strategies); err != nil {
			return nil, err
		}
		c.active.Strategy = *p.Strategy
		changed = append(changed, "strategy")
	}
	if err := apply("hypothesis", p.Hypothesis, &c.active.Hypothesis); err != nil {
		return nil, err
	}
	if err := apply("action", p.Action, &c.active.Action); err != nil {
		return nil, err
	}
	if err := apply("prediction", p.Prediction, &c.active.Prediction); err != nil {
		return nil, err
	}

	c.active.IterationCount++
	c.active.History = append(c.active.History, UpdateRecord{
		Timestamp: time.Now().UTC(),
		Fields:    changed,
		Note:      p.Note,
	})
	if err := c.persistActive(); err != nil {
		return nil, err
	}
	c.appendEvent("updated", c.active)
	return cloneEntry(c.active), nil
}

// ResolveParams terminate the active entry.
type ResolveParams struct {
	Status    string
	Result    string
	Surprise  string
	RootCause *RootCause
	Lesson    *Lesson
}

// Resolve finalizes the active entry: validate, grade, write the
// resolution to the journal, then clear "active". Durability is local
// first; vector persistence happens afterwards and may be retried.
func (c *Collector) Resolve(p ResolveParams) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil, faults.NotFound("no active entry; call start_ghap first")
	}
	if err := requireEnum("status", p.Status, OutcomeStatuses); err != nil {
		return nil, err
	}
	if err := requireBody("result", p.Result, maxResolutionLen); err != nil {
		return nil, err
	}
	if len(p.Surprise) > maxResolutionLen {
		return nil, faults.Validation("surprise exceeds %d characters", maxResolutionLen)
	}
	status := OutcomeStatus(p.Status)
	if status == OutcomeFalsified {
		if strings.TrimSpace(p.Surprise) == "" || p.RootCause == nil {
			return nil, faults.Validation("a falsified resolution requires both surprise and root_cause")
		}
	}
	if p.RootCause != nil {
		if err := requireEnum("root_cause.category", p.RootCause.Category, RootCauseCategories); err != nil {
			return nil, err
		}
		if len(p.RootCause.Description) > maxResolutionLen {
			return nil, faults.Validation("root_cause.description exceeds %d characters", maxResolutionLen)
		}
	}

	now := time.Now().UTC()
	entry := c.active
	entry.Status = status
	entry.Result = p.Result
	entry.Surprise = p.Surprise
	entry.RootCause = p.RootCause
	entry.Lesson = p.Lesson
	entry.ResolvedAt = &now
	entry.ConfidenceTier = confidenceTier(status, entry.IterationCount, p.Lesson)

	c.appendEvent("resolved", entry)
	if err := os.Remove(filepath.Join(c.dir, currentFile)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clear active entry: %w", err)
	}
	c.active = nil

	logging.Get(logging.CategoryGHAP).Info("entry resolved",
		zap.String("id", entry.ID),
		zap.String("status", string(status)),
		zap.String("tier", string(entry.ConfidenceTier)),
		zap.Int("iterations", entry.IterationCount))
	return cloneEntry(entry), nil
}

// Current returns the active entry, or nil.
func (c *Collector) Current() *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneEntry(c.active)
}

// List returns resolved entries from every session log in the journal,
// newest first, optionally filtered by outcome status.
func (c *Collector) List(outcome string, limit int) ([]Entry, error) {
	if outcome != "" && !inSet(outcome, OutcomeStatuses) {
		return nil, requireEnum("outcome", outcome, OutcomeStatuses)
	}
	if limit <= 0 {
		limit = 50
	}

	paths, err := filepath.Glob(filepath.Join(c.dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, path := range paths {
		resolved, err := readResolved(path)
		if err != nil {
			logging.Get(logging.CategoryGHAP).Warn("unreadable session log, skipping",
				zap.String("path", path), zap.Error(err))
			continue
		}
		entries = append(entries, resolved...)
	}

	if outcome != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Status) == outcome {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entries[i].CreatedAt, entries[j].CreatedAt
		if entries[i].ResolvedAt != nil {
			ti = *entries[i].ResolvedAt
		}
		if entries[j].ResolvedAt != nil {
			tj = *entries[j].ResolvedAt
		}
		return ti.After(tj)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func readResolved(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev journalEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Type == "resolved" && ev.Entry != nil {
			entries = append(entries, *ev.Entry)
		}
	}
	return entries, scanner.Err()
}

// persistActive writes current_ghap.json atomically.
func (c *Collector) persistActive() error {
	return writeJSONAtomic(filepath.Join(c.dir, currentFile), c.active)
}

// appendEvent writes one line to the session log. Log append failures
// are warnings; the in-memory state and current_ghap.json are the
// source of truth for the active entry.
func (c *Collector) appendEvent(eventType string, entry *Entry) {
	ev := journalEvent{Type: eventType, At: time.Now().UTC(), Entry: entry}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	path := filepath.Join(c.dir, c.sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.Get(logging.CategoryGHAP).Warn("session log append failed",
			zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		logging.Get(logging.CategoryGHAP).Warn("session log write failed",
			zap.String("path", path), zap.Error(err))
	}
}

// writeJSONAtomic writes via a temp file in the same directory plus
// rename, so a crash never leaves a torn file.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func cloneEntry(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.History = append([]UpdateRecord(nil), e.History...)
	if e.RootCause != nil {
		rc := *e.RootCause
		out.RootCause = &rc
	}
	if e.Lesson != nil {
		l := *e.Lesson
		out.Lesson = &l
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
