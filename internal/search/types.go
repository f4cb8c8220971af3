// Package search is the unified read surface over the vector
// collections. Result types here are canonical; the RPC layer and the
// assembler consume them, they do not redefine them.
package search

import (
	"time"

	"github.com/emmilco/mnemo/internal/memory"
	"github.com/emmilco/mnemo/internal/vector"
)

// MemoryResult is a scored memory hit.
type MemoryResult struct {
	memory.Memory
	Score float64 `json:"score"`
}

// CodeResult is a scored code unit hit.
type CodeResult struct {
	ID            string  `json:"id"`
	Project       string  `json:"project"`
	FilePath      string  `json:"file_path"`
	Name          string  `json:"name"`
	QualifiedName string  `json:"qualified_name"`
	UnitType      string  `json:"unit_type"`
	Signature     string  `json:"signature"`
	Snippet       string  `json:"snippet,omitempty"`
	Language      string  `json:"language"`
	StartLine     int     `json:"start_line"`
	EndLine       int     `json:"end_line"`
	Complexity    int     `json:"complexity,omitempty"`
	HasDocstring  bool    `json:"has_docstring"`
	Score         float64 `json:"score"`
}

// ExperienceResult is a scored resolved-GHAP hit on one axis.
type ExperienceResult struct {
	GHAPID         string  `json:"ghap_id"`
	Axis           string  `json:"axis"`
	Domain         string  `json:"domain"`
	Strategy       string  `json:"strategy"`
	Goal           string  `json:"goal"`
	Hypothesis     string  `json:"hypothesis"`
	Action         string  `json:"action"`
	Prediction     string  `json:"prediction"`
	OutcomeStatus  string  `json:"outcome_status"`
	OutcomeResult  string  `json:"outcome_result"`
	Surprise       string  `json:"surprise,omitempty"`
	RootCause      string  `json:"root_cause,omitempty"`
	Lesson         string  `json:"lesson,omitempty"`
	ConfidenceTier string  `json:"confidence_tier"`
	Score          float64 `json:"score"`
}

// ValueResult is a scored value hit.
type ValueResult struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Axis        string  `json:"axis"`
	ClusterID   string  `json:"cluster_id"`
	ClusterSize int     `json:"cluster_size"`
	Score       float64 `json:"score"`
}

// CommitResult is a scored commit hit.
type CommitResult struct {
	SHA       string    `json:"sha"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Files     []string  `json:"files,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
}

func payloadString(p vector.Payload, key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

func payloadInt(p vector.Payload, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func payloadBool(p vector.Payload, key string) bool {
	b, _ := p[key].(bool)
	return b
}

func payloadTime(p vector.Payload, key string) time.Time {
	s := payloadString(p, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func codeFromResult(res vector.SearchResult) CodeResult {
	return CodeResult{
		ID:            res.ID,
		Project:       payloadString(res.Payload, "project"),
		FilePath:      payloadString(res.Payload, "file_path"),
		Name:          payloadString(res.Payload, "name"),
		QualifiedName: payloadString(res.Payload, "qualified_name"),
		UnitType:      payloadString(res.Payload, "unit_type"),
		Signature:     payloadString(res.Payload, "signature"),
		Snippet:       payloadString(res.Payload, "snippet"),
		Language:      payloadString(res.Payload, "language"),
		StartLine:     payloadInt(res.Payload, "start_line"),
		EndLine:       payloadInt(res.Payload, "end_line"),
		Complexity:    payloadInt(res.Payload, "complexity"),
		HasDocstring:  payloadBool(res.Payload, "has_docstring"),
		Score:         res.Score,
	}
}

func experienceFromResult(res vector.SearchResult) ExperienceResult {
	return ExperienceResult{
		GHAPID:         payloadString(res.Payload, "ghap_id"),
		Axis:           payloadString(res.Payload, "axis"),
		Domain:         payloadString(res.Payload, "domain"),
		Strategy:       payloadString(res.Payload, "strategy"),
		Goal:           payloadString(res.Payload, "goal"),
		Hypothesis:     payloadString(res.Payload, "hypothesis"),
		Action:         payloadString(res.Payload, "action"),
		Prediction:     payloadString(res.Payload, "prediction"),
		OutcomeStatus:  payloadString(res.Payload, "outcome_status"),
		OutcomeResult:  payloadString(res.Payload, "outcome_result"),
		Surprise:       payloadString(res.Payload, "surprise"),
		RootCause:      payloadString(res.Payload, "root_cause"),
		Lesson:         payloadString(res.Payload, "lesson"),
		ConfidenceTier: payloadString(res.Payload, "confidence_tier"),
		Score:          res.Score,
	}
}

func valueFromResult(res vector.SearchResult) ValueResult {
	return ValueResult{
		ID:          res.ID,
		Text:        payloadString(res.Payload, "text"),
		Axis:        payloadString(res.Payload, "axis"),
		ClusterID:   payloadString(res.Payload, "cluster_id"),
		ClusterSize: payloadInt(res.Payload, "cluster_size"),
		Score:       res.Score,
	}
}

func commitFromResult(res vector.SearchResult) CommitResult {
	out := CommitResult{
		SHA:       payloadString(res.Payload, "sha"),
		Author:    payloadString(res.Payload, "author"),
		Message:   payloadString(res.Payload, "message"),
		Timestamp: payloadTime(res.Payload, "timestamp"),
		Score:     res.Score,
	}
	if files := payloadString(res.Payload, "files_changed"); files != "" {
		for _, f := range splitTrim(files, ",") {
			out.Files = append(out.Files, f)
		}
	}
	return out
}
