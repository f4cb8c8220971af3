package assemble

import (
	"fmt"
	"strings"

	"github.com/emmilco/mnemo/internal/search"
)

// Renderers produce the per-item markdown blocks. Whitespace is part
// of the contract; tests assert exact shapes.

func renderMemory(m search.MemoryResult) string {
	return fmt.Sprintf("**Memory**: %s\n*Category: %s, Importance: %.2f*",
		m.Content, m.Category, m.Importance)
}

func renderCode(c search.CodeResult) string {
	header := fmt.Sprintf("**%s** `%s` in `%s:%d`",
		titleCase(c.UnitType), c.QualifiedName, c.FilePath, c.StartLine)
	body := c.Snippet
	if body == "" {
		body = c.Signature
	}
	return header + "\n```" + c.Language + "\n" + body + "\n```"
}

func renderExperience(e search.ExperienceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Experience**: %s | %s\n", e.Domain, e.Strategy)
	fmt.Fprintf(&b, "- Goal: %s\n", e.Goal)
	fmt.Fprintf(&b, "- Hypothesis: %s\n", e.Hypothesis)
	fmt.Fprintf(&b, "- Action: %s\n", e.Action)
	fmt.Fprintf(&b, "- Prediction: %s\n", e.Prediction)
	fmt.Fprintf(&b, "- Outcome (%s): %s", e.OutcomeStatus, e.OutcomeResult)
	if e.Surprise != "" {
		fmt.Fprintf(&b, "\n- Surprise: %s", e.Surprise)
	}
	if e.Lesson != "" {
		fmt.Fprintf(&b, "\n- Lesson: %s", e.Lesson)
	}
	return b.String()
}

func renderValue(v search.ValueResult) string {
	return fmt.Sprintf("**Value** (%s, cluster size: %d):\n%s",
		v.Axis, v.ClusterSize, v.Text)
}

func renderCommit(c search.CommitResult) string {
	sha := c.SHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	out := fmt.Sprintf("**Commit** `%s` by %s on %s\n%s",
		sha, c.Author, c.Timestamp.Format("2006-01-02"), c.Message)
	if len(c.Files) > 0 {
		shown := c.Files
		more := 0
		if len(shown) > 3 {
			more = len(shown) - 3
			shown = shown[:3]
		}
		out += "\n*Files: " + strings.Join(shown, ", ")
		if more > 0 {
			out += fmt.Sprintf(" (%d more)", more)
		}
		out += "*"
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// sectionTitle maps a source to its markdown heading.
func sectionTitle(source Source) string {
	switch source {
	case SourceMemories:
		return "Memories"
	case SourceCode:
		return "Code"
	case SourceExperiences:
		return "Experiences"
	case SourceValues:
		return "Values"
	case SourceCommits:
		return "Commits"
	}
	return string(source)
}
