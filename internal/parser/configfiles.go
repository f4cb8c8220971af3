package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/emmilco/mnemo/internal/faults"
)

// parseYAMLKeys extracts root-level mapping keys. The unit content is
// the serialized subtree under the key. No docstrings, no complexity.
func parseYAMLKeys(path string, data []byte) ([]SemanticUnit, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", faults.ErrParse, path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, nil
	}

	module := moduleStem(path)
	var units []SemanticUnit
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode := root.Content[i]
		valNode := root.Content[i+1]

		content, err := yaml.Marshal(valNode)
		if err != nil {
			continue
		}
		endLine := valNode.Line
		if last := lastYAMLLine(valNode); last > endLine {
			endLine = last
		}
		units = append(units, SemanticUnit{
			Name:          keyNode.Value,
			QualifiedName: module + "." + keyNode.Value,
			Type:          UnitKey,
			Signature:     keyNode.Value + ":",
			Content:       strings.TrimRight(string(content), "\n"),
			FilePath:      path,
			StartLine:     keyNode.Line,
			EndLine:       endLine,
			Language:      "yaml",
		})
	}
	return units, nil
}

func lastYAMLLine(n *yaml.Node) int {
	last := n.Line
	for _, c := range n.Content {
		if l := lastYAMLLine(c); l > last {
			last = l
		}
	}
	return last
}

// parseJSONKeys extracts root-level object keys. Content is the
// re-serialized subtree; line numbers are not tracked by the decoder,
// so units span the whole file.
func parseJSONKeys(path string, data []byte) ([]SemanticUnit, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		// A root-level array or scalar is valid JSON with no keys.
		var anything interface{}
		if json.Unmarshal(data, &anything) == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", faults.ErrParse, path, err)
	}

	keys := make([]string, 0, len(root))
	for k := range root {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	module := moduleStem(path)
	totalLines := 1 + strings.Count(string(data), "\n")
	units := make([]SemanticUnit, 0, len(keys))
	for _, k := range keys {
		units = append(units, SemanticUnit{
			Name:          k,
			QualifiedName: module + "." + k,
			Type:          UnitKey,
			Signature:     `"` + k + `":`,
			Content:       string(root[k]),
			FilePath:      path,
			StartLine:     1,
			EndLine:       totalLines,
			Language:      "json",
		})
	}
	return units, nil
}
