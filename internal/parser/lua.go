package parser

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// luaBranchNodes add one to cyclomatic complexity. The grammar names
// differ slightly across tree-sitter-lua revisions, so the common
// spellings are all accepted.
var luaBranchNodes = map[string]bool{
	"if_statement":     true,
	"elseif":           true,
	"elseif_statement": true,
	"for_statement":    true,
	"for_in_statement": true,
	"while_statement":  true,
	"repeat_statement": true,
}

// luaFunctionNodes are the declaration node types across grammar
// revisions.
var luaFunctionNodes = map[string]bool{
	"function_declaration":                true,
	"function_definition_statement":       true,
	"local_function":                      true,
	"local_function_definition_statement": true,
	"function":                            true,
	"function_statement":                  true,
}

// extractLua walks a Lua parse tree and extracts function declarations.
// Dotted names like M.handler become methods of their table.
func extractLua(root *sitter.Node, src []byte, path, module string) []SemanticUnit {
	var units []SemanticUnit

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if luaFunctionNodes[n.Type()] {
			name := luaFunctionName(n, src)
			if name != "" {
				unitType := UnitFunction
				qualified := module + "." + name
				if strings.ContainsAny(name, ".:") {
					unitType = UnitMethod
					qualified = module + "." + strings.NewReplacer(":", ".").Replace(name)
				}
				units = append(units, SemanticUnit{
					Name:          name,
					QualifiedName: qualified,
					Type:          unitType,
					Signature:     firstLine(nodeText(n, src)),
					Content:       nodeText(n, src),
					FilePath:      path,
					StartLine:     int(n.StartPoint().Row) + 1,
					EndLine:       int(n.EndPoint().Row) + 1,
					Language:      "lua",
					Docstring:     luaDocBefore(n, src),
					Complexity:    luaComplexity(n),
				})
				return
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}

	walk(root)
	return units
}

// luaFunctionName resolves the declared name, via the name field when
// the grammar provides one, else the first identifier-ish child.
func luaFunctionName(n *sitter.Node, src []byte) string {
	if name := fieldText(n, "name", src); name != "" {
		return name
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		switch child.Type() {
		case "identifier", "variable_declarator", "function_name", "dot_index_expression", "method_index_expression":
			return nodeText(child, src)
		}
	}
	return ""
}

// luaDocBefore returns the run of --- comment lines immediately
// preceding the node.
func luaDocBefore(n *sitter.Node, src []byte) string {
	var lines []string
	prev := n.PrevSibling()
	for prev != nil && prev.Type() == "comment" {
		text := nodeText(prev, src)
		if !strings.HasPrefix(text, "---") {
			break
		}
		line := strings.TrimSpace(strings.TrimPrefix(text, "---"))
		lines = append([]string{line}, lines...)
		prev = prev.PrevSibling()
	}
	return strings.Join(lines, "\n")
}

// luaComplexity is 1 plus branch nodes plus and/or operators.
func luaComplexity(n *sitter.Node) int {
	return 1 + countNodes(n, func(node *sitter.Node) bool {
		return luaBranchNodes[node.Type()]
	}) + luaShortCircuits(n)
}

// luaShortCircuits counts "and"/"or" operator tokens in the subtree.
func luaShortCircuits(n *sitter.Node) int {
	return countNodes(n, func(node *sitter.Node) bool {
		t := node.Type()
		return t == "and" || t == "or"
	})
}
