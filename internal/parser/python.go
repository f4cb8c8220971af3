package parser

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// pythonBranchNodes are the node types that add one to cyclomatic
// complexity.
var pythonBranchNodes = map[string]bool{
	"if_statement":     true,
	"elif_clause":      true,
	"for_statement":    true,
	"while_statement":  true,
	"try_statement":    true,
	"except_clause":    true,
	"with_statement":   true,
	"boolean_operator": true,
	"match_statement":  true,
	"case_clause":      true,
}

// extractPython walks a Python parse tree and extracts functions,
// classes, and methods. Methods are function definitions whose
// enclosing scope is a class body.
func extractPython(root *sitter.Node, src []byte, path, module string) []SemanticUnit {
	var units []SemanticUnit

	var walk func(n *sitter.Node, class string)
	walk = func(n *sitter.Node, class string) {
		nodeType := n.Type()

		// Decorated definitions wrap the real definition; descend
		// without losing the class scope.
		if nodeType == "decorated_definition" {
			for i := 0; i < int(n.ChildCount()); i++ {
				walk(n.Child(i), class)
			}
			return
		}

		switch nodeType {
		case "function_definition":
			name := fieldText(n, "name", src)
			if name == "" {
				return
			}
			unit := SemanticUnit{
				Name:       name,
				Type:       UnitFunction,
				Signature:  pythonSignature(n, src),
				Content:    nodeText(n, src),
				FilePath:   path,
				StartLine:  int(n.StartPoint().Row) + 1,
				EndLine:    int(n.EndPoint().Row) + 1,
				Language:   "python",
				Docstring:  pythonDocstring(n, src),
				Complexity: pythonComplexity(n),
			}
			if class != "" {
				unit.Type = UnitMethod
				unit.QualifiedName = module + "." + class + "." + name
			} else {
				unit.QualifiedName = module + "." + name
			}
			units = append(units, unit)

			// Nested defs inside a function are not extracted
			// separately; the parent's content covers them.
			return

		case "class_definition":
			name := fieldText(n, "name", src)
			if name == "" {
				return
			}
			units = append(units, SemanticUnit{
				Name:          name,
				QualifiedName: module + "." + name,
				Type:          UnitClass,
				Signature:     firstLine(nodeText(n, src)),
				Content:       nodeText(n, src),
				FilePath:      path,
				StartLine:     int(n.StartPoint().Row) + 1,
				EndLine:       int(n.EndPoint().Row) + 1,
				Language:      "python",
				Docstring:     pythonDocstring(n, src),
				Complexity:    pythonComplexity(n),
			})
			if body := n.ChildByFieldName("body"); body != nil {
				for i := 0; i < int(body.ChildCount()); i++ {
					walk(body.Child(i), name)
				}
			}
			return
		}

		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), class)
		}
	}

	walk(root, "")
	return units
}

// pythonSignature builds "def name(params):" including a return
// annotation when present.
func pythonSignature(n *sitter.Node, src []byte) string {
	name := fieldText(n, "name", src)
	params := fieldText(n, "parameters", src)
	sig := "def " + name + params
	if ret := n.ChildByFieldName("return_type"); ret != nil {
		sig += " -> " + nodeText(ret, src)
	}
	return sig + ":"
}

// pythonDocstring returns the first string literal in the body.
func pythonDocstring(n *sitter.Node, src []byte) string {
	body := n.ChildByFieldName("body")
	if body == nil || body.ChildCount() == 0 {
		return ""
	}
	first := body.Child(0)
	if first.Type() != "expression_statement" || first.ChildCount() == 0 {
		return ""
	}
	str := first.Child(0)
	if str.Type() != "string" {
		return ""
	}
	return cleanPythonString(nodeText(str, src))
}

func cleanPythonString(s string) string {
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return strings.TrimSpace(s[len(q) : len(s)-len(q)])
		}
	}
	return strings.TrimSpace(s)
}

// pythonComplexity is 1 plus the count of branch nodes in the subtree.
func pythonComplexity(n *sitter.Node) int {
	return 1 + countNodes(n, func(node *sitter.Node) bool {
		return pythonBranchNodes[node.Type()]
	})
}

func fieldText(n *sitter.Node, field string, src []byte) string {
	child := n.ChildByFieldName(field)
	if child == nil {
		return ""
	}
	return nodeText(child, src)
}
