package parser

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// ecmaBranchNodes add one to cyclomatic complexity unconditionally.
var ecmaBranchNodes = map[string]bool{
	"if_statement":       true,
	"for_statement":      true,
	"for_in_statement":   true,
	"while_statement":    true,
	"do_statement":       true,
	"try_statement":      true,
	"catch_clause":       true,
	"switch_statement":   true,
	"switch_case":        true,
	"ternary_expression": true,
}

// extractECMAScript walks a TypeScript or JavaScript parse tree and
// extracts functions, classes, methods, interface declarations (TS),
// and arrow functions bound to declarators.
func extractECMAScript(root *sitter.Node, src []byte, path, module, lang string) []SemanticUnit {
	var units []SemanticUnit

	emit := func(n *sitter.Node, name string, unitType UnitType, class string) {
		qualified := module + "." + name
		if class != "" {
			qualified = module + "." + class + "." + name
		}
		units = append(units, SemanticUnit{
			Name:          name,
			QualifiedName: qualified,
			Type:          unitType,
			Signature:     ecmaSignature(n, src),
			Content:       nodeText(n, src),
			FilePath:      path,
			StartLine:     int(n.StartPoint().Row) + 1,
			EndLine:       int(n.EndPoint().Row) + 1,
			Language:      lang,
			Docstring:     jsdocBefore(n, src),
			Complexity:    ecmaComplexity(n),
		})
	}

	var walk func(n *sitter.Node, class string)
	walk = func(n *sitter.Node, class string) {
		switch n.Type() {
		case "function_declaration", "generator_function_declaration":
			if name := fieldText(n, "name", src); name != "" {
				emit(n, name, UnitFunction, "")
			}
			return

		case "class_declaration":
			name := fieldText(n, "name", src)
			if name == "" {
				return
			}
			emit(n, name, UnitClass, "")
			if body := n.ChildByFieldName("body"); body != nil {
				for i := 0; i < int(body.ChildCount()); i++ {
					walk(body.Child(i), name)
				}
			}
			return

		case "method_definition":
			if name := fieldText(n, "name", src); name != "" && class != "" {
				emit(n, name, UnitMethod, class)
			}
			return

		case "interface_declaration":
			if lang == "typescript" {
				if name := fieldText(n, "name", src); name != "" {
					emit(n, name, UnitClass, "")
				}
			}
			return

		case "lexical_declaration", "variable_declaration":
			// const f = () => {...} and friends count as functions.
			for i := 0; i < int(n.ChildCount()); i++ {
				decl := n.Child(i)
				if decl.Type() != "variable_declarator" {
					continue
				}
				value := decl.ChildByFieldName("value")
				if value == nil {
					continue
				}
				vt := value.Type()
				if vt != "arrow_function" && vt != "function" && vt != "function_expression" {
					continue
				}
				if name := fieldText(decl, "name", src); name != "" {
					emit(n, name, UnitFunction, "")
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

// ecmaSignature is the declaration text up to the body brace.
func ecmaSignature(n *sitter.Node, src []byte) string {
	if body := n.ChildByFieldName("body"); body != nil {
		sig := string(src[n.StartByte():body.StartByte()])
		return strings.TrimRight(strings.ReplaceAll(sig, "\n", " "), " \t{")
	}
	return firstLine(nodeText(n, src))
}

// jsdocBefore returns the /** ... */ block immediately preceding the
// node, unwrapped.
func jsdocBefore(n *sitter.Node, src []byte) string {
	prev := n.PrevSibling()
	// Export statements wrap declarations; look before the wrapper.
	if n.Parent() != nil && n.Parent().Type() == "export_statement" {
		prev = n.Parent().PrevSibling()
	}
	if prev == nil || prev.Type() != "comment" {
		return ""
	}
	text := nodeText(prev, src)
	if !strings.HasPrefix(text, "/**") {
		return ""
	}
	text = strings.TrimPrefix(text, "/**")
	text = strings.TrimSuffix(text, "*/")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "*")
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// ecmaComplexity is 1 plus branch nodes; binary expressions count only
// for the short-circuit operators.
func ecmaComplexity(n *sitter.Node) int {
	return 1 + countNodes(n, func(node *sitter.Node) bool {
		t := node.Type()
		if ecmaBranchNodes[t] {
			return true
		}
		if t == "binary_expression" {
			op := node.ChildByFieldName("operator")
			if op != nil {
				switch op.Type() {
				case "&&", "||":
					return true
				}
			}
		}
		return false
	})
}
