// Package parser extracts semantic units from source files using
// tree-sitter. Python, TypeScript, JavaScript, and Lua files yield
// function/class/method units; YAML and JSON files yield root-level
// keys. Parsing is CPU-bound and must be called off the request path.
package parser

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/lua"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/emmilco/mnemo/internal/faults"
)

// UnitType discriminates the kinds of semantic units.
type UnitType string

const (
	UnitFunction UnitType = "function"
	UnitClass    UnitType = "class"
	UnitMethod   UnitType = "method"
	UnitKey      UnitType = "key"
)

// SemanticUnit is a parsed code fragment.
type SemanticUnit struct {
	Name          string
	QualifiedName string // module.Class.method
	Type          UnitType
	Signature     string
	Content       string
	FilePath      string
	StartLine     int
	EndLine       int
	Language      string
	Docstring     string
	Complexity    int // cyclomatic; 0 when not applicable
}

// binarySniffLen is how many leading bytes are checked for a NUL byte.
const binarySniffLen = 8 * 1024

// GenerateUnitID returns the deterministic unit id: the 32-hex prefix
// of SHA-256 over (project, file_path, qualified_name).
func GenerateUnitID(project, filePath, qualifiedName string) string {
	h := sha256.Sum256([]byte(project + "\x00" + filePath + "\x00" + qualifiedName))
	return hex.EncodeToString(h[:])[:32]
}

// HashContent returns the full SHA-256 hex of file content, used for
// change detection.
func HashContent(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// DetectLanguage maps a file extension to a language name, or "" when
// the extension is unsupported.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".lua":
		return "lua"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	}
	return ""
}

// IsBinary reports whether the leading bytes contain a NUL byte.
func IsBinary(data []byte) bool {
	n := len(data)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

// Parser parses source files into semantic units. Not safe for
// concurrent use; callers hold one per worker.
type Parser struct {
	python *sitter.Parser
	ts     *sitter.Parser
	tsx    *sitter.Parser
	js     *sitter.Parser
	lua    *sitter.Parser
}

// New creates a parser with all grammars registered.
func New() *Parser {
	p := &Parser{
		python: sitter.NewParser(),
		ts:     sitter.NewParser(),
		tsx:    sitter.NewParser(),
		js:     sitter.NewParser(),
		lua:    sitter.NewParser(),
	}
	p.python.SetLanguage(python.GetLanguage())
	p.ts.SetLanguage(typescript.GetLanguage())
	p.tsx.SetLanguage(tsx.GetLanguage())
	p.js.SetLanguage(javascript.GetLanguage())
	p.lua.SetLanguage(lua.GetLanguage())
	return p
}

// Close releases tree-sitter resources.
func (p *Parser) Close() {
	p.python.Close()
	p.ts.Close()
	p.tsx.Close()
	p.js.Close()
	p.lua.Close()
}

// ParseFile reads and parses one file. Unsupported extensions and
// binary files yield an empty result without error. Non-UTF-8 content
// fails with faults.ErrEncoding; syntactically broken files fail with
// faults.ErrParse.
func (p *Parser) ParseFile(ctx context.Context, path string) ([]SemanticUnit, error) {
	lang := DetectLanguage(path)
	if lang == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return p.Parse(ctx, path, lang, data)
}

// Parse parses raw content already read from path.
func (p *Parser) Parse(ctx context.Context, path, lang string, data []byte) ([]SemanticUnit, error) {
	if IsBinary(data) {
		return nil, nil
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", faults.ErrEncoding, path)
	}

	switch lang {
	case "yaml":
		return parseYAMLKeys(path, data)
	case "json":
		return parseJSONKeys(path, data)
	}

	tree, err := p.treeFor(ctx, path, lang, data)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, fmt.Errorf("%w: %s has syntax errors", faults.ErrParse, path)
	}

	module := moduleStem(path)
	switch lang {
	case "python":
		return extractPython(root, data, path, module), nil
	case "typescript", "javascript":
		return extractECMAScript(root, data, path, module, lang), nil
	case "lua":
		return extractLua(root, data, path, module), nil
	}
	return nil, nil
}

func (p *Parser) treeFor(ctx context.Context, path, lang string, data []byte) (*sitter.Tree, error) {
	var psr *sitter.Parser
	switch lang {
	case "python":
		psr = p.python
	case "typescript":
		if strings.EqualFold(filepath.Ext(path), ".tsx") {
			psr = p.tsx
		} else {
			psr = p.ts
		}
	case "javascript":
		psr = p.js
	case "lua":
		psr = p.lua
	default:
		return nil, fmt.Errorf("%w: no grammar for %s", faults.ErrParse, lang)
	}

	tree, err := psr.ParseCtx(ctx, nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", faults.ErrParse, path, err)
	}
	return tree, nil
}

// moduleStem returns the file name without its extension, the leading
// segment of every qualified name.
func moduleStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// nodeText returns the source text of a node.
func nodeText(n *sitter.Node, src []byte) string {
	return n.Content(src)
}

// firstLine truncates text at its first newline.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimRight(s[:i], " \t\r")
	}
	return s
}

// countNodes walks the subtree and counts nodes the predicate accepts.
func countNodes(n *sitter.Node, pred func(*sitter.Node) bool) int {
	count := 0
	var walk func(*sitter.Node)
	walk = func(node *sitter.Node) {
		if pred(node) {
			count++
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i))
		}
	}
	walk(n)
	return count
}
