// Package astmeta produces the per-file annotation overlays served under
// the filesystem's shadows section. The Provider interface is the seam for
// a real language server; the built-in heuristic provider works from file
// extension and line patterns so shadows stay useful without one.
package astmeta

import (
	"context"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/forgegate/hub/internal/project"
)

// SymbolKind classifies a detected top-level symbol.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolType      SymbolKind = "type"
	SymbolInterface SymbolKind = "interface"
	SymbolClass     SymbolKind = "class"
)

// Symbol is one detected declaration.
type Symbol struct {
	Name string     `json:"name"`
	Kind SymbolKind `json:"kind"`
	Line int        `json:"line"`
}

// Annotation is the overlay metadata attached to one file.
type Annotation struct {
	Path        string    `json:"path"`
	Language    string    `json:"language"`
	Lines       int       `json:"lines"`
	Bytes       int       `json:"bytes"`
	ContentHash string    `json:"content_hash"`
	Symbols     []Symbol  `json:"symbols,omitempty"`
	Imports     []string  `json:"imports,omitempty"`
	Provider    string    `json:"provider"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Provider computes annotations for a file. External providers may call a
// language service; implementations must tolerate content they cannot parse
// and return a best-effort annotation rather than an error.
type Provider interface {
	Annotate(ctx context.Context, filePath, content string) (*Annotation, error)
	Name() string
}

var languageByExt = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".sh":   "shell",
	".sql":  "sql",
	".md":   "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
}

var (
	goFunc      = regexp.MustCompile(`^func\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	goMethod    = regexp.MustCompile(`^func\s+\([^)]+\)\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	goType      = regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)\s+(struct|interface)\b`)
	pyDef       = regexp.MustCompile(`^\s*def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	pyClass     = regexp.MustCompile(`^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)\b`)
	pyImport    = regexp.MustCompile(`^\s*(?:import\s+([A-Za-z_][A-Za-z0-9_.]*)|from\s+([A-Za-z_][A-Za-z0-9_.]*)\s+import)`)
	jsFunc      = regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
	jsClass     = regexp.MustCompile(`^\s*(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
	jsImport    = regexp.MustCompile(`^\s*import\b.*?from\s+['"]([^'"]+)['"]`)
	jsRequire   = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	goImportOne = regexp.MustCompile(`^import\s+(?:[A-Za-z_.]+\s+)?"([^"]+)"`)
	goImportIn  = regexp.MustCompile(`^\s*(?:[A-Za-z_.]+\s+)?"([^"]+)"`)
)

// Heuristic is the default provider: language by extension, symbols and
// imports by line patterns. It never fails.
type Heuristic struct{}

// NewHeuristic builds the default provider.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Name identifies this provider in annotation envelopes.
func (h *Heuristic) Name() string { return "heuristic" }

// Annotate scans the content line by line. Unknown languages still get
// size, line count, and hash.
func (h *Heuristic) Annotate(_ context.Context, filePath, content string) (*Annotation, error) {
	lang := languageByExt[strings.ToLower(path.Ext(filePath))]
	if lang == "" {
		lang = "unknown"
	}
	ann := &Annotation{
		Path:        filePath,
		Language:    lang,
		Bytes:       len(content),
		ContentHash: project.ContentHash(content),
		Provider:    h.Name(),
		GeneratedAt: time.Now(),
	}

	lines := strings.Split(content, "\n")
	ann.Lines = len(lines)
	if content == "" {
		ann.Lines = 0
		return ann, nil
	}
	if strings.HasSuffix(content, "\n") {
		ann.Lines--
	}

	switch lang {
	case "go":
		h.scanGo(ann, lines)
	case "python":
		h.scanPython(ann, lines)
	case "javascript", "typescript":
		h.scanJS(ann, lines)
	}
	return ann, nil
}

func (h *Heuristic) scanGo(ann *Annotation, lines []string) {
	inImport := false
	for i, line := range lines {
		n := i + 1
		switch {
		case strings.HasPrefix(line, "import ("):
			inImport = true
		case inImport && strings.HasPrefix(line, ")"):
			inImport = false
		case inImport:
			if m := goImportIn.FindStringSubmatch(line); m != nil {
				ann.Imports = append(ann.Imports, m[1])
			}
		case strings.HasPrefix(line, "import "):
			if m := goImportOne.FindStringSubmatch(line); m != nil {
				ann.Imports = append(ann.Imports, m[1])
			}
		default:
			if m := goMethod.FindStringSubmatch(line); m != nil {
				ann.Symbols = append(ann.Symbols, Symbol{Name: m[1], Kind: SymbolMethod, Line: n})
			} else if m := goFunc.FindStringSubmatch(line); m != nil {
				ann.Symbols = append(ann.Symbols, Symbol{Name: m[1], Kind: SymbolFunction, Line: n})
			} else if m := goType.FindStringSubmatch(line); m != nil {
				kind := SymbolType
				if m[2] == "interface" {
					kind = SymbolInterface
				}
				ann.Symbols = append(ann.Symbols, Symbol{Name: m[1], Kind: kind, Line: n})
			}
		}
	}
}

func (h *Heuristic) scanPython(ann *Annotation, lines []string) {
	for i, line := range lines {
		n := i + 1
		if m := pyClass.FindStringSubmatch(line); m != nil {
			ann.Symbols = append(ann.Symbols, Symbol{Name: m[1], Kind: SymbolClass, Line: n})
		} else if m := pyDef.FindStringSubmatch(line); m != nil {
			ann.Symbols = append(ann.Symbols, Symbol{Name: m[1], Kind: SymbolFunction, Line: n})
		} else if m := pyImport.FindStringSubmatch(line); m != nil {
			mod := m[1]
			if mod == "" {
				mod = m[2]
			}
			ann.Imports = append(ann.Imports, mod)
		}
	}
}

func (h *Heuristic) scanJS(ann *Annotation, lines []string) {
	for i, line := range lines {
		n := i + 1
		if m := jsClass.FindStringSubmatch(line); m != nil {
			ann.Symbols = append(ann.Symbols, Symbol{Name: m[1], Kind: SymbolClass, Line: n})
		} else if m := jsFunc.FindStringSubmatch(line); m != nil {
			ann.Symbols = append(ann.Symbols, Symbol{Name: m[1], Kind: SymbolFunction, Line: n})
		}
		if m := jsImport.FindStringSubmatch(line); m != nil {
			ann.Imports = append(ann.Imports, m[1])
		} else if m := jsRequire.FindStringSubmatch(line); m != nil {
			ann.Imports = append(ann.Imports, m[1])
		}
	}
}
