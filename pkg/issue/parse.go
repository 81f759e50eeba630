package issue

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// symbolPattern matches capitalized-camel identifiers used as
// semantic conflict targets (e.g. "UserSession", "OrderService").
var symbolPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]*[A-Z][a-zA-Z0-9]*\b`)

// filePathPattern recognizes inline-code and bare tokens that look
// like repository-relative file paths.
var filePathPattern = regexp.MustCompile(`^[\w./\-]+\.[a-zA-Z0-9]+$`)

var modificationKeywords = []struct {
	mod      ModificationType
	keywords []string
}{
	{ModStructural, []string{"structural", "refactor", "restructure", "rearchitect"}},
	{ModInfrastructure, []string{"infrastructure", "infra", "pipeline", "deployment", "ci/cd", "tooling"}},
	{ModEnhancement, []string{"enhancement", "improve", "polish", "tweak"}},
}

var sectionKeywords = []string{"header", "body", "sidebar", "footer", "card", "modal", "form"}

// ParseBody parses the markdown body of an issue file, extracting the
// Blocked By list, file hints, and modification-type classification.
// Structural concerns (headings, lists, code spans) are walked via the
// goldmark AST; the lexical extraction of symbol names and file-path
// tokens remains regexp-based since those are not markdown structure.
func ParseBody(source []byte) (blockers []string, fileHints []string, modType ModificationType) {
	reader := text.NewReader(source)
	doc := md.Parser().Parse(reader)

	inBlockedBySection := false
	seenFiles := make(map[string]bool)
	seenBlockers := make(map[string]bool)

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			txt := strings.ToLower(nodeText(node, source))
			inBlockedBySection = strings.Contains(txt, "blocked by")

		case *ast.Paragraph:
			txt := nodeText(node, source)
			if label, rest, ok := splitBlockedByLabel(txt); ok {
				_ = label
				for _, id := range splitIDList(rest) {
					if !seenBlockers[id] {
						seenBlockers[id] = true
						blockers = append(blockers, id)
					}
				}
			}

		case *ast.ListItem:
			txt := strings.TrimSpace(nodeText(node, source))
			if inBlockedBySection {
				for _, id := range splitIDList(txt) {
					if !seenBlockers[id] {
						seenBlockers[id] = true
						blockers = append(blockers, id)
					}
				}
			}
			if looksLikeFilePath(txt) && !seenFiles[txt] {
				seenFiles[txt] = true
				fileHints = append(fileHints, txt)
			}

		case *ast.FencedCodeBlock, *ast.CodeBlock:
			// Code blocks are not scanned for file hints; they are
			// usually log output or diffs, not references.

		case *ast.CodeSpan:
			txt := string(nodeTextBytes(node, source))
			if looksLikeFilePath(txt) && !seenFiles[txt] {
				seenFiles[txt] = true
				fileHints = append(fileHints, txt)
			}
		}

		return ast.WalkContinue, nil
	})

	modType = classifyModificationType(source)
	return blockers, fileHints, modType
}

// ExtractSymbols returns the distinct capitalized-camel identifiers
// referenced in an issue body, used as semantic conflict targets.
func ExtractSymbols(source []byte) []string {
	matches := symbolPattern.FindAllString(string(source), -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// ExtractSectionKeywords returns which of the closed set of UI-region
// keywords appear in the issue body (case-insensitive).
func ExtractSectionKeywords(source []byte) []string {
	lower := strings.ToLower(string(source))
	var out []string
	for _, kw := range sectionKeywords {
		if strings.Contains(lower, kw) {
			out = append(out, kw)
		}
	}
	return out
}

func classifyModificationType(source []byte) ModificationType {
	lower := strings.ToLower(string(source))
	for _, group := range modificationKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.mod
			}
		}
	}
	return ModUnknown
}

func looksLikeFilePath(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, " ") {
		return false
	}
	return filePathPattern.MatchString(s)
}

var blockedByLabelPattern = regexp.MustCompile(`(?i)^blocked\s*by\s*:?\s*(.*)$`)

func splitBlockedByLabel(txt string) (label, rest string, ok bool) {
	m := blockedByLabelPattern.FindStringSubmatch(strings.TrimSpace(txt))
	if m == nil {
		return "", "", false
	}
	return "blocked by", m[1], true
}

var idTokenPattern = regexp.MustCompile(`\b(BUG|FEAT|ENH)-\d{3,}\b`)

func splitIDList(s string) []string {
	return idTokenPattern.FindAllString(s, -1)
}

// nodeText concatenates the text content of a node's descendants.
func nodeText(n ast.Node, source []byte) string {
	return string(nodeTextBytes(n, source))
}

func nodeTextBytes(n ast.Node, source []byte) []byte {
	if n.Type() == ast.TypeInline {
		if t, ok := n.(*ast.Text); ok {
			return t.Segment.Value(source)
		}
	}
	if cs, ok := n.(*ast.CodeSpan); ok {
		var buf bytes.Buffer
		for c := cs.FirstChild(); c != nil; c = c.NextSibling() {
			buf.Write(nodeTextBytes(c, source))
		}
		return buf.Bytes()
	}

	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		buf.Write(nodeTextBytes(c, source))
	}
	return buf.Bytes()
}
