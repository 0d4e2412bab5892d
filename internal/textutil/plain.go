// ABOUTME: Flattens agent markdown replies into plain text for chat transports
// ABOUTME: Walks the goldmark AST and keeps text, code, list bullets and link targets

package textutil

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// PlainText renders markdown as readable plain text. Emphasis markers and
// headings are dropped, list items become "• " bullets, code blocks are kept
// verbatim and links keep their destination in parentheses.
func PlainText(markdown string) string {
	source := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var b strings.Builder
	linkStart := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				b.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(source))
			}
		case *ast.Link:
			if entering {
				linkStart = b.Len()
				break
			}
			dest := string(node.Destination)
			if dest != "" && b.String()[linkStart:] != dest {
				b.WriteString(" (" + dest + ")")
			}
		case *ast.ListItem:
			if entering {
				b.WriteString("• ")
			} else if !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
		case *ast.ThematicBreak:
			if entering {
				b.WriteString("---\n")
			}
		case *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock, *ast.Blockquote:
			if !entering {
				b.WriteByte('\n')
				if n.Parent() != nil && n.Parent().Kind() == ast.KindDocument {
					b.WriteByte('\n')
				}
			}
		case *ast.List:
			if !entering && n.Parent() != nil && n.Parent().Kind() == ast.KindDocument {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	out := blankRuns.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}
