// Package report renders a session's suggestions as Markdown and as a
// standalone HTML page with highlighted code snippets.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"

	"github.com/aware-engine/backend/internal/model"
)

// DefaultStyle is the chroma style used for code snippets.
const DefaultStyle = "github"

// Renderer turns sessions into reports. It is safe for concurrent use.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer creates a Renderer highlighting code with the named chroma
// style. Unknown names fall back to chroma's default style.
func NewRenderer(style string) *Renderer {
	code := &codeBlockRenderer{
		style:     styles.Get(style),
		formatter: chromahtml.New(chromahtml.WithClasses(false), chromahtml.TabWidth(2)),
	}
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				renderer.WithNodeRenderers(util.Prioritized(code, 100)),
			),
		),
	}
}

var (
	defaultRenderer     *Renderer
	defaultRendererOnce sync.Once
)

// Default returns a shared Renderer using DefaultStyle.
func Default() *Renderer {
	defaultRendererOnce.Do(func() {
		defaultRenderer = NewRenderer(DefaultStyle)
	})
	return defaultRenderer
}

// Markdown renders the session as a Markdown document.
func Markdown(s *model.Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Accessibility report\n\n")
	fmt.Fprintf(&b, "- **Session:** %s\n", codeSpan(s.ID))
	if u := s.PageURL(); u != "" {
		fmt.Fprintf(&b, "- **Page:** <%s>\n", u)
	}
	fmt.Fprintf(&b, "- **State:** %s\n", s.State)
	if s.Failure != "" {
		fmt.Fprintf(&b, "- **Failure:** %s\n", escapeText(s.Failure))
	}
	if s.Source.HasSource() {
		fmt.Fprintf(&b, "- **Source file:** %s\n", codeSpan(s.Source.Path()))
	}
	fmt.Fprintf(&b, "- **Created:** %s\n", s.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))

	if s.Result != nil && s.Result.Error != "" {
		fmt.Fprintf(&b, "\n> %s\n", escapeText(s.Result.Error))
	}

	lang := snippetLanguage(s.Source)
	suggestions := map[string]model.Suggestion{}
	if s.Result != nil {
		for _, sg := range s.Result.Suggestions {
			suggestions[sg.ViolationID] = sg
		}
	}

	fmt.Fprintf(&b, "\n## Violations (%d)\n", len(s.Violations))
	for _, v := range s.Violations {
		fmt.Fprintf(&b, "\n### %s", escapeText(v.ID))
		if v.Impact != "" {
			fmt.Fprintf(&b, " (%s)", escapeText(v.Impact))
		}
		b.WriteString("\n\n")
		if v.Help != "" {
			b.WriteString(escapeText(v.Help))
			if v.HelpURL != "" {
				fmt.Fprintf(&b, " ([rule](%s))", v.HelpURL)
			}
			b.WriteString("\n\n")
		}
		for _, n := range v.Nodes {
			fmt.Fprintf(&b, "- %s\n", codeSpan(strings.Join(n.Target, ", ")))
		}

		sg, ok := suggestions[v.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n**Suggested fix** _(%s)_: %s\n", sourceLabel(sg.Source), escapeText(sg.FixDescription))
		if sg.CodeSnippet != "" {
			fence := codeFence(sg.CodeSnippet)
			fmt.Fprintf(&b, "\n%s%s\n%s\n%s\n", fence, lang, strings.TrimRight(sg.CodeSnippet, "\n"), fence)
		}
	}
	return b.String()
}

// HTML writes the session report as a complete HTML page.
func (r *Renderer) HTML(w io.Writer, s *model.Session) error {
	var body bytes.Buffer
	if err := r.md.Convert([]byte(Markdown(s)), &body); err != nil {
		return fmt.Errorf("render report %s: %w", s.ID, err)
	}
	return pageTemplate.Execute(w, struct {
		Title string
		Body  template.HTML
	}{
		Title: "Accessibility report " + s.ID,
		Body:  template.HTML(body.String()),
	})
}

var pageTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
pre { padding: .75rem; overflow-x: auto; border-radius: 4px; }
blockquote { border-left: 4px solid #d73a49; margin: 0; padding-left: 1rem; color: #6a737d; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

func sourceLabel(src model.SuggestionSource) string {
	switch src {
	case model.SuggestionFromModel:
		return "AI"
	case model.SuggestionFromCaption:
		return "image caption"
	case model.SuggestionFromFallback:
		return "rule guidance"
	}
	return "unknown"
}

// snippetLanguage picks the highlighting language from the source file.
func snippetLanguage(src *model.SourceContext) string {
	if !src.HasSource() {
		return "html"
	}
	switch strings.ToLower(path.Ext(src.Path())) {
	case ".jsx", ".tsx":
		return "react"
	case ".vue":
		return "vue"
	case ".ts":
		return "typescript"
	case ".js", ".mjs":
		return "javascript"
	}
	return "html"
}

// codeFence returns a backtick fence longer than any run inside code.
func codeFence(code string) string {
	longest := longestBacktickRun(code)
	if longest < 3 {
		return "```"
	}
	return strings.Repeat("`", longest+1)
}

func longestBacktickRun(s string) int {
	longest, run := 0, 0
	for _, c := range s {
		if c == '`' {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	return longest
}

// codeSpan wraps s in an inline code span that no backtick run inside s can close.
func codeSpan(s string) string {
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
	fence := strings.Repeat("`", longestBacktickRun(s)+1)
	if strings.HasPrefix(s, "`") || strings.HasSuffix(s, "`") {
		s = " " + s + " "
	}
	return fence + s + fence
}

// inlinePunct is escaped anywhere in inline text; blockPunct only at the
// start of a line, where it would open a heading, list or quote.
const (
	inlinePunct = "\\`*_[]<>&|~!"
	blockPunct  = "#+-=>"
)

// escapeText makes s render as literal text in a Markdown paragraph. Tags in
// rule help ("<html> element must have a lang attribute") stay visible
// instead of being parsed as raw HTML.
func escapeText(s string) string {
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
	var b strings.Builder
	b.Grow(len(s) + 8)
	if s != "" && strings.IndexByte(blockPunct, s[0]) >= 0 && strings.IndexByte(inlinePunct, s[0]) < 0 {
		b.WriteByte('\\')
	}
	digits := 0
	for digits < len(s) && s[digits] >= '0' && s[digits] <= '9' {
		digits++
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case strings.IndexByte(inlinePunct, c) >= 0:
			b.WriteByte('\\')
		case digits > 0 && i == digits && (c == '.' || c == ')'):
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// codeBlockRenderer highlights fenced code blocks with chroma.
type codeBlockRenderer struct {
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
}

func (r *codeBlockRenderer) renderFencedCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	block := node.(*ast.FencedCodeBlock)

	var code bytes.Buffer
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		code.Write(segment.Value(source))
	}

	lexer := lexers.Get(string(block.Language(source)))
	if lexer == nil {
		lexer = lexers.Fallback
	}
	iterator, err := chroma.Coalesce(lexer).Tokenise(nil, code.String())
	if err != nil {
		return ast.WalkStop, err
	}
	if err := r.formatter.Format(w, r.style, iterator); err != nil {
		return ast.WalkStop, err
	}
	return ast.WalkSkipChildren, nil
}
