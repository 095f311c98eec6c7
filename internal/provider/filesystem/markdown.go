package filesystem

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// frontMatter is the optional YAML header of a Markdown file.
type frontMatter struct {
	Title  string   `yaml:"title"`
	Author string   `yaml:"author"`
	Tags   []string `yaml:"tags"`
}

// parsedMarkdown is the searchable text of a Markdown file.
type parsedMarkdown struct {
	Title string
	Body  string
	Meta  frontMatter
}

var markdown = goldmark.New()

// splitFrontMatter separates a leading "---" YAML block from the content.
// Malformed headers are left in the body.
func splitFrontMatter(src []byte) (frontMatter, []byte) {
	var fm frontMatter
	if !bytes.HasPrefix(src, []byte("---\n")) && !bytes.HasPrefix(src, []byte("---\r\n")) {
		return fm, src
	}
	rest := src[bytes.IndexByte(src, '\n')+1:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return fm, src
	}
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return frontMatter{}, src
	}
	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return fm, body
}

// parseMarkdown renders Markdown to plain text. The title is the front
// matter title, else the first level-one heading.
func parseMarkdown(src []byte) parsedMarkdown {
	fm, content := splitFrontMatter(src)
	reader := text.NewReader(content)
	root := markdown.Parser().Parse(reader)
	source := reader.Source()

	out := parsedMarkdown{Title: strings.TrimSpace(fm.Title), Meta: fm}
	var sb strings.Builder
	block := func() {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				block()
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if out.Title == "" && node.Level == 1 {
				out.Title = strings.TrimSpace(string(node.Text(source)))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			sb.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.AutoLink:
			sb.Write(node.Label(source))
		}
		return ast.WalkContinue, nil
	})

	out.Body = strings.TrimSpace(sb.String())
	return out
}
