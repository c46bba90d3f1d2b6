package richtext

import (
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Builder turns HTML fragments into documents with image placeholders.
type Builder struct {
	log *zap.Logger
}

func NewBuilder(log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{log: log}
}

// Build converts an HTML fragment. Paragraph and div elements become
// top-level paragraphs (never nested), anchors become hyperlinks, and any
// other element is flattened to its text. An image, or an anchor wrapping
// one, closes the paragraph it appears in and becomes a standalone
// placeholder block, so `<p>a <img> b</p>` yields three blocks: a paragraph
// with "a", the placeholder, and a paragraph with "b". Placeholder ids follow
// document order.
func (b *Builder) Build(source string) (Document, []Placeholder) {
	if strings.TrimSpace(source) == "" {
		return Document{Blocks: []Node{}}, nil
	}
	return b.BuildFrom(strings.NewReader(source))
}

// BuildFrom is Build over a reader. x/net/html recovers from malformed
// markup itself; only a failing reader is a ParseError, after which the
// text read so far is flattened into a single paragraph.
func (b *Builder) BuildFrom(r io.Reader) (Document, []Placeholder) {
	var seen strings.Builder
	nodes, err := html.ParseFragment(io.TeeReader(r, &seen), fragmentContext())
	if err != nil {
		perr := &ParseError{Err: err}
		b.log.Warn("Falling back to plain text", zap.Error(perr))
		return FromPlainText(flattenText(seen.String())), nil
	}

	w := &walker{}
	acc := scope{}
	for _, n := range nodes {
		acc = w.step(n, acc)
	}
	blocks := acc.flush().blocks
	if blocks == nil {
		blocks = []Node{}
	}
	return Document{Blocks: blocks}, w.placeholders
}

func fragmentContext() *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	}
}

// flattenText returns the whitespace-collapsed visible text of source.
func flattenText(source string) string {
	nodes, err := html.ParseFragment(strings.NewReader(source), fragmentContext())
	if err != nil {
		return strings.Join(strings.Fields(source), " ")
	}
	var sb strings.Builder
	for _, n := range nodes {
		sb.WriteString(textContent(n))
		sb.WriteByte(' ')
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Build converts source with a builder that does not log.
func Build(source string) (Document, []Placeholder) {
	return NewBuilder(nil).Build(source)
}

// scope is the accumulator threaded through a fold over sibling nodes:
// finished blocks plus inline nodes still waiting for a paragraph.
type scope struct {
	blocks  []Node
	inlines []Node
}

func (s scope) flush() scope {
	if len(s.inlines) == 0 {
		return s
	}
	return scope{blocks: append(s.blocks, Paragraph(s.inlines...))}
}

func (s scope) inline(n Node) scope {
	return scope{blocks: s.blocks, inlines: append(s.inlines, n)}
}

func (s scope) block(nodes ...Node) scope {
	return scope{blocks: append(s.blocks, nodes...), inlines: s.inlines}
}

// walker only owns placeholder allocation; block and inline state travels in
// the scope values.
type walker struct {
	placeholders []Placeholder
}

func (w *walker) fold(first *html.Node) []Node {
	acc := scope{}
	for c := first; c != nil; c = c.NextSibling {
		acc = w.step(c, acc)
	}
	return acc.flush().blocks
}

func (w *walker) step(n *html.Node, acc scope) scope {
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			return acc.inline(Text(text))
		}
		return acc
	case html.ElementNode:
	default:
		return acc
	}

	switch n.DataAtom {
	case atom.P, atom.Div:
		return acc.flush().block(w.fold(n.FirstChild)...)
	case atom.A:
		if img := findImage(n); img != nil {
			return w.image(img, acc)
		}
		text := strings.TrimSpace(textContent(n))
		if text == "" {
			text = "Link"
		}
		href := attr(n, "href")
		if href == "" {
			href = "#"
		}
		return acc.inline(Hyperlink(href, Text(text)))
	case atom.Img:
		return w.image(n, acc)
	default:
		if text := strings.TrimSpace(textContent(n)); text != "" {
			return acc.inline(Text(text))
		}
		return acc
	}
}

// image allocates a placeholder for an img element. The placeholder becomes
// its own block after the pending inlines, keeping document order.
func (w *walker) image(n *html.Node, acc scope) scope {
	src := strings.TrimSpace(attr(n, "src"))
	if src == "" {
		return acc
	}
	id := len(w.placeholders)
	w.placeholders = append(w.placeholders, Placeholder{ID: id, SourceURI: src})
	return acc.flush().block(placeholderNode(id))
}

func findImage(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Img {
			return c
		}
		if found := findImage(c); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}
