package richtext

import (
	"fmt"
	"html"
	"strings"
)

// AssetURLFunc maps an asset id to a URL for previews. It may return "" when
// no URL is known; the asset is then rendered by id only.
type AssetURLFunc func(assetID string) string

// RenderHTML renders a document as an HTML preview.
func RenderHTML(doc Document, assetURL AssetURLFunc) string {
	var sb strings.Builder
	for _, n := range doc.Blocks {
		sb.WriteString(renderNode(n, assetURL))
	}
	return sb.String()
}

func renderNode(n Node, assetURL AssetURLFunc) string {
	switch n.Type {
	case NodeParagraph:
		return fmt.Sprintf("<p>%s</p>\n", renderContent(n.Content, assetURL))
	case NodeText:
		return html.EscapeString(n.Value)
	case NodeHyperlink:
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(n.URI), renderContent(n.Content, assetURL))
	case NodeEmbeddedAsset:
		src := ""
		if assetURL != nil {
			src = assetURL(n.AssetID)
		}
		if src == "" {
			return fmt.Sprintf(`<figure data-asset-id="%s"></figure>`+"\n", html.EscapeString(n.AssetID))
		}
		return fmt.Sprintf(`<figure data-asset-id="%s"><img src="%s"></figure>`+"\n", html.EscapeString(n.AssetID), html.EscapeString(src))
	case NodePlaceholder:
		return fmt.Sprintf("<!-- placeholder %d -->", n.PlaceholderID)
	default:
		return renderContent(n.Content, assetURL)
	}
}

// renderContent separates inline siblings with a space; Build trims the
// whitespace that originally separated them.
func renderContent(nodes []Node, assetURL AssetURLFunc) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, renderNode(n, assetURL))
	}
	return strings.Join(parts, " ")
}

// PlainText joins the text segments of a document with single spaces, in
// document order. Used for search indexing.
func PlainText(doc Document) string {
	var parts []string
	var collect func([]Node)
	collect = func(nodes []Node) {
		for _, n := range nodes {
			if n.Type == NodeText && n.Value != "" {
				parts = append(parts, n.Value)
			}
			collect(n.Content)
		}
	}
	collect(doc.Blocks)
	return strings.Join(parts, " ")
}
