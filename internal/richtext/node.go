// Package richtext converts HTML fragments into structured rich-text
// documents and finalizes them once external assets are resolved.
package richtext

import (
	"encoding/json"
	"fmt"
)

// NodeType is the discriminant written as "nodeType" in the document JSON.
type NodeType string

const (
	NodeDocument      NodeType = "document"
	NodeParagraph     NodeType = "paragraph"
	NodeText          NodeType = "text"
	NodeHyperlink     NodeType = "hyperlink"
	NodeEmbeddedAsset NodeType = "embedded-asset-block"
	// NodePlaceholder only exists between Build and Splice.
	NodePlaceholder NodeType = "placeholder"
)

// Node is a block or inline node. Which payload field is meaningful depends
// on Type: Value for text, URI and Content for hyperlinks, AssetID for
// embedded assets, PlaceholderID for placeholders, Content for paragraphs.
type Node struct {
	Type          NodeType
	Value         string
	URI           string
	AssetID       string
	PlaceholderID int
	Content       []Node
}

// Document is the root of a structured document.
type Document struct {
	Blocks []Node
}

// Placeholder records an image source awaiting asset resolution. ID matches
// the PlaceholderID of exactly one placeholder node in the built document.
type Placeholder struct {
	ID        int    `json:"id"`
	SourceURI string `json:"sourceUri"`
}

func Text(value string) Node {
	return Node{Type: NodeText, Value: value}
}

func Paragraph(inlines ...Node) Node {
	return Node{Type: NodeParagraph, Content: inlines}
}

func Hyperlink(uri string, inlines ...Node) Node {
	return Node{Type: NodeHyperlink, URI: uri, Content: inlines}
}

func EmbeddedAsset(assetID string) Node {
	return Node{Type: NodeEmbeddedAsset, AssetID: assetID}
}

func placeholderNode(id int) Node {
	return Node{Type: NodePlaceholder, PlaceholderID: id}
}

// FromPlainText wraps a string in a single-paragraph document.
func FromPlainText(text string) Document {
	if text == "" {
		return Document{}
	}
	return Document{Blocks: []Node{Paragraph(Text(text))}}
}

// HasPlaceholders reports whether any placeholder node is left in the tree.
func (d Document) HasPlaceholders() bool {
	return containsPlaceholder(d.Blocks)
}

func containsPlaceholder(nodes []Node) bool {
	for _, n := range nodes {
		if n.Type == NodePlaceholder || containsPlaceholder(n.Content) {
			return true
		}
	}
	return false
}

type wireLink struct {
	Sys struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		LinkType string `json:"linkType"`
	} `json:"sys"`
}

type wireData struct {
	URI    string    `json:"uri,omitempty"`
	Target *wireLink `json:"target,omitempty"`
	ID     *int      `json:"id,omitempty"`
}

type wireNode struct {
	NodeType NodeType    `json:"nodeType"`
	Data     wireData    `json:"data"`
	Value    *string     `json:"value,omitempty"`
	Marks    *[]any      `json:"marks,omitempty"`
	Content  *[]wireNode `json:"content,omitempty"`
}

func (n Node) toWire() wireNode {
	w := wireNode{NodeType: n.Type}
	switch n.Type {
	case NodeText:
		value := n.Value
		marks := []any{}
		w.Value = &value
		w.Marks = &marks
		return w
	case NodeHyperlink:
		w.Data.URI = n.URI
	case NodeEmbeddedAsset:
		link := &wireLink{}
		link.Sys.ID = n.AssetID
		link.Sys.Type = "Link"
		link.Sys.LinkType = "Asset"
		w.Data.Target = link
	case NodePlaceholder:
		id := n.PlaceholderID
		w.Data.ID = &id
	}
	content := toWireSlice(n.Content)
	w.Content = &content
	return w
}

func toWireSlice(nodes []Node) []wireNode {
	out := make([]wireNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.toWire())
	}
	return out
}

func (w wireNode) toNode() (Node, error) {
	n := Node{Type: w.NodeType}
	switch w.NodeType {
	case NodeText:
		if w.Value != nil {
			n.Value = *w.Value
		}
		return n, nil
	case NodeHyperlink:
		n.URI = w.Data.URI
	case NodeEmbeddedAsset:
		if w.Data.Target == nil {
			return Node{}, fmt.Errorf("embedded asset without target")
		}
		n.AssetID = w.Data.Target.Sys.ID
	case NodePlaceholder:
		if w.Data.ID != nil {
			n.PlaceholderID = *w.Data.ID
		}
	case NodeDocument, NodeParagraph:
	default:
		return Node{}, fmt.Errorf("unknown node type %q", w.NodeType)
	}
	if w.Content == nil {
		return n, nil
	}
	for _, child := range *w.Content {
		c, err := child.toNode()
		if err != nil {
			return Node{}, err
		}
		n.Content = append(n.Content, c)
	}
	return n, nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.toWire())
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := w.toNode()
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(Node{Type: NodeDocument, Content: d.Blocks}.toWire())
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.NodeType != NodeDocument {
		return fmt.Errorf("decode document: root node type %q", w.NodeType)
	}
	root, err := w.toNode()
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	d.Blocks = root.Content
	return nil
}
