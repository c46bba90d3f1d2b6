package richtext

// Splice returns a copy of doc where every placeholder node is replaced by an
// embedded asset using resolved[placeholderID]. Placeholders may sit at the
// top level or inside a paragraph; both are replaced in place. doc is not
// modified. Every placeholder in the list and in the tree must be resolved.
func Splice(doc Document, placeholders []Placeholder, resolved map[int]string) (Document, error) {
	for _, p := range placeholders {
		if _, ok := resolved[p.ID]; !ok {
			return Document{}, &MissingResolutionError{ID: p.ID}
		}
	}

	blocks, err := spliceNodes(doc.Blocks, resolved)
	if err != nil {
		return Document{}, err
	}
	if blocks == nil {
		blocks = []Node{}
	}
	return Document{Blocks: blocks}, nil
}

func spliceNodes(nodes []Node, resolved map[int]string) ([]Node, error) {
	if nodes == nil {
		return nil, nil
	}
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Type == NodePlaceholder {
			assetID, ok := resolved[n.PlaceholderID]
			if !ok {
				return nil, &MissingResolutionError{ID: n.PlaceholderID}
			}
			out = append(out, EmbeddedAsset(assetID))
			continue
		}
		content, err := spliceNodes(n.Content, resolved)
		if err != nil {
			return nil, err
		}
		n.Content = content
		out = append(out, n)
	}
	return out, nil
}
