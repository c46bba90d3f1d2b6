package richtext

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpliceStandaloneImage(t *testing.T) {
	doc, placeholders := Build(`<img src="pic.jpg">`)
	require.Equal(t, []Placeholder{{ID: 0, SourceURI: "pic.jpg"}}, placeholders)

	final, err := Splice(doc, placeholders, map[int]string{0: "A1"})
	require.NoError(t, err)
	assert.Equal(t, []Node{EmbeddedAsset("A1")}, final.Blocks)
	assert.False(t, final.HasPlaceholders())
}

func TestSpliceInsideParagraph(t *testing.T) {
	doc := Document{Blocks: []Node{
		Paragraph(Text("intro")),
		Paragraph(placeholderNode(0)),
		placeholderNode(1),
	}}
	placeholders := []Placeholder{{ID: 0, SourceURI: "a.png"}, {ID: 1, SourceURI: "b.png"}}

	final, err := Splice(doc, placeholders, map[int]string{0: "asset-a", 1: "asset-b"})
	require.NoError(t, err)
	assert.Equal(t, []Node{
		Paragraph(Text("intro")),
		Paragraph(EmbeddedAsset("asset-a")),
		EmbeddedAsset("asset-b"),
	}, final.Blocks)
}

func TestSpliceDoesNotMutateInput(t *testing.T) {
	doc := Document{Blocks: []Node{
		Paragraph(Text("a"), placeholderNode(0)),
		placeholderNode(1),
	}}
	before := Document{Blocks: []Node{
		Paragraph(Text("a"), placeholderNode(0)),
		placeholderNode(1),
	}}

	_, err := Splice(doc, []Placeholder{{ID: 0}, {ID: 1}}, map[int]string{0: "x", 1: "y"})
	require.NoError(t, err)
	assert.Equal(t, before, doc)
	assert.True(t, doc.HasPlaceholders())
}

func TestSpliceMissingResolution(t *testing.T) {
	doc, placeholders := Build(`<img src="a.png"><img src="b.png">`)

	_, err := Splice(doc, placeholders, map[int]string{0: "only-first"})
	require.Error(t, err)

	var missing *MissingResolutionError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, 1, missing.ID)
}

func TestSpliceMissingResolutionForUnlistedNode(t *testing.T) {
	doc := Document{Blocks: []Node{placeholderNode(7)}}

	_, err := Splice(doc, nil, map[int]string{})

	var missing *MissingResolutionError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 7, missing.ID)
}

func TestSpliceWithoutPlaceholders(t *testing.T) {
	doc, placeholders := Build(`<p>Hello <a href="x">world</a></p>`)

	final, err := Splice(doc, placeholders, nil)
	require.NoError(t, err)
	assert.Equal(t, doc, final)
}
