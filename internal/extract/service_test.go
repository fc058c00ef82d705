package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `Service Manual - AccurioPress C4080

Paper feed section overview.

Figure 3-2 shows the registration roller assembly. If error code
13.20.00 appears, inspect the transfer belt on the AccurioPress C4080
before replacing any parts.

https://support.example.com/c4080/feed

Cleaning procedure: wipe the registration roller with a lint-free cloth.`

func TestContextWithNeedle(t *testing.T) {
	svc := NewService(true)

	mc := svc.Context(Anchor{
		PageText: samplePage,
		Needle:   "https://support.example.com/c4080/feed",
	})

	assert.Contains(t, mc.Caption, "support.example.com")
	assert.Equal(t, "Figure 3-2", mc.FigureReference)
	assert.Equal(t, "Service Manual - AccurioPress C4080", mc.PageHeader)
	require.NotEmpty(t, mc.SurroundingParagraphs)
	assert.Contains(t, mc.SurroundingParagraphs, "https://support.example.com/c4080/feed")
}

func TestContextFindsCodesAndProducts(t *testing.T) {
	svc := NewService(true)

	mc := svc.Context(Anchor{
		PageText: samplePage,
		Needle:   "13.20.00",
	})

	assert.Contains(t, mc.RelatedErrorCodes, "13.20.00")
	assert.Contains(t, mc.RelatedProducts, "AccurioPress C4080")
}

func TestContextWithoutNeedleUsesOpening(t *testing.T) {
	svc := NewService(true)

	mc := svc.Context(Anchor{PageText: samplePage})

	assert.Contains(t, mc.Caption, "Service Manual")
	assert.Len(t, mc.SurroundingParagraphs, 3)
}

func TestContextPrefersTopBandHeader(t *testing.T) {
	svc := NewService(true)

	mc := svc.Context(Anchor{
		PageText: samplePage,
		TopBand:  "7\nChapter 4 Maintenance\n",
	})

	assert.Equal(t, "Chapter 4 Maintenance", mc.PageHeader)
}

func TestContextDisabled(t *testing.T) {
	svc := NewService(false)

	mc := svc.Context(Anchor{PageText: samplePage, Needle: "13.20.00"})

	assert.Equal(t, MediaContext{}, mc)
}

func TestContextEmptyPage(t *testing.T) {
	svc := NewService(true)

	assert.Equal(t, MediaContext{}, svc.Context(Anchor{PageText: "   \n  "}))
}

func TestCaptionWindowClampsAtEdges(t *testing.T) {
	text := "alpha beta gamma"
	got := captionWindow(text, "beta")
	assert.Equal(t, "alpha beta gamma", got)
}

func TestFigureReferenceVariants(t *testing.T) {
	cases := map[string]string{
		"see Figure 12 for details": "Figure 12",
		"refer to Fig. 4.2 above":   "Fig. 4.2",
		"siehe Abb. 7 unten":        "Abb. 7",
		"no label here":             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, firstFigureReference(in, in), in)
	}
}
