package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"clinical-kb-platform/internal/apperr"
)

func TestChunkerWindowsOverlapAndStayInBounds(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon ", 40)
	c := NewChunker(100, 20)
	chunks := c.Split([]Section{{Text: text}})
	require.Greater(t, len(chunks), 1)

	runes := []rune(text)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.LessOrEqual(t, ch.EndOffset-ch.StartOffset, 100)
		assert.Equal(t, strings.TrimSpace(string(runes[ch.StartOffset:ch.EndOffset])), ch.Text)
		if i > 0 {
			assert.Less(t, ch.StartOffset, chunks[i-1].EndOffset, "windows overlap")
			assert.Greater(t, ch.StartOffset, chunks[i-1].StartOffset, "windows advance")
		}
	}
	assert.Equal(t, len(runes), chunks[len(chunks)-1].EndOffset)
}

func TestChunkerBacksOffToWhitespace(t *testing.T) {
	text := strings.Repeat("word ", 30)
	chunks := NewChunker(52, 0).Split([]Section{{Text: text}})
	for _, ch := range chunks[:len(chunks)-1] {
		assert.False(t, strings.HasSuffix(ch.Text, "wor"), "cut inside a word: %q", ch.Text)
		assert.True(t, strings.HasSuffix(ch.Text, "word"))
	}
}

func TestChunkerKeepsPageAndSection(t *testing.T) {
	chunks := NewChunker(500, 50).Split([]Section{
		{Text: "first page text", Page: 1},
		{Text: "   "},
		{Text: "second page text", Page: 2, Heading: "Dosing"},
	})
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].Page)
	assert.Equal(t, 2, chunks[1].Page)
	assert.Equal(t, "Dosing", chunks[1].Section)
	assert.Equal(t, 1, chunks[1].Ordinal)
}

func TestChunkerClampsBadOverlap(t *testing.T) {
	c := NewChunker(10, 10)
	assert.Less(t, c.overlap, c.size)
	chunks := c.Split([]Section{{Text: strings.Repeat("x", 35)}})
	assert.Len(t, chunks, 4)
}

func TestExtractMarkdownSections(t *testing.T) {
	md := "Intro line.\n\n# Sepsis bundle\nGive antibiotics within one hour.\n\n## Fluids\n30 mL/kg crystalloid.\n"
	res, err := NewExtractor().Extract(context.Background(), "sepsis.md", []byte(md))
	require.NoError(t, err)
	assert.Equal(t, "Sepsis bundle", res.Title)
	require.Len(t, res.Sections, 3)
	assert.Equal(t, "", res.Sections[0].Heading)
	assert.Equal(t, "Sepsis bundle", res.Sections[1].Heading)
	assert.Equal(t, "Fluids", res.Sections[2].Heading)
	assert.Contains(t, res.Sections[2].Text, "crystalloid")
}

func TestExtractHTMLStripsScripts(t *testing.T) {
	html := `<html><head><title>Asthma guide</title><script>var x = "tracking";</script></head>
<body><nav>Home | About</nav><main><h2>Step therapy</h2><p>Start with a low dose inhaled corticosteroid.</p>
<p>Add a LABA if uncontrolled.</p></main><footer>Copyright</footer></body></html>`
	res, err := NewExtractor().Extract(context.Background(), "asthma.html", []byte(html))
	require.NoError(t, err)
	assert.Equal(t, "Asthma guide", res.Title)
	text := res.Text()
	assert.Contains(t, text, "inhaled corticosteroid")
	assert.NotContains(t, text, "tracking")
	assert.NotContains(t, text, "Home | About")
	assert.NotContains(t, text, "Copyright")
	assert.Equal(t, "Step therapy", res.Sections[0].Heading)
}

func TestExtractXLSXOneSectionPerSheet(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Drug"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Dose"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Amoxicillin"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", "500 mg"))
	_, err := f.NewSheet("Notes")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Notes", "A1", "Adjust for renal function"))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res, err := NewExtractor().Extract(context.Background(), "doses.xlsx", buf.Bytes())
	require.NoError(t, err)
	require.Len(t, res.Sections, 2)
	assert.Equal(t, "Sheet1", res.Sections[0].Heading)
	assert.Contains(t, res.Sections[0].Text, "Amoxicillin | 500 mg")
	assert.Equal(t, "Notes", res.Sections[1].Heading)
}

func TestExtractRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	e := NewExtractor()

	_, err := e.Extract(ctx, "notes.docx", []byte("hello"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = e.Extract(ctx, "empty.txt", []byte("   \n\t"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = e.Extract(ctx, "broken.json", []byte("{not json"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = e.Extract(ctx, "scan.pdf", []byte("%PDF-1.4 garbage"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	noise := strings.Repeat("\x01\x02\x03\x04", 50)
	_, err = e.Extract(ctx, "noise.txt", []byte(noise))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestEvaluateTextQuality(t *testing.T) {
	assert.Greater(t, evaluateTextQuality("Metformin is first line therapy for type 2 diabetes."), 0.8)
	assert.Less(t, evaluateTextQuality(strings.Repeat("�", 40)), minQuality)
	assert.Equal(t, 0.0, evaluateTextQuality(""))
}
