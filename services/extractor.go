package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/logger"
)

// Section is a contiguous span of extracted text with its locator.
type Section struct {
	Text    string
	Page    int
	Heading string
}

// ExtractionResult contains the result of text extraction
type ExtractionResult struct {
	Title        string
	Sections     []Section
	Pages        int
	Method       string
	QualityScore float64
}

// Text joins every section, separated by blank lines.
func (r *ExtractionResult) Text() string {
	parts := make([]string, 0, len(r.Sections))
	for _, s := range r.Sections {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, "\n\n")
}

// minQuality rejects extractions that are mostly binary noise.
const minQuality = 0.3

var mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// Extractor turns uploaded bytes into sections. The format is chosen by
// file extension.
type Extractor struct{}

func NewExtractor() *Extractor { return &Extractor{} }

func (e *Extractor) Extract(ctx context.Context, filename string, content []byte) (*ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(filename))

	var (
		result *ExtractionResult
		err    error
	)
	switch ext {
	case ".pdf":
		result, err = e.extractPDF(content)
	case ".html", ".htm":
		result, err = e.extractHTML(content)
	case ".xlsx":
		result, err = e.extractXLSX(content)
	case ".md":
		result = e.extractMarkdown(sanitize(content))
	case ".json":
		result, err = e.extractJSON(content)
	case ".txt", ".csv":
		result = &ExtractionResult{Method: "plain", Sections: []Section{{Text: sanitize(content)}}}
	default:
		return nil, apperr.Validation(fmt.Sprintf("unsupported file type %q", ext))
	}
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("could not read %s file: %v", ext, err))
	}

	result.Sections = nonEmpty(result.Sections)
	if len(result.Sections) == 0 {
		return nil, apperr.Validation("document contains no extractable text")
	}
	result.QualityScore = evaluateTextQuality(result.Text())
	if result.QualityScore < minQuality {
		logger.Warn("rejecting low quality extraction", "method", result.Method, "quality", result.QualityScore)
		return nil, apperr.Validation("document text could not be extracted reliably")
	}
	return result, nil
}

func (e *Extractor) extractPDF(content []byte) (*ExtractionResult, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	pages := reader.NumPage()
	result := &ExtractionResult{Method: "go-pdf", Pages: pages}
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		fonts := make(map[string]*pdf.Font)
		text, err := page.GetPlainText(fonts)
		if err != nil {
			logger.Warn("failed to extract text from page", "page", i, "error", err)
			continue
		}
		result.Sections = append(result.Sections, Section{Text: strings.ToValidUTF8(text, ""), Page: i})
	}
	return result, nil
}

func (e *Extractor) extractHTML(content []byte) (*ExtractionResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, noscript, nav, footer, header, aside, iframe").Remove()

	result := &ExtractionResult{Method: "goquery", Title: strings.TrimSpace(doc.Find("title").First().Text())}

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	var current *Section
	flush := func() {
		if current != nil {
			result.Sections = append(result.Sections, *current)
			current = nil
		}
	}
	root.Find("h1, h2, h3, h4, p, li, td, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := collapseSpace(s.Text())
		if text == "" {
			return
		}
		if goquery.NodeName(s)[0] == 'h' {
			flush()
			current = &Section{Heading: text}
			return
		}
		if current == nil {
			current = &Section{}
		}
		if current.Text != "" {
			current.Text += "\n"
		}
		current.Text += text
	})
	flush()

	if len(nonEmpty(result.Sections)) == 0 {
		// Markup without block elements.
		result.Sections = []Section{{Text: collapseSpace(root.Text())}}
	}
	return result, nil
}

func (e *Extractor) extractXLSX(content []byte) (*ExtractionResult, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := &ExtractionResult{Method: "excelize"}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, c := range row {
				if c = strings.TrimSpace(c); c != "" {
					cells = append(cells, c)
				}
			}
			if len(cells) > 0 {
				b.WriteString(strings.Join(cells, " | "))
				b.WriteString("\n")
			}
		}
		result.Sections = append(result.Sections, Section{Heading: sheet, Text: b.String()})
	}
	return result, nil
}

func (e *Extractor) extractMarkdown(text string) *ExtractionResult {
	result := &ExtractionResult{Method: "markdown"}
	locs := mdHeading.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		result.Sections = []Section{{Text: text}}
		return result
	}
	if pre := text[:locs[0][0]]; strings.TrimSpace(pre) != "" {
		result.Sections = append(result.Sections, Section{Text: pre})
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		heading := strings.TrimSpace(text[loc[2]:loc[3]])
		if i == 0 {
			result.Title = heading
		}
		result.Sections = append(result.Sections, Section{Heading: heading, Text: text[loc[0]:end]})
	}
	return result
}

func (e *Extractor) extractJSON(content []byte) (*ExtractionResult, error) {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return nil, err
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &ExtractionResult{Method: "json", Sections: []Section{{Text: string(pretty)}}}, nil
}

func sanitize(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	return strings.ToValidUTF8(string(content), "")
}

func collapseSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

func nonEmpty(in []Section) []Section {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s.Text) != "" {
			out = append(out, s)
		}
	}
	return out
}

// evaluateTextQuality scores extracted text between 0 and 1 by the share of
// printable and alphanumeric runes, penalising replacement characters.
func evaluateTextQuality(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	if len(text) < 10 {
		return 0.5
	}

	var alnum, printable, corrupted, total int
	for _, r := range text {
		total++
		switch {
		case r == '�':
			corrupted++
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			alnum++
			printable++
		case r == ' ' || r == '\n' || r == '\t' || (r >= 32 && r <= 126):
			printable++
		case r > 127 && r != 0xFFFE && r != 0xFFFF:
			// Non-ASCII letters count as text; clinical sources are often
			// multilingual.
			alnum++
			printable++
		default:
			corrupted++
		}
	}

	score := float64(printable)/float64(total)*0.5 +
		minFloat(float64(alnum)/float64(total), 0.4) +
		0.1 -
		float64(corrupted)/float64(total)*2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
