package services

import (
	"strings"
	"unicode"
)

// ChunkSpec is one planned chunk before it is bound to a document version.
// Offsets are rune offsets into the document text as returned by
// ExtractionResult.Text.
type ChunkSpec struct {
	Ordinal     int
	Text        string
	StartOffset int
	EndOffset   int
	Page        int
	Section     string
}

// Chunker cuts text into fixed-size rune windows with overlap, backing off
// to a whitespace boundary when one is close to the window end.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker clamps overlap below size so every window makes progress.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 500
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 10
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split chunks each section independently so chunks never straddle a page
// or heading. Ordinals are assigned across the whole document.
func (c *Chunker) Split(sections []Section) []ChunkSpec {
	var (
		out  []ChunkSpec
		base int
	)
	for i, s := range sections {
		if i > 0 {
			base += 2 // "\n\n" separator in ExtractionResult.Text
		}
		runes := []rune(s.Text)
		for _, w := range c.windows(runes) {
			text := strings.TrimSpace(string(runes[w[0]:w[1]]))
			if text == "" {
				continue
			}
			out = append(out, ChunkSpec{
				Ordinal:     len(out),
				Text:        text,
				StartOffset: base + w[0],
				EndOffset:   base + w[1],
				Page:        s.Page,
				Section:     s.Heading,
			})
		}
		base += len(runes)
	}
	return out
}

func (c *Chunker) windows(runes []rune) [][2]int {
	n := len(runes)
	var out [][2]int
	for start := 0; start < n; {
		end := start + c.size
		if end >= n {
			out = append(out, [2]int{start, n})
			break
		}
		// Back off to whitespace within the last fifth of the window.
		floor := end - c.size/5
		for cut := end; cut > floor; cut-- {
			if unicode.IsSpace(runes[cut-1]) {
				end = cut
				break
			}
		}
		out = append(out, [2]int{start, end})

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
