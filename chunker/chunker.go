// Package chunker splits cleaned document text into overlapping fragments
// sized for embedding. Splits prefer clause, paragraph and sentence
// boundaries in that order, and page numbers propagate from the extraction
// step when the source had them.
package chunker

import (
	"strings"

	"github.com/expedientelab/lexrag/extract"
)

// Config controls the chunking behaviour. Sizes are in bytes of UTF-8 text.
type Config struct {
	Size    int // target maximum chunk size
	Overlap int // trailing bytes of the previous chunk carried into the next
}

// Chunk is one embeddable fragment of a document.
type Chunk struct {
	Index     int
	Text      string
	PageStart int // 0 when the source has no page structure
	PageEnd   int
}

// Chunker converts extracted text into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with the deployment defaults.
func New(cfg Config) *Chunker {
	if cfg.Size <= 0 {
		cfg.Size = 1500
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		cfg.Overlap = 200
	}
	return &Chunker{cfg: cfg}
}

// Split chunks text, propagating page ranges when pages is non-empty.
// Pages map onto the text proportionally by cleaned length, which keeps
// the attribution correct even when cleaning shifted exact offsets.
func (c *Chunker) Split(text string, pages []extract.Page) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	spans := c.splitText(text)
	pageAt := pageLocator(text, pages)

	chunks := make([]Chunk, 0, len(spans))
	for i, sp := range spans {
		ch := Chunk{Index: i, Text: sp.text}
		if pageAt != nil {
			ch.PageStart = pageAt(sp.start)
			ch.PageEnd = pageAt(sp.end - 1)
		}
		chunks = append(chunks, ch)
	}
	return chunks
}

// fragment is a chunk body plus its byte range within the source text.
// The range covers the fresh content only, not the carried overlap, so
// page attribution stays tied to where the text actually came from.
type fragment struct {
	text  string
	start int
	end   int
}

// splitText produces overlapping fragments. Clause and paragraph
// boundaries are preferred split points; paragraphs that alone exceed the
// size limit are split at sentence boundaries.
func (c *Chunker) splitText(text string) []fragment {
	if len(text) <= c.cfg.Size {
		return []fragment{{text: text, start: 0, end: len(text)}}
	}

	var frags []fragment
	var current strings.Builder
	curStart := -1
	curEnd := 0
	overlapText := ""

	flush := func() {
		if current.Len() == 0 {
			return
		}
		frags = append(frags, fragment{
			text:  strings.TrimSpace(current.String()),
			start: curStart,
			end:   curEnd,
		})
		overlapText = tail(current.String(), c.cfg.Overlap)
		current.Reset()
		curStart = -1
	}

	add := func(piece string, start int) {
		if current.Len() > 0 && current.Len()+len(piece) > c.cfg.Size {
			flush()
		}
		if current.Len() == 0 {
			if overlapText != "" {
				current.WriteString(overlapText)
				current.WriteString("\n\n")
			}
			curStart = start
		} else {
			current.WriteString("\n\n")
		}
		current.WriteString(piece)
		curEnd = start + len(piece)
	}

	for _, blk := range splitBlocks(text) {
		if len(blk.text) <= c.cfg.Size {
			add(blk.text, blk.start)
			continue
		}
		// Oversized block: cut at sentence boundaries.
		flush()
		for _, sent := range splitSentenceRuns(blk.text, c.cfg.Size, c.cfg.Overlap) {
			frags = append(frags, fragment{
				text:  sent.text,
				start: blk.start + sent.start,
				end:   blk.start + sent.end,
			})
		}
		if n := len(frags); n > 0 {
			overlapText = tail(frags[n-1].text, c.cfg.Overlap)
		}
	}
	flush()

	return frags
}

// block is a paragraph or clause with its byte offset in the source.
type block struct {
	text  string
	start int
}

// splitBlocks cuts text at blank lines, then further at clause starts so
// that numbered clauses and resolutive section headers open a new block.
func splitBlocks(text string) []block {
	var out []block
	offset := 0
	for _, para := range strings.Split(text, "\n\n") {
		trimmed := strings.TrimSpace(para)
		if trimmed != "" {
			lead := strings.Index(para, trimmed[:1])
			for _, cl := range SplitByClauses(trimmed) {
				out = append(out, block{text: cl.text, start: offset + lead + cl.start})
			}
		}
		offset += len(para) + 2
	}
	return out
}

// sentenceRun groups consecutive sentences up to the size limit.
func splitSentenceRuns(text string, size, overlap int) []fragment {
	sentences := splitSentences(text)
	var out []fragment
	var current strings.Builder
	curStart := -1
	curEnd := 0
	carry := ""

	flush := func() {
		if current.Len() == 0 {
			return
		}
		out = append(out, fragment{
			text:  strings.TrimSpace(current.String()),
			start: curStart,
			end:   curEnd,
		})
		carry = tail(current.String(), overlap)
		current.Reset()
		curStart = -1
	}

	for _, s := range sentences {
		if current.Len() > 0 && current.Len()+len(s.text) > size {
			flush()
		}
		if current.Len() == 0 {
			if carry != "" {
				current.WriteString(carry)
				current.WriteString(" ")
			}
			curStart = s.start
		} else {
			current.WriteString(" ")
		}
		current.WriteString(s.text)
		curEnd = s.start + len(s.text)
	}
	flush()

	return out
}

// sentence is a sentence with its byte offset in the input.
type sentence struct {
	text  string
	start int
}

// splitSentences cuts at period, question mark or exclamation followed by
// whitespace or end of input. Decimal numbers like "8.4" do not split.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '.' && ch != '?' && ch != '!' {
			continue
		}
		if ch == '.' && i+1 < len(text) && text[i+1] >= '0' && text[i+1] <= '9' {
			continue
		}
		if i+1 < len(text) && text[i+1] != ' ' && text[i+1] != '\n' && text[i+1] != '\t' {
			continue
		}
		s := strings.TrimSpace(text[start : i+1])
		if s != "" {
			lead := strings.Index(text[start:i+1], s[:1])
			out = append(out, sentence{text: s, start: start + lead})
		}
		start = i + 1
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		lead := strings.Index(text[start:], rest[:1])
		out = append(out, sentence{text: rest, start: start + lead})
	}
	return out
}

// tail returns the trailing portion of text up to max bytes, cut at a word
// boundary so the carried overlap never starts mid-word.
func tail(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 || text == "" {
		return ""
	}
	if len(text) <= max {
		return text
	}
	cut := text[len(text)-max:]
	if idx := strings.IndexAny(cut, " \n\t"); idx >= 0 {
		cut = cut[idx+1:]
	}
	return strings.TrimSpace(cut)
}

// pageLocator maps a byte offset in text to a 1-based page number by
// distributing the text proportionally over the pages' cleaned lengths.
// Returns nil when no page structure is available.
func pageLocator(text string, pages []extract.Page) func(offset int) int {
	if len(pages) == 0 {
		return nil
	}

	lengths := make([]int, len(pages))
	total := 0
	for i, p := range pages {
		lengths[i] = len(strings.TrimSpace(p.Text))
		total += lengths[i]
	}
	if total == 0 {
		return nil
	}

	// Cumulative end offsets scaled onto the cleaned text.
	ends := make([]int, len(pages))
	cum := 0
	for i := range pages {
		cum += lengths[i]
		ends[i] = len(text) * cum / total
	}

	return func(offset int) int {
		for i, end := range ends {
			if offset < end {
				return pages[i].Number
			}
		}
		return pages[len(pages)-1].Number
	}
}
