// Package chunker splits extracted document text into token-bounded,
// overlapping segments. Chunk boundaries are a pure function of the input
// text and the chunker configuration, so re-chunking identical text always
// yields identical chunks.
package chunker

import (
	"strings"

	"github.com/insurancelens/policylens/internal/extract"
)

const (
	defaultMaxTokens = 500
	defaultOverlap   = 50
)

// Chunk is one bounded segment of a document, the unit of embedding and
// retrieval. Seq is strictly increasing within a document. Page is the first
// source page contributing to the chunk (1-based).
type Chunk struct {
	Seq        int
	Page       int
	Text       string
	TokenCount int
}

// Chunker produces chunks of at most MaxTokens tokens with Overlap tokens
// carried between consecutive chunks.
type Chunker struct {
	MaxTokens int
	Overlap   int
}

// New creates a Chunker. Non-positive maxTokens or a negative overlap fall
// back to the defaults (500/50); overlap is clamped below maxTokens.
func New(maxTokens, overlap int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if overlap < 0 {
		overlap = defaultOverlap
	}
	if overlap >= maxTokens {
		overlap = maxTokens / 2
	}
	return &Chunker{MaxTokens: maxTokens, Overlap: overlap}
}

// Tokenize splits text into whitespace-delimited tokens. The token rule is
// fixed: the same text always yields the same token sequence.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// Split chunks the extracted pages in page order. Pages are accumulated into
// a chunk until it would exceed MaxTokens; the trailing Overlap tokens of a
// flushed chunk seed the next one. A single page larger than MaxTokens is
// split on its own with stride MaxTokens-Overlap.
func (c *Chunker) Split(pages []extract.Page) []Chunk {
	var chunks []Chunk

	var current []string
	currentPage := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Seq:        len(chunks),
			Page:       currentPage,
			Text:       strings.Join(current, " "),
			TokenCount: len(current),
		})
	}

	for _, page := range pages {
		tokens := Tokenize(page.Text)
		if len(tokens) == 0 {
			continue
		}

		if len(tokens) > c.MaxTokens {
			// Oversized page: flush the accumulator to keep chunk order
			// aligned with page order, then split the page by itself.
			flush()
			current = nil

			stride := c.MaxTokens - c.Overlap
			for start := 0; start < len(tokens); start += stride {
				end := min(start+c.MaxTokens, len(tokens))
				part := tokens[start:end]
				chunks = append(chunks, Chunk{
					Seq:        len(chunks),
					Page:       page.Number,
					Text:       strings.Join(part, " "),
					TokenCount: len(part),
				})
				if end == len(tokens) {
					break
				}
			}
			continue
		}

		if len(current)+len(tokens) > c.MaxTokens {
			flush()
			// Seed the next chunk with the overlap tail of the previous one.
			tail := current
			if len(tail) > c.Overlap {
				tail = tail[len(tail)-c.Overlap:]
			}
			current = append(append([]string{}, tail...), tokens...)
			currentPage = page.Number
			// The tail plus a near-limit page can itself exceed the cap; emit
			// full chunks with the same stride until the remainder fits.
			for len(current) > c.MaxTokens {
				chunks = append(chunks, Chunk{
					Seq:        len(chunks),
					Page:       page.Number,
					Text:       strings.Join(current[:c.MaxTokens], " "),
					TokenCount: c.MaxTokens,
				})
				current = current[c.MaxTokens-c.Overlap:]
			}
			continue
		}

		if len(current) == 0 {
			currentPage = page.Number
		}
		current = append(current, tokens...)
	}

	flush()
	return chunks
}
