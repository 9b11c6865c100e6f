package chunker

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/insurancelens/policylens/internal/extract"
)

func words(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestSplit_Deterministic(t *testing.T) {
	pages := []extract.Page{
		{Number: 1, Text: words(320, "a")},
		{Number: 2, Text: words(310, "b")},
		{Number: 3, Text: words(700, "c")},
	}
	c := New(500, 50)

	first := c.Split(pages)
	second := c.Split(pages)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("re-chunking identical input produced different chunks")
	}
	if len(first) == 0 {
		t.Fatal("no chunks produced")
	}
}

func TestSplit_SequenceStrictlyIncreasing(t *testing.T) {
	pages := []extract.Page{
		{Number: 1, Text: words(600, "x")},
		{Number: 2, Text: words(200, "y")},
		{Number: 3, Text: words(450, "z")},
	}
	chunks := New(500, 50).Split(pages)
	for i, ch := range chunks {
		if ch.Seq != i {
			t.Fatalf("chunk %d has Seq %d", i, ch.Seq)
		}
	}
}

func TestSplit_RespectsMaxTokens(t *testing.T) {
	pages := []extract.Page{{Number: 1, Text: words(1234, "w")}}
	chunks := New(500, 50).Split(pages)
	for _, ch := range chunks {
		if ch.TokenCount > 500 {
			t.Errorf("chunk %d has %d tokens, max 500", ch.Seq, ch.TokenCount)
		}
		if got := len(Tokenize(ch.Text)); got != ch.TokenCount {
			t.Errorf("chunk %d TokenCount=%d but text has %d tokens", ch.Seq, ch.TokenCount, got)
		}
	}
}

func TestSplit_OversizedPageOverlap(t *testing.T) {
	pages := []extract.Page{{Number: 1, Text: words(700, "w")}}
	chunks := New(500, 50).Split(pages)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	// Second chunk starts stride=450 tokens in, so the last 50 tokens of
	// chunk 0 open chunk 1.
	tok0 := Tokenize(chunks[0].Text)
	tok1 := Tokenize(chunks[1].Text)
	if !reflect.DeepEqual(tok0[450:], tok1[:50]) {
		t.Error("overlap window not carried between consecutive chunks")
	}
}

func TestSplit_MergesSmallPagesWithOverlapCarry(t *testing.T) {
	pages := []extract.Page{
		{Number: 1, Text: words(300, "a")},
		{Number: 2, Text: words(300, "b")},
	}
	chunks := New(500, 50).Split(pages)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Page != 1 || chunks[1].Page != 2 {
		t.Errorf("pages = %d,%d, want 1,2", chunks[0].Page, chunks[1].Page)
	}
	// Chunk 1 is seeded with the tail of chunk 0.
	tok0 := Tokenize(chunks[0].Text)
	tok1 := Tokenize(chunks[1].Text)
	if !reflect.DeepEqual(tok0[len(tok0)-50:], tok1[:50]) {
		t.Error("overlap tail not carried into the next chunk")
	}
}

func TestSplit_OverlapCarryRespectsMaxTokens(t *testing.T) {
	// A full page followed by a near-limit page: the overlap tail plus the
	// incoming page would overflow the cap if merged unchecked.
	pages := []extract.Page{
		{Number: 1, Text: words(500, "a")},
		{Number: 2, Text: words(480, "b")},
	}
	chunks := New(500, 50).Split(pages)

	for _, ch := range chunks {
		if ch.TokenCount > 500 {
			t.Errorf("chunk %d has %d tokens, max 500", ch.Seq, ch.TokenCount)
		}
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	// 530 merged tokens split into 500 + the stride remainder of 80, with
	// the overlap window intact across the split.
	tok1 := Tokenize(chunks[1].Text)
	tok2 := Tokenize(chunks[2].Text)
	if len(tok2) != 80 {
		t.Errorf("trailing chunk has %d tokens, want 80", len(tok2))
	}
	if !reflect.DeepEqual(tok1[len(tok1)-50:], tok2[:50]) {
		t.Error("overlap window not carried into the trailing chunk")
	}
	if chunks[1].Page != 2 || chunks[2].Page != 2 {
		t.Errorf("pages = %d,%d, want 2,2", chunks[1].Page, chunks[2].Page)
	}
}

func TestSplit_EmptyPagesSkipped(t *testing.T) {
	pages := []extract.Page{
		{Number: 1, Text: "   "},
		{Number: 2, Text: "ein kurzer Satz"},
	}
	chunks := New(500, 50).Split(pages)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Page != 2 {
		t.Errorf("Page = %d, want 2", chunks[0].Page)
	}
}

func TestNew_ClampsOverlap(t *testing.T) {
	c := New(100, 100)
	if c.Overlap >= c.MaxTokens {
		t.Errorf("overlap %d not clamped below max %d", c.Overlap, c.MaxTokens)
	}
}
