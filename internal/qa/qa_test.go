package qa

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/insurancelens/policylens/internal/llm"
	"github.com/insurancelens/policylens/internal/retrieval"
	"github.com/insurancelens/policylens/internal/storage"
	"github.com/insurancelens/policylens/internal/websearch"
)

type mockClient struct {
	classifyReply string
	classifyErr   error
	answerReply   string
	answerErr     error
	answerFails   int // fail this many Complete calls before succeeding

	classifyCalls int
	answerCalls   int

	embedVec []float32
	embedErr error
}

func (m *mockClient) Complete(ctx context.Context, messages []llm.Message, schema *llm.Schema) (string, error) {
	if schema != nil {
		m.classifyCalls++
		return m.classifyReply, m.classifyErr
	}
	m.answerCalls++
	if m.answerErr != nil {
		return "", m.answerErr
	}
	if m.answerFails > 0 {
		m.answerFails--
		return "", errors.New("completion unavailable")
	}
	return m.answerReply, nil
}

func (m *mockClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = m.embedVec
	}
	return vecs, nil
}

type mockSearcher struct {
	results []websearch.Result
	err     error
	calls   int
	query   string
}

func (m *mockSearcher) Search(ctx context.Context, query string, maxResults int) ([]websearch.Result, error) {
	m.calls++
	m.query = query
	return m.results, m.err
}

func openVectorStore(t *testing.T) retrieval.VectorStore {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return retrieval.NewSQLiteStore(s.DB())
}

func seedChunks(t *testing.T, vs retrieval.VectorStore, recs []retrieval.Record) {
	t.Helper()
	if err := vs.Insert(retrieval.CollectionChunks, recs); err != nil {
		t.Fatalf("seeding chunks: %v", err)
	}
}

func testComposer(vs retrieval.VectorStore, client *mockClient, search websearch.Searcher) *Composer {
	router := NewRouter(vs, client, nil)
	embedder := retrieval.NewEmbedder(client)
	return NewComposer(router, embedder, vs, client, search, Config{TopK: 5, MinRelevance: 0.4}, nil)
}

func TestRoute_NoDocumentIsGeneral(t *testing.T) {
	client := &mockClient{}
	r := NewRouter(openVectorStore(t), client, nil)

	if got := r.Route(context.Background(), "Was ist eine Wartezeit?", ""); got != TypeGeneralInsurance {
		t.Errorf("Route = %q, want general_insurance", got)
	}
	if client.classifyCalls != 0 {
		t.Errorf("classifier called %d times, want 0", client.classifyCalls)
	}
}

func TestRoute_Classification(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		err   error
		want  string
	}{
		{"policy", `{"question_type":"policy_specific"}`, nil, TypePolicySpecific},
		{"general", `{"question_type":"general_insurance"}`, nil, TypeGeneralInsurance},
		{"model failure defaults to policy", "", errors.New("boom"), TypePolicySpecific},
		{"garbage defaults to policy", `{"question_type":"banana"}`, nil, TypePolicySpecific},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client := &mockClient{classifyReply: c.reply, classifyErr: c.err}
			r := NewRouter(openVectorStore(t), client, nil)
			if got := r.Route(context.Background(), "Frage?", "doc-1"); got != c.want {
				t.Errorf("Route = %q, want %q", got, c.want)
			}
		})
	}
}

func TestAnswer_PolicyPathWithCitations(t *testing.T) {
	const docID = "doc-1"
	vs := openVectorStore(t)
	seedChunks(t, vs, []retrieval.Record{
		{ID: "c1", DocumentID: docID, Seq: 0, Page: 1, Text: "Wartezeit drei Monate.", Embedding: []float32{1, 0}},
		{ID: "c2", DocumentID: docID, Seq: 1, Page: 2, Text: "Selbstbeteiligung 500 Euro.", Embedding: []float32{0.8, 0.6}},
		// Below the 0.4 relevance floor for the question vector.
		{ID: "c3", DocumentID: docID, Seq: 2, Page: 3, Text: "Unrelated clause.", Embedding: []float32{0, 1}},
	})

	client := &mockClient{
		classifyReply: `{"question_type":"policy_specific"}`,
		answerReply:   "Die Wartezeit beträgt drei Monate [1].",
		embedVec:      []float32{1, 0},
	}
	cmp := testComposer(vs, client, &mockSearcher{})

	ans, err := cmp.Answer(context.Background(), "Wie lang ist die Wartezeit?", docID)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.QuestionType != TypePolicySpecific {
		t.Errorf("QuestionType = %q", ans.QuestionType)
	}
	if ans.Answer != "Die Wartezeit beträgt drei Monate [1]." {
		t.Errorf("Answer = %q", ans.Answer)
	}
	if len(ans.Citations) != 2 {
		t.Fatalf("got %d citations, want 2 (floor filters the third)", len(ans.Citations))
	}
	if ans.Citations[0].ChunkID != "c1" || ans.Citations[1].ChunkID != "c2" {
		t.Errorf("citations out of order: %+v", ans.Citations)
	}
	if ans.Citations[0].Page != 1 || ans.Citations[0].Snippet == "" {
		t.Errorf("citation missing page or snippet: %+v", ans.Citations[0])
	}
	// Mean of sim(c1)=1.0 and sim(c2)=0.8.
	if ans.Confidence < 0.89 || ans.Confidence > 0.91 {
		t.Errorf("Confidence = %v, want ~0.9", ans.Confidence)
	}
	if len(ans.WebSources) != 0 {
		t.Errorf("policy answer carries web sources: %v", ans.WebSources)
	}
}

func TestAnswer_PolicyFallsBackToGeneral(t *testing.T) {
	const docID = "doc-2"
	vs := openVectorStore(t)
	seedChunks(t, vs, []retrieval.Record{
		{ID: "c1", DocumentID: docID, Seq: 0, Page: 1, Text: "Irrelevant.", Embedding: []float32{0, 1}},
	})

	search := &mockSearcher{results: []websearch.Result{
		{Title: "GKV", URL: "https://example.org/gkv", Snippet: "Grundlagen."},
	}}
	client := &mockClient{
		classifyReply: `{"question_type":"policy_specific"}`,
		answerReply:   "Allgemein gilt...",
		embedVec:      []float32{1, 0},
	}
	cmp := testComposer(vs, client, search)

	ans, err := cmp.Answer(context.Background(), "Etwas ganz anderes?", docID)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.QuestionType != TypeGeneralInsurance {
		t.Errorf("QuestionType = %q, want general after fallback", ans.QuestionType)
	}
	if len(ans.Citations) != 0 {
		t.Errorf("general answer carries citations: %+v", ans.Citations)
	}
	if len(ans.WebSources) != 1 || ans.WebSources[0] != "https://example.org/gkv" {
		t.Errorf("WebSources = %v", ans.WebSources)
	}
	if search.calls != 1 {
		t.Errorf("search calls = %d, want 1", search.calls)
	}
}

func TestAnswer_GeneralPath(t *testing.T) {
	vs := openVectorStore(t)
	search := &mockSearcher{results: []websearch.Result{
		{Title: "A", URL: "https://a.example", Snippet: "s1"},
		{Title: "B", URL: "https://b.example", Snippet: "s2"},
	}}
	client := &mockClient{answerReply: "Antwort aus dem Netz."}
	cmp := testComposer(vs, client, search)

	ans, err := cmp.Answer(context.Background(), "Was ist eine Selbstbeteiligung?", "")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.QuestionType != TypeGeneralInsurance {
		t.Errorf("QuestionType = %q", ans.QuestionType)
	}
	if client.classifyCalls != 0 {
		t.Errorf("classifier called despite missing document")
	}
	if len(ans.WebSources) != 2 {
		t.Errorf("WebSources = %v", ans.WebSources)
	}
	if ans.Confidence != generalConfidence {
		t.Errorf("Confidence = %v, want %v", ans.Confidence, generalConfidence)
	}
}

func TestAnswer_GeneralPathSurvivesSearchFailure(t *testing.T) {
	vs := openVectorStore(t)
	search := &mockSearcher{err: errors.New("search down")}
	client := &mockClient{answerReply: "Antwort ohne Quellen."}
	cmp := testComposer(vs, client, search)

	ans, err := cmp.Answer(context.Background(), "Frage?", "")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Answer != "Antwort ohne Quellen." {
		t.Errorf("Answer = %q", ans.Answer)
	}
	if len(ans.WebSources) != 0 {
		t.Errorf("WebSources = %v, want none", ans.WebSources)
	}
	if ans.Confidence != ungroundedConfidence {
		t.Errorf("Confidence = %v, want %v", ans.Confidence, ungroundedConfidence)
	}
}

func TestAnswer_RetriesOnceThenDegrades(t *testing.T) {
	vs := openVectorStore(t)

	// First completion fails, the retry succeeds.
	client := &mockClient{answerReply: "Geklappt.", answerFails: 1}
	cmp := testComposer(vs, client, &mockSearcher{})
	ans, err := cmp.Answer(context.Background(), "Frage?", "")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Answer != "Geklappt." {
		t.Errorf("Answer = %q, want retry to succeed", ans.Answer)
	}
	if client.answerCalls != 2 {
		t.Errorf("answer calls = %d, want 2", client.answerCalls)
	}

	// Persistent failure degrades instead of erroring.
	client = &mockClient{answerErr: errors.New("down")}
	cmp = testComposer(vs, client, &mockSearcher{})
	ans, err = cmp.Answer(context.Background(), "Frage?", "")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Answer != degradedAnswer {
		t.Errorf("Answer = %q, want degraded text", ans.Answer)
	}
	if ans.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", ans.Confidence)
	}
}

func TestAnswer_PolicyDegradedKeepsPolicyType(t *testing.T) {
	const docID = "doc-3"
	vs := openVectorStore(t)
	seedChunks(t, vs, []retrieval.Record{
		{ID: "c1", DocumentID: docID, Seq: 0, Page: 1, Text: "Relevante Klausel.", Embedding: []float32{1, 0}},
	})

	client := &mockClient{
		classifyReply: `{"question_type":"policy_specific"}`,
		answerErr:     errors.New("down"),
		embedVec:      []float32{1, 0},
	}
	cmp := testComposer(vs, client, &mockSearcher{})

	ans, err := cmp.Answer(context.Background(), "Frage?", docID)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Answer != degradedAnswer {
		t.Errorf("Answer = %q, want degraded text", ans.Answer)
	}
	if ans.QuestionType != TypePolicySpecific {
		t.Errorf("QuestionType = %q, want policy_specific", ans.QuestionType)
	}
	if ans.Confidence != 0 || len(ans.Citations) != 0 {
		t.Errorf("degraded answer must carry no confidence or citations: %+v", ans)
	}
}

func TestSnippet_TrimsToRuneBoundary(t *testing.T) {
	// A spaceless clause where the byte limit lands inside an umlaut: the cut
	// must land on a rune boundary.
	text := "x" + strings.Repeat("ä", citationSnippetLen)
	got := snippet(text)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet is not valid UTF-8: %q", got[len(got)-10:])
	}
	if len(got) > citationSnippetLen+3 {
		t.Errorf("snippet length %d exceeds limit", len(got))
	}

	short := "kurze Klausel"
	if snippet(short) != short {
		t.Errorf("short text must pass through unchanged")
	}
}
