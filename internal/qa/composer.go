package qa

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/insurancelens/policylens/internal/llm"
	"github.com/insurancelens/policylens/internal/retrieval"
	"github.com/insurancelens/policylens/internal/websearch"
)

const (
	// Web results pulled in for a general answer.
	generalSearchResults = 5
	// Citation snippets are cut to this length.
	citationSnippetLen = 200

	// Confidence assigned to general answers. Policy answers derive theirs
	// from citation relevance; general answers have no comparable signal.
	generalConfidence    = 0.5
	ungroundedConfidence = 0.3
)

// degradedAnswer is returned when the model could not produce an answer
// within the retry budget. Callers get a usable response either way.
const degradedAnswer = "Ich kann diese Frage im Moment nicht zuverlässig beantworten. Bitte versuchen Sie es später erneut."

// Config tunes the policy answer path.
type Config struct {
	// TopK chunks retrieved per question.
	TopK int
	// MinRelevance is the similarity floor; chunks below it never reach the
	// model or the citations.
	MinRelevance float32
}

// Citation points an answer back at the clause it came from.
type Citation struct {
	ChunkID        string  `json:"chunk_id"`
	Page           int     `json:"page"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Answer is the composed response to a question.
type Answer struct {
	Answer       string     `json:"answer"`
	QuestionType string     `json:"question_type"`
	Confidence   float64    `json:"confidence"`
	Citations    []Citation `json:"citations"`
	WebSources   []string   `json:"web_sources,omitempty"`
}

// Composer produces grounded answers. Policy answers cite the document's own
// clauses; general answers lean on web search context. Reads only.
type Composer struct {
	router   *Router
	embedder *retrieval.Embedder
	store    retrieval.VectorStore
	client   llm.Client
	search   websearch.Searcher
	cfg      Config
	logger   *slog.Logger
}

// NewComposer wires the composer's collaborators together.
func NewComposer(router *Router, embedder *retrieval.Embedder, store retrieval.VectorStore, client llm.Client, search websearch.Searcher, cfg Config, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		router:   router,
		embedder: embedder,
		store:    store,
		client:   client,
		search:   search,
		cfg:      cfg,
		logger:   logger,
	}
}

// Answer routes the question and composes the response. Completion failures
// degrade to a low-confidence apology instead of an error; only
// infrastructure failures (index, embeddings) surface as errors.
func (c *Composer) Answer(ctx context.Context, question, documentID string) (Answer, error) {
	state := stateClassify
	for {
		switch state {
		case stateClassify:
			if c.router.Route(ctx, question, documentID) == TypePolicySpecific {
				state = statePolicy
			} else {
				state = stateGeneral
			}

		case statePolicy:
			ans, grounded, err := c.answerPolicy(ctx, question, documentID)
			if err != nil {
				return Answer{}, err
			}
			if !grounded {
				// Nothing in the document clears the relevance floor; the
				// general path takes over.
				c.logger.Info("no relevant clauses, answering as general question",
					"document_id", documentID)
				state = stateGeneral
				continue
			}
			return ans, nil

		case stateGeneral:
			return c.answerGeneral(ctx, question), nil
		}
	}
}

// answerPolicy retrieves the question's nearest clauses and asks the model
// for an answer grounded in them. grounded=false signals the fallback to the
// general path.
func (c *Composer) answerPolicy(ctx context.Context, question, documentID string) (Answer, bool, error) {
	vector, err := c.embedder.Embed(ctx, question)
	if err != nil {
		return Answer{}, false, fmt.Errorf("embedding question: %w", err)
	}

	scored, err := c.store.Search(retrieval.CollectionChunks, vector, c.cfg.TopK, documentID)
	if err != nil {
		return Answer{}, false, fmt.Errorf("searching document chunks: %w", err)
	}

	relevant := scored[:0]
	for _, s := range scored {
		if s.Score >= c.cfg.MinRelevance {
			relevant = append(relevant, s)
		}
	}
	if len(relevant) == 0 {
		return Answer{}, false, nil
	}

	text, err := c.completeWithRetry(ctx, policyPrompt(question, relevant))
	if err != nil {
		c.logger.Warn("policy answer completion failed", "document_id", documentID, "error", err)
		return Answer{
			Answer:       degradedAnswer,
			QuestionType: TypePolicySpecific,
			Citations:    []Citation{},
		}, true, nil
	}

	citations := make([]Citation, len(relevant))
	var sum float64
	for i, s := range relevant {
		citations[i] = Citation{
			ChunkID:        s.ID,
			Page:           s.Page,
			Snippet:        snippet(s.Text),
			RelevanceScore: float64(s.Score),
		}
		sum += float64(s.Score)
	}

	confidence := sum / float64(len(relevant))
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Answer{
		Answer:       text,
		QuestionType: TypePolicySpecific,
		Confidence:   confidence,
		Citations:    citations,
	}, true, nil
}

// answerGeneral synthesizes an answer from web search context. A failed
// search degrades to an ungrounded answer rather than an error.
func (c *Composer) answerGeneral(ctx context.Context, question string) Answer {
	var sources []websearch.Result
	if c.search != nil {
		var err error
		sources, err = c.search.Search(ctx, question, generalSearchResults)
		if err != nil {
			c.logger.Warn("web search failed, answering without sources", "error", err)
			sources = nil
		}
	}

	text, err := c.completeWithRetry(ctx, generalPrompt(question, sources))
	if err != nil {
		c.logger.Warn("general answer completion failed", "error", err)
		return Answer{
			Answer:       degradedAnswer,
			QuestionType: TypeGeneralInsurance,
			Citations:    []Citation{},
		}
	}

	urls := make([]string, len(sources))
	for i, s := range sources {
		urls[i] = s.URL
	}

	confidence := generalConfidence
	if len(sources) == 0 {
		confidence = ungroundedConfidence
	}

	return Answer{
		Answer:       text,
		QuestionType: TypeGeneralInsurance,
		Confidence:   confidence,
		Citations:    []Citation{},
		WebSources:   urls,
	}
}

// completeWithRetry gives the model one extra chance before the caller
// degrades the answer.
func (c *Composer) completeWithRetry(ctx context.Context, messages []llm.Message) (string, error) {
	text, err := c.client.Complete(ctx, messages, nil)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return c.client.Complete(ctx, messages, nil)
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= citationSnippetLen {
		return s
	}
	end := citationSnippetLen
	// Back off to a rune boundary so the cut never splits a multi-byte
	// character.
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	cut := s[:end]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
