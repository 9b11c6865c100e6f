// Package highlight compares a document's clauses against the norm catalog
// and surfaces the ones a policyholder should look at: clauses with no
// counterpart in market-standard conditions, and clauses that contradict one.
package highlight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/insurancelens/policylens/internal/llm"
	"github.com/insurancelens/policylens/internal/norms"
	"github.com/insurancelens/policylens/internal/retrieval"
	"github.com/insurancelens/policylens/internal/storage"
)

const (
	kindAbsent      = storage.KindAbsent
	kindContradicts = storage.KindContradicts

	// Number of clauses checked against the model at a time.
	llmConcurrency = 3
)

// Config tunes the anomaly detection thresholds.
type Config struct {
	// MaxHighlights caps the number of highlights kept per document.
	MaxHighlights int
	// AbsentThreshold: a clause whose best norm similarity falls below it has
	// no counterpart in the catalog.
	AbsentThreshold float32
	// ContradictionThreshold: a clause at or above it is close enough to a
	// norm that a contradiction check is worth running.
	ContradictionThreshold float32
	// MinDeviation filters out weak findings before ranking.
	MinDeviation float32
	// DedupeThreshold: candidate pairs with chunk similarity above it are
	// considered the same finding; only the higher-ranked one survives.
	DedupeThreshold float32
}

// Comparator generates highlights for indexed documents.
type Comparator struct {
	store   retrieval.VectorStore
	client  llm.Client
	catalog *norms.Catalog
	cfg     Config
	logger  *slog.Logger
}

// NewComparator creates a Comparator over the given vector store and model
// client.
func NewComparator(store retrieval.VectorStore, client llm.Client, catalog *norms.Catalog, cfg Config, logger *slog.Logger) *Comparator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Comparator{store: store, client: client, catalog: catalog, cfg: cfg, logger: logger}
}

// candidate is an internal finding before explanation.
type candidate struct {
	chunk     retrieval.Record
	norm      norms.Norm
	kind      string
	deviation float32
	summary   string
}

type contradictionResult struct {
	Contradicts bool    `json:"contradicts"`
	Severity    float64 `json:"severity"`
	Summary     string  `json:"summary"`
}

type explanationResult struct {
	Title          string `json:"title"`
	Reason         string `json:"reason"`
	NormComparison string `json:"norm_comparison"`
	Category       string `json:"category"`
}

// Generate scans every chunk of the document against the norm collection and
// returns the ranked highlights. An empty slice means no anomalies were
// found, which is a valid result. A model failure on a single clause drops
// that clause only; the run keeps going.
func (c *Comparator) Generate(ctx context.Context, documentID string) ([]storage.Highlight, error) {
	chunks, err := c.store.ListByDocument(retrieval.CollectionChunks, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing document chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %s has no indexed chunks", documentID)
	}

	candidates, err := c.classify(ctx, chunks)
	if err != nil {
		return nil, err
	}

	selected := c.rank(candidates)
	if len(selected) == 0 {
		c.logger.Info("no anomalies found", "document_id", documentID, "chunks", len(chunks))
		return []storage.Highlight{}, nil
	}

	highlights := c.explain(ctx, documentID, selected)

	c.logger.Info("highlights generated",
		"document_id", documentID,
		"chunks", len(chunks),
		"candidates", len(candidates),
		"highlights", len(highlights))
	return highlights, nil
}

// classify finds for each chunk its nearest norm and decides whether the
// clause is absent from the catalog, contradicts its match, or is ordinary.
// Contradiction checks run the model with bounded concurrency.
func (c *Comparator) classify(ctx context.Context, chunks []retrieval.Record) ([]candidate, error) {
	results := make([]*candidate, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(llmConcurrency)

	for i, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			continue
		}

		matches, err := c.store.Search(retrieval.CollectionNorms, chunk.Embedding, 1, "")
		if err != nil {
			return nil, fmt.Errorf("matching chunk %d against norms: %w", chunk.Seq, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("norms collection is empty")
		}

		match := matches[0]
		norm, ok := c.catalog.Get(match.ID)
		if !ok {
			// Stale record from an older seed; skip rather than abort.
			c.logger.Warn("matched norm missing from catalog", "norm_id", match.ID)
			continue
		}

		switch {
		case match.Score < c.cfg.AbsentThreshold:
			results[i] = &candidate{
				chunk:     chunk,
				norm:      norm,
				kind:      kindAbsent,
				deviation: 1 - match.Score,
			}
		case match.Score >= c.cfg.ContradictionThreshold:
			i, chunk, norm := i, chunk, norm
			g.Go(func() error {
				cand, err := c.checkContradiction(gctx, chunk, norm)
				if err != nil {
					// The clause is excluded, not the whole run.
					c.logger.Warn("contradiction check failed, clause skipped",
						"document_id", chunk.DocumentID, "seq", chunk.Seq, "error", err)
					return nil
				}
				results[i] = cand
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(chunks))
	for _, r := range results {
		if r != nil && r.deviation >= c.cfg.MinDeviation {
			candidates = append(candidates, *r)
		}
	}
	return candidates, nil
}

func (c *Comparator) checkContradiction(ctx context.Context, chunk retrieval.Record, norm norms.Norm) (*candidate, error) {
	raw, err := c.client.Complete(ctx, contradictionPrompt(chunk.Text, norm), contradictionSchema())
	if err != nil {
		return nil, err
	}

	var res contradictionResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("parsing contradiction result: %w", err)
	}
	if !res.Contradicts {
		return nil, nil
	}

	severity := float32(res.Severity)
	if severity < 0 {
		severity = 0
	}
	if severity > 1 {
		severity = 1
	}
	return &candidate{
		chunk:     chunk,
		norm:      norm,
		kind:      kindContradicts,
		deviation: severity,
		summary:   res.Summary,
	}, nil
}

// rank orders candidates by deviation (document order breaks ties), drops
// near-duplicate clauses and caps the result at MaxHighlights.
func (c *Comparator) rank(candidates []candidate) []candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].deviation != candidates[j].deviation {
			return candidates[i].deviation > candidates[j].deviation
		}
		return candidates[i].chunk.Seq < candidates[j].chunk.Seq
	})

	selected := make([]candidate, 0, c.cfg.MaxHighlights)
	for _, cand := range candidates {
		dup := false
		for _, kept := range selected {
			if retrieval.CosineSimilarity(cand.chunk.Embedding, kept.chunk.Embedding) > c.cfg.DedupeThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		selected = append(selected, cand)
		if len(selected) == c.cfg.MaxHighlights {
			break
		}
	}
	return selected
}

// explain asks the model for the user-facing fields of each selected clause.
// A failed explanation drops only that clause.
func (c *Comparator) explain(ctx context.Context, documentID string, selected []candidate) []storage.Highlight {
	highlights := make([]*storage.Highlight, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(llmConcurrency)

	for i, cand := range selected {
		i, cand := i, cand
		g.Go(func() error {
			raw, err := c.client.Complete(gctx, explanationPrompt(cand.chunk.Text, cand.kind, cand.norm), explanationSchema())
			if err != nil {
				c.logger.Warn("highlight explanation failed, clause dropped",
					"document_id", documentID, "seq", cand.chunk.Seq, "error", err)
				return nil
			}
			var res explanationResult
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				c.logger.Warn("highlight explanation unparseable, clause dropped",
					"document_id", documentID, "seq", cand.chunk.Seq, "error", err)
				return nil
			}

			category := res.Category
			if category == "" {
				category = cand.norm.Category
			}
			highlights[i] = &storage.Highlight{
				ID:             uuid.NewString(),
				DocumentID:     documentID,
				Title:          res.Title,
				ClauseText:     cand.chunk.Text,
				Reason:         res.Reason,
				NormComparison: res.NormComparison,
				MatchedNormID:  cand.norm.ID,
				Category:       category,
				Kind:           cand.kind,
				DeviationScore: float64(cand.deviation),
				Page:           cand.chunk.Page,
			}
			return nil
		})
	}
	g.Wait()

	out := make([]storage.Highlight, 0, len(selected))
	for _, h := range highlights {
		if h != nil {
			out = append(out, *h)
		}
	}
	return out
}
