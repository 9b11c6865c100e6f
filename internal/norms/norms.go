// Package norms holds the versioned reference set of industry-standard
// health-insurance clauses. The seed is embedded in the binary, loaded once
// at process start into an immutable catalog, and indexed into the vector
// store's norms collection. There is no runtime mutation path.
package norms

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/insurancelens/policylens/internal/retrieval"
)

//go:embed seed/*.json
var seedFS embed.FS

const seedFile = "seed/norms_health_de_v1.json"

// Norm is one reference statement of the curated corpus.
type Norm struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Source   string `json:"source"`
	URL      string `json:"url"`
}

type seedDocument struct {
	Version string `json:"version"`
	Norms   []Norm `json:"norms"`
}

// Catalog is the read-only, process-wide norm set.
type Catalog struct {
	version string
	norms   []Norm
	byID    map[string]Norm
}

// Load parses the embedded seed set. Duplicate IDs are a seed defect and
// fail loading.
func Load() (*Catalog, error) {
	data, err := seedFS.ReadFile(seedFile)
	if err != nil {
		return nil, fmt.Errorf("reading norms seed: %w", err)
	}

	var doc seedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing norms seed: %w", err)
	}
	if len(doc.Norms) == 0 {
		return nil, fmt.Errorf("norms seed %s contains no entries", doc.Version)
	}

	byID := make(map[string]Norm, len(doc.Norms))
	for _, n := range doc.Norms {
		if n.ID == "" || n.Text == "" {
			return nil, fmt.Errorf("norms seed: entry with empty id or text")
		}
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("norms seed: duplicate id %q", n.ID)
		}
		byID[n.ID] = n
	}

	return &Catalog{version: doc.Version, norms: doc.Norms, byID: byID}, nil
}

// Version returns the seed version identifier.
func (c *Catalog) Version() string {
	return c.version
}

// All returns the norms in seed order. Callers must not modify the slice.
func (c *Catalog) All() []Norm {
	return c.norms
}

// Get returns the norm with the given id.
func (c *Catalog) Get(id string) (Norm, bool) {
	n, ok := c.byID[id]
	return n, ok
}

// Len returns the number of norms in the catalog.
func (c *Catalog) Len() int {
	return len(c.norms)
}

// EmbeddingText is the text embedded for a norm: title and statement
// combined, so both the topic and the content contribute to similarity.
func (n Norm) EmbeddingText() string {
	return n.Title + ": " + n.Text
}

// Embedder generates embeddings for norm texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EnsureIndexed populates the norms collection from the catalog unless it is
// already fully seeded. Pass force=true to drop and rebuild (the `norms
// --reindex` command).
func (c *Catalog) EnsureIndexed(ctx context.Context, embedder Embedder, store retrieval.VectorStore, force bool) error {
	count, err := store.Count(retrieval.CollectionNorms)
	if err != nil {
		return fmt.Errorf("counting norms collection: %w", err)
	}
	if count == c.Len() && !force {
		slog.Debug("norms collection already seeded", "version", c.version, "count", count)
		return nil
	}

	texts := make([]string, c.Len())
	for i, n := range c.norms {
		texts[i] = n.EmbeddingText()
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding norms: %w", err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, c.Len())
	for i, n := range c.norms {
		records[i] = retrieval.Record{
			ID:        n.ID,
			Seq:       i,
			Text:      n.Text,
			Category:  n.Category,
			SourceRef: n.Source,
			Embedding: vectors[i],
			CreatedAt: now,
		}
	}

	// Norms carry no document id; ReplaceDocument with the empty id swaps
	// the whole collection in one transaction.
	if err := store.ReplaceDocument(retrieval.CollectionNorms, "", records); err != nil {
		return fmt.Errorf("indexing norms: %w", err)
	}

	slog.Info("norms collection indexed", "version", c.version, "count", c.Len())
	return nil
}
