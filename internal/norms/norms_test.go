package norms

import (
	"context"
	"testing"

	"github.com/insurancelens/policylens/internal/retrieval"
	"github.com/insurancelens/policylens/internal/storage"
)

type stubEmbedder struct {
	calls int
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{float32(i), 1}
	}
	return vecs, nil
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

func TestLoad_SeedIsValid(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() == 0 {
		t.Fatal("empty catalog")
	}
	if c.Version() != "norms_health_de_v1" {
		t.Errorf("Version = %q", c.Version())
	}
	if _, ok := c.Get("N3"); !ok {
		t.Error("norm N3 missing from seed")
	}
	for _, n := range c.All() {
		if n.Category == "" || n.Source == "" {
			t.Errorf("norm %s missing category or source", n.ID)
		}
	}
}

func TestEnsureIndexed_SeedsOnce(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	vs := openVectorStore(t)
	emb := &stubEmbedder{}

	if err := c.EnsureIndexed(context.Background(), emb, vs, false); err != nil {
		t.Fatalf("EnsureIndexed: %v", err)
	}
	count, err := vs.Count(retrieval.CollectionNorms)
	if err != nil {
		t.Fatal(err)
	}
	if count != c.Len() {
		t.Errorf("indexed %d norms, want %d", count, c.Len())
	}

	// Second call is a no-op.
	if err := c.EnsureIndexed(context.Background(), emb, vs, false); err != nil {
		t.Fatalf("EnsureIndexed (second): %v", err)
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}

	// Force rebuilds without duplicating.
	if err := c.EnsureIndexed(context.Background(), emb, vs, true); err != nil {
		t.Fatalf("EnsureIndexed (force): %v", err)
	}
	count, _ = vs.Count(retrieval.CollectionNorms)
	if count != c.Len() {
		t.Errorf("after force reindex: %d records, want %d", count, c.Len())
	}
}
