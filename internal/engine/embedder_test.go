package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"Hello World", 2},
		{"Go developer, prefers minimal dependencies.", 5},
		{"a b c", 0}, // single chars skipped
		{"SQLite WAL mode", 3},
		{"perché così", 2},
		{"", 0},
	}

	for _, tt := range tests {
		tokens := tokenize(tt.input)
		if len(tokens) != tt.want {
			t.Errorf("tokenize(%q) = %d tokens %v, want %d", tt.input, len(tokens), tokens, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	vec := []float64{3, 4}
	normalize(vec)

	norm := math.Sqrt(vec[0]*vec[0] + vec[1]*vec[1])
	if math.Abs(norm-1.0) > 1e-10 {
		t.Errorf("normalized magnitude = %f, want 1.0", norm)
	}
}

func TestNormalizeZero(t *testing.T) {
	vec := []float64{0, 0, 0}
	normalize(vec) // should not panic
	for i, v := range vec {
		if v != 0 {
			t.Errorf("vec[%d] = %f, want 0", i, v)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	if sim := CosineSimilarity([]float64{1, 0, 0}, []float64{1, 0, 0}); math.Abs(sim-1.0) > 1e-10 {
		t.Errorf("identical vectors similarity = %f, want 1.0", sim)
	}
	if sim := CosineSimilarity([]float64{1, 0}, []float64{0, 1}); math.Abs(sim) > 1e-10 {
		t.Errorf("orthogonal vectors similarity = %f, want 0", sim)
	}
	if sim := CosineSimilarity([]float64{1, 0}, []float64{-2, 0}); math.Abs(sim+1.0) > 1e-10 {
		t.Errorf("opposite vectors similarity = %f, want -1", sim)
	}
	if sim := CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}); sim != 0 {
		t.Errorf("mismatched lengths similarity = %f, want 0", sim)
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder(128)
	ctx := context.Background()

	a, _ := h.Embed(ctx, "User prefers dark mode.")
	b, _ := h.Embed(ctx, "user prefers DARK mode!")
	c, _ := h.Embed(ctx, "Quarterly revenue grew in Europe")

	if len(a) != 128 {
		t.Fatalf("dims = %d, want 128", len(a))
	}
	if sim := CosineSimilarity(a, b); math.Abs(sim-1.0) > 1e-9 {
		t.Errorf("same tokens similarity = %f, want 1.0", sim)
	}
	if sim := CosineSimilarity(a, c); sim > 0.5 {
		t.Errorf("unrelated text similarity = %f, want < 0.5", sim)
	}
	if h.Model() != "hash:128" {
		t.Errorf("model = %q", h.Model())
	}
}

func ollamaStub(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([][]float64, len(req.Input))
		for i, s := range req.Input {
			out[i] = []float64{float64(len(s)), 1, 0}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbedderBatch(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaStub(t, &calls)

	o := NewOllamaEmbedder(srv.URL+"/", "nomic-embed-text", 0)
	vecs, err := o.EmbedBatch(context.Background(), []string{"abc", "abcdef"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 3 || vecs[1][0] != 6 {
		t.Errorf("unexpected vectors %v", vecs)
	}
	if o.Dimensions() != 3 {
		t.Errorf("dims = %d, want 3", o.Dimensions())
	}
	if o.Model() != "ollama:nomic-embed-text" {
		t.Errorf("model = %q", o.Model())
	}
	if !ProbeOllama(srv.URL, "nomic-embed-text") {
		t.Error("probe failed against stub")
	}
}

func TestOllamaEmbedderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllamaEmbedder(srv.URL, "missing", 0)
	if _, err := o.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for 404")
	}
	if ProbeOllama(srv.URL, "missing") {
		t.Error("probe should fail on 404")
	}
}

// countingEmbedder counts provider calls.
type countingEmbedder struct {
	HashEmbedder
	calls atomic.Int32
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.HashEmbedder.Embed(ctx, text)
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: *NewHashEmbedder(32)}
	cached, err := NewCachedEmbedder(inner, 100)
	if err != nil {
		t.Fatalf("NewCachedEmbedder: %v", err)
	}
	defer cached.Close()
	ctx := context.Background()

	first, err := cached.Embed(ctx, "dark mode")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	cached.Wait()
	second, _ := cached.Embed(ctx, "dark mode")
	if inner.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", inner.calls.Load())
	}
	if CosineSimilarity(first, second) < 0.999 {
		t.Error("cached vector differs from original")
	}

	vecs, err := cached.EmbedBatch(ctx, []string{"dark mode", "light mode"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 || vecs[1] == nil {
		t.Fatalf("unexpected batch %v", vecs)
	}
	if inner.calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2", inner.calls.Load())
	}
	if cached.Model() != inner.Model() {
		t.Errorf("model = %q, want %q", cached.Model(), inner.Model())
	}
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: *NewHashEmbedder(8), err: errors.New("down")}
	cached, err := NewCachedEmbedder(inner, 10)
	if err != nil {
		t.Fatalf("NewCachedEmbedder: %v", err)
	}
	defer cached.Close()

	for i := 0; i < 2; i++ {
		if _, err := cached.Embed(context.Background(), "x y"); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2", inner.calls.Load())
	}
}
