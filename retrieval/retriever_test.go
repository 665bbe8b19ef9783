package retrieval

import (
	"context"
	"strings"
	"testing"

	"minionforge_back/knowledge"
)

func seedStore(t *testing.T, docs []knowledge.Document) *knowledge.MemoryStore {
	t.Helper()
	store := knowledge.NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateCollection(ctx, "kb", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.Ingest(ctx, "kb", docs); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestRetrieveFavorsUploadedFiles(t *testing.T) {
	store := seedStore(t, []knowledge.Document{
		{ID: "d1", Text: "dataset item about workspace token rotation and access policies"},
		{ID: "d2", Text: "dataset item about project permissions and billing"},
		{ID: "u1", Text: "uploaded guide: rotate your workspace token in the security settings page", Source: knowledge.SourceUploadedFile},
	})
	r := New(store)

	docs, err := r.Retrieve(context.Background(), "kb", "how do I rotate my workspace token", Options{
		TopK:             2,
		PriorityKeywords: []string{"token"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) == 0 {
		t.Fatal("expected results")
	}
	if docs[0].ID != "u1" {
		t.Errorf("first result = %s, want uploaded file u1", docs[0].ID)
	}
}

func TestRetrieveNeverEmptyWithCandidates(t *testing.T) {
	store := seedStore(t, []knowledge.Document{
		{ID: "d1", Text: "entirely unrelated content about gardening and soil types"},
	})
	r := New(store)

	docs, err := r.Retrieve(context.Background(), "kb", "kubernetes ingress configuration", Options{TopK: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != "d1" {
		t.Errorf("fallback should return the best available match, got %+v", docs)
	}
}

func TestRetrieveRespectsTopK(t *testing.T) {
	docs := make([]knowledge.Document, 0, 10)
	for i := 0; i < 10; i++ {
		docs = append(docs, knowledge.Document{
			Text:   "shared answer about retriever ranking and thresholds variant " + strings.Repeat("x", i+1),
			Source: knowledge.SourceUploadedFile,
		})
	}
	store := seedStore(t, docs)
	r := New(store)

	got, err := r.Retrieve(context.Background(), "kb", "explain retriever ranking thresholds", Options{TopK: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) > 4 {
		t.Errorf("len(results) = %d, want at most 4", len(got))
	}
}

func TestKeywordScore(t *testing.T) {
	priority := map[string]struct{}{"token": {}}
	tests := []struct {
		name  string
		query string
		doc   string
		want  int
	}{
		{"priority exact", "rotate the token", "your token lives here", 10},
		{"plain exact", "rotate credentials now", "rotate the key", 3},
		{"short words ignored", "how do it go", "how do it go", 0},
		{"prefix partial", "clickapp automation", "configure clickup integrations", 1},
		{"no overlap", "alpha beta", "gamma delta", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keywordScore(splitWords(tt.query), strings.ToLower(tt.doc), priority)
			if got != tt.want {
				t.Errorf("keywordScore = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKeywordPseudoDistance(t *testing.T) {
	store := seedStore(t, []knowledge.Document{
		{ID: "u1", Text: "token token guide for the workspace token and token scopes", Source: knowledge.SourceUploadedFile},
	})
	r := New(store)

	docs := r.keywordSearch(context.Background(), "kb", splitWords("where is my token"), map[string]struct{}{"token": {}})
	if len(docs) != 1 {
		t.Fatalf("len(docs) = %d, want 1", len(docs))
	}
	// score 10 maps to distance 0.5; heavy matches floor at 0.1
	if docs[0].Distance < 0.1 || docs[0].Distance > 1.0 {
		t.Errorf("pseudo-distance = %v, want within [0.1, 1.0]", docs[0].Distance)
	}
}

func TestBuildPrompt(t *testing.T) {
	docs := []knowledge.Document{{Text: "fact one"}, {Text: "fact two"}}

	t.Run("without citation", func(t *testing.T) {
		got := BuildPrompt("what is fact one?", docs, false)
		want := "<KnowledgeBase>\nfact one\n\nfact two\n</KnowledgeBase>\n\nwhat is fact one?"
		if got != want {
			t.Errorf("prompt = %q, want %q", got, want)
		}
	})

	t.Run("with citation", func(t *testing.T) {
		got := BuildPrompt("q", docs, true)
		if !strings.HasSuffix(got, citeInstruction) {
			t.Errorf("prompt missing citation instruction: %q", got)
		}
	})

	t.Run("no documents", func(t *testing.T) {
		if got := BuildPrompt("bare query", nil, true); got != "bare query" {
			t.Errorf("prompt = %q, want unchanged query", got)
		}
	})
}
