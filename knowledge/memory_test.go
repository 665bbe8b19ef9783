package knowledge

import (
	"context"
	"testing"
)

func TestMemoryStoreCreateCollectionIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateCollection(ctx, "kb", "first"); err != nil {
		t.Fatal(err)
	}
	if err := store.Ingest(ctx, "kb", []Document{{Text: "kept"}}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateCollection(ctx, "kb", "second"); err != nil {
		t.Fatal(err)
	}

	docs, err := store.GetAll(ctx, "kb")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Text != "kept" {
		t.Errorf("re-creating a collection dropped documents: %+v", docs)
	}
}

func TestMemoryStoreUnknownCollection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Ingest(ctx, "missing", []Document{{Text: "x"}}); err == nil {
		t.Error("Ingest into missing collection should fail")
	}
	if _, err := store.Query(ctx, "missing", "x", 3); err == nil {
		t.Error("Query against missing collection should fail")
	}
}

func TestMemoryStoreQueryRanksByOverlap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateCollection(ctx, "kb", ""); err != nil {
		t.Fatal(err)
	}

	docs := []Document{
		{ID: "a", Text: "the retriever merges keyword and semantic results"},
		{ID: "b", Text: "embeddings are stored in a vector collection"},
		{ID: "c", Text: "completely unrelated cooking recipe for soup"},
	}
	if err := store.Ingest(ctx, "kb", docs); err != nil {
		t.Fatal(err)
	}

	results, err := store.Query(ctx, "kb", "how does the retriever merge keyword results", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("best match = %s, want a", results[0].ID)
	}
	if results[0].Distance >= results[1].Distance {
		t.Errorf("results not sorted by distance: %v >= %v", results[0].Distance, results[1].Distance)
	}
}

func TestMemoryStoreIngestAssignsIDs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateCollection(ctx, "kb", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.Ingest(ctx, "kb", []Document{{Text: "one"}, {Text: "two"}}); err != nil {
		t.Fatal(err)
	}

	docs, err := store.GetAll(ctx, "kb")
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]struct{})
	for _, doc := range docs {
		if doc.ID == "" {
			t.Error("document ingested without an ID")
		}
		if _, dup := seen[doc.ID]; dup {
			t.Errorf("duplicate document ID %s", doc.ID)
		}
		seen[doc.ID] = struct{}{}
	}
}
