package training

import (
	"testing"

	"minionforge_back/minions"
)

func TestConfigHashIgnoresDatasetOrder(t *testing.T) {
	cfg := minions.RAGConfig{ChunkSize: 512, SimilarityThreshold: 0.7}

	first := ConfigHash(cfg, []string{"dataset1.json", "dataset2.csv"})
	second := ConfigHash(cfg, []string{"dataset2.csv", "dataset1.json"})

	if first != second {
		t.Fatalf("hash changed with dataset order: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
}

func TestConfigHashSensitivity(t *testing.T) {
	cfg := minions.RAGConfig{ChunkSize: 512, SimilarityThreshold: 0.7}
	base := ConfigHash(cfg, []string{"dataset1.json"})

	if got := ConfigHash(cfg, []string{"dataset1.json", "extra.csv"}); got == base {
		t.Fatal("adding a dataset id should change the hash")
	}

	changed := cfg
	changed.ChunkSize = 1024
	if got := ConfigHash(changed, []string{"dataset1.json"}); got == base {
		t.Fatal("changing the rag config should change the hash")
	}
}

func TestConfigHashDoesNotMutateInput(t *testing.T) {
	ids := []string{"zeta", "alpha"}
	ConfigHash(minions.RAGConfig{}, ids)
	if ids[0] != "zeta" || ids[1] != "alpha" {
		t.Fatalf("input slice was mutated: %v", ids)
	}
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		hash string
		want string
	}{
		{"full hash", "abcdef0123456789abcdef0123456789", "abcdef01"},
		{"short hash", "abc", "abc"},
		{"empty", "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.hash); got != tt.want {
				t.Fatalf("Fingerprint(%q) = %q, want %q", tt.hash, got, tt.want)
			}
		})
	}
}
