package grading

import (
	"context"
	"errors"
	"strings"
	"testing"

	"minionforge_back/llm"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
	seen  []llm.ModelConfig
}

func (f *fakeCompleter) Chat(_ context.Context, cfg llm.ModelConfig, _ []llm.ChatMessage) (llm.ChatResult, error) {
	f.calls++
	f.seen = append(f.seen, cfg)
	if f.err != nil {
		return llm.ChatResult{}, f.err
	}
	return llm.ChatResult{Content: f.reply}, nil
}

func TestComplexityMultiplier(t *testing.T) {
	tests := []struct {
		query string
		want  float64
	}{
		{"What can you help me with?", 1.0},
		{"Explain a concept from your knowledge", 1.0},
		{"Analyze the differences between these options", 2.0},
		{"Design and implement a caching layer", 3.0},
		{"compare then DESIGN something", 3.0},
		{"random question", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := ComplexityMultiplier(tt.query); got != tt.want {
				t.Errorf("ComplexityMultiplier(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestHeuristicResponseScore(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		response string
		want     float64
	}{
		{"too short", "anything", "tiny", 0},
		{"short penalized", "query words", "query reply", 30 + 3 - 20},
		{"medium with overlap", "explain the retriever ranking", "the retriever ranking works by merging keyword and semantic scores", 30 + 15 + 9},
		{"long capped overlap", "a b c d e f g h", strings.Repeat("a b c d e f g h ", 10), 30 + 15 + 10 + 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HeuristicResponseScore(tt.query, tt.response)
			if got != tt.want {
				t.Errorf("HeuristicResponseScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeuristicKnowledgeScore(t *testing.T) {
	kb := "alpha beta gamma delta"
	if got := HeuristicKnowledgeScore("alpha beta spoken here", kb); got != 50 {
		t.Errorf("coverage = %v, want 50", got)
	}
	if got := HeuristicKnowledgeScore("response", ""); got != 0 {
		t.Errorf("empty knowledge should score 0, got %v", got)
	}
}

func TestResponseQualityUsesMinionJudge(t *testing.T) {
	fake := &fakeCompleter{reply: "87"}
	g := NewGrader(fake)
	cfg := llm.ModelConfig{Provider: "openai", ModelID: "m", APIKey: "key", Temperature: 0.9, MaxTokens: 4000}

	got := g.ResponseQuality(context.Background(), cfg, "q", "a sufficiently long response")
	if got != 87 {
		t.Errorf("score = %v, want 87", got)
	}
	if fake.calls != 1 {
		t.Fatalf("judge calls = %d, want 1", fake.calls)
	}
	if fake.seen[0].Temperature != 0.1 || fake.seen[0].MaxTokens != 10 {
		t.Errorf("judge config not pinned to deterministic settings: %+v", fake.seen[0])
	}
}

func TestResponseQualityFallsBackToHeuristic(t *testing.T) {
	fake := &fakeCompleter{err: errors.New("provider down")}
	g := NewGrader(fake)
	cfg := llm.ModelConfig{Provider: "openai", ModelID: "m", APIKey: "key"}

	query := "explain the pipeline"
	response := "the pipeline refines data and builds a knowledge base for retrieval"
	want := HeuristicResponseScore(query, response)
	if got := g.ResponseQuality(context.Background(), cfg, query, response); got != want {
		t.Errorf("score = %v, want heuristic %v", got, want)
	}
}

func TestResponseQualityUnparseableReply(t *testing.T) {
	fake := &fakeCompleter{reply: "excellent work!"}
	g := NewGrader(fake)
	cfg := llm.ModelConfig{APIKey: "key", ModelID: "m"}

	query := "q"
	response := "a sufficiently long response here"
	if got := g.ResponseQuality(context.Background(), cfg, query, response); got != HeuristicResponseScore(query, response) {
		t.Errorf("unparseable judge reply should fall back to heuristic, got %v", got)
	}
}

func TestKnowledgeUtilizationZeroCases(t *testing.T) {
	g := NewGrader(&fakeCompleter{reply: "90"})
	cfg := llm.ModelConfig{APIKey: "key", ModelID: "m"}
	ctx := context.Background()

	if got := g.KnowledgeUtilization(ctx, cfg, "q", "resp", ""); got != 0 {
		t.Errorf("no knowledge should score 0, got %v", got)
	}
	if got := g.KnowledgeUtilization(ctx, cfg, "q", "", "kb"); got != 0 {
		t.Errorf("no response should score 0, got %v", got)
	}
}

func TestGradeBreakdown(t *testing.T) {
	fake := &fakeCompleter{reply: "80"}
	g := NewGrader(fake)
	cfg := llm.ModelConfig{APIKey: "key", ModelID: "m"}
	response := strings.Repeat("informative answer using knowledge ", 5)

	score := g.Grade(context.Background(), cfg, "Explain the system", response, "knowledge context")
	if score.TaskAccuracy != 80 {
		t.Errorf("accuracy = %v, want 80", score.TaskAccuracy)
	}
	if score.SkillAdherence != 100 {
		t.Errorf("skill adherence = %v, want 100 when knowledge context present", score.SkillAdherence)
	}
	if score.TimeEfficiency != 100 {
		t.Errorf("time efficiency = %v, want 100 for mid-length response", score.TimeEfficiency)
	}
	if score.ComplexityMultiplier != 1.0 {
		t.Errorf("multiplier = %v, want 1.0", score.ComplexityMultiplier)
	}
	want := 80*0.4 + 100*0.3 + 100*0.3
	if score.Overall != want {
		t.Errorf("overall = %v, want %v", score.Overall, want)
	}
}

func TestGradeClampsOverall(t *testing.T) {
	fake := &fakeCompleter{reply: "100"}
	g := NewGrader(fake)
	cfg := llm.ModelConfig{APIKey: "key", ModelID: "m"}
	response := strings.Repeat("long detailed implementation notes ", 5)

	score := g.Grade(context.Background(), cfg, "Design and implement a solution", response, "kb")
	if score.ComplexityMultiplier != 3.0 {
		t.Fatalf("multiplier = %v, want 3.0", score.ComplexityMultiplier)
	}
	if score.Overall != 100 {
		t.Errorf("overall = %v, want clamped 100", score.Overall)
	}
}
