package grading

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"

	"minionforge_back/llm"
)

// Score is the full grading breakdown for one query/response pair.
type Score struct {
	TaskAccuracy         float64 `json:"task_accuracy"`
	ComplexityMultiplier float64 `json:"task_complexity_multiplier"`
	SkillAdherence       float64 `json:"skill_adherence"`
	TimeEfficiency       float64 `json:"time_efficiency"`
	Overall              float64 `json:"overall_score"`
}

// Grader scores responses with an LLM judge when credentials are available
// and falls back to deterministic heuristics otherwise. The judge tier order
// is the minion's own model, then a shared OpenAI key, then heuristics.
type Grader struct {
	completer llm.Completer
	fallback  llm.ModelConfig
}

func NewGrader(completer llm.Completer) *Grader {
	return &Grader{completer: completer}
}

// NewGraderFromEnv also wires the shared OPENAI_API_KEY fallback judge.
func NewGraderFromEnv(completer llm.Completer) *Grader {
	g := &Grader{completer: completer}
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		g.fallback = llm.ModelConfig{
			Provider:    llm.ProviderOpenAI,
			ModelID:     "gpt-3.5-turbo",
			APIKey:      key,
			Temperature: 0.1,
			MaxTokens:   10,
		}
	}
	return g
}

var scorePattern = regexp.MustCompile(`\b(\d{1,3})\b`)

const responseQualityPrompt = `You are evaluating an AI assistant's task completion accuracy. Rate 0-100 based on:

Task: %q
Response: %q

Grading Criteria:
- Task Accuracy (0-100): Did the response correctly complete the requested task?
- Completeness (0-100): Was the task fully addressed without missing key components?
- Correctness (0-100): Is the information provided accurate and reliable?

Calculate the average of these three scores and respond with only the final number (0-100).`

const knowledgeUtilizationPrompt = `You are evaluating how well an AI assistant utilizes provided knowledge. Rate 0-100 based on:

Task: %q
Available Knowledge: %q
AI Response: %q

Grading Criteria:
- Knowledge Utilization (0-100): How much relevant knowledge was effectively used?
- Information Integration (0-100): How well was knowledge integrated into the response?
- Knowledge Accuracy (0-100): Was the knowledge applied correctly and accurately?

Calculate the average of these three scores and respond with only the final number (0-100).`

// ResponseQuality rates how well the response completed the query, 0-100.
func (g *Grader) ResponseQuality(ctx context.Context, cfg llm.ModelConfig, query, response string) float64 {
	if len(response) < 10 {
		return 0
	}
	prompt := fmt.Sprintf(responseQualityPrompt, query, response)
	if score, ok := g.judge(ctx, cfg, prompt); ok {
		return score
	}
	return HeuristicResponseScore(query, response)
}

// KnowledgeUtilization rates how much of the retrieved knowledge made it
// into the response, 0-100. No knowledge or no response scores zero.
func (g *Grader) KnowledgeUtilization(ctx context.Context, cfg llm.ModelConfig, query, response, kbContent string) float64 {
	if kbContent == "" || response == "" {
		return 0
	}
	truncated := kbContent
	if len(truncated) > 1000 {
		truncated = truncated[:1000]
	}
	prompt := fmt.Sprintf(knowledgeUtilizationPrompt, query, truncated, response)
	if score, ok := g.judge(ctx, cfg, prompt); ok {
		return score
	}
	return HeuristicKnowledgeScore(response, kbContent)
}

// Grade produces the full score breakdown for one exchange.
func (g *Grader) Grade(ctx context.Context, cfg llm.ModelConfig, query, response, kbContent string) Score {
	s := Score{
		TaskAccuracy:         g.ResponseQuality(ctx, cfg, query, response),
		ComplexityMultiplier: ComplexityMultiplier(query),
	}

	if kbContent != "" {
		s.SkillAdherence = 100
	} else {
		s.SkillAdherence = 50
	}

	switch {
	case len(response) > 100 && len(response) < 1000:
		s.TimeEfficiency = 100
	case len(response) < 50:
		s.TimeEfficiency = 50
	default:
		s.TimeEfficiency = 80
	}

	base := s.TaskAccuracy*0.4 + s.SkillAdherence*0.3 + s.TimeEfficiency*0.3
	s.Overall = clamp(base*s.ComplexityMultiplier, 0, 100)
	return s
}

// judge asks an LLM for a numeric score. It tries the minion's own model
// first, then the shared fallback judge; ok is false when neither produced a
// parseable score.
func (g *Grader) judge(ctx context.Context, cfg llm.ModelConfig, prompt string) (float64, bool) {
	if g == nil || g.completer == nil {
		return 0, false
	}

	for _, candidate := range []llm.ModelConfig{judgeConfig(cfg), g.fallback} {
		if strings.TrimSpace(candidate.APIKey) == "" {
			continue
		}
		result, err := g.completer.Chat(ctx, candidate, []llm.ChatMessage{{Role: "user", Content: prompt}})
		if err != nil {
			log.Printf("grading: judge call via %s failed: %v", candidate.Provider, err)
			continue
		}
		if score, ok := parseScore(result.Content); ok {
			return score, true
		}
		log.Printf("grading: unparseable judge reply %q", result.Content)
	}
	return 0, false
}

// judgeConfig reuses the minion's credentials with deterministic settings.
func judgeConfig(cfg llm.ModelConfig) llm.ModelConfig {
	cfg.Temperature = 0.1
	cfg.MaxTokens = 10
	cfg.SystemPrompt = ""
	return cfg
}

func parseScore(reply string) (float64, bool) {
	match := scorePattern.FindString(strings.TrimSpace(reply))
	if match == "" {
		return 0, false
	}
	score, err := strconv.Atoi(match)
	if err != nil {
		return 0, false
	}
	return clamp(float64(score), 0, 100), true
}

// HeuristicResponseScore is the judge-free scoring path: a base score plus
// length and query-overlap bonuses.
func HeuristicResponseScore(query, response string) float64 {
	if len(response) < 10 {
		return 0
	}

	score := 30.0
	if len(response) > 50 {
		score += 15
	}
	if len(response) > 100 {
		score += 10
	}

	overlap := wordOverlap(query, response)
	if overlap > 0 {
		bonus := float64(overlap) * 3
		if bonus > 15 {
			bonus = 15
		}
		score += bonus
	}

	if len(response) < 20 {
		score -= 20
	}
	return clamp(score, 0, 100)
}

// HeuristicKnowledgeScore measures what fraction of knowledge-base words
// appear in the response.
func HeuristicKnowledgeScore(response, kbContent string) float64 {
	kbWords := wordSet(kbContent)
	if len(kbWords) == 0 {
		return 0
	}
	responseWords := wordSet(response)

	overlap := 0
	for w := range kbWords {
		if _, ok := responseWords[w]; ok {
			overlap++
		}
	}
	coverage := float64(overlap) / float64(len(kbWords)) * 100
	if coverage > 100 {
		coverage = 100
	}
	return coverage
}

var complexityKeywords = []struct {
	multiplier float64
	words      []string
}{
	{3.0, []string{"design", "implement", "optimize", "integrate", "develop"}},
	{2.0, []string{"analyze", "compare", "evaluate", "create"}},
}

// ComplexityMultiplier buckets a query by its task verbs: complex tasks
// score x3, medium x2, everything else x1.
func ComplexityMultiplier(query string) float64 {
	lower := strings.ToLower(query)
	for _, bucket := range complexityKeywords {
		for _, word := range bucket.words {
			if strings.Contains(lower, word) {
				return bucket.multiplier
			}
		}
	}
	return 1.0
}

func wordOverlap(a, b string) int {
	setA := wordSet(a)
	setB := wordSet(b)
	overlap := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			overlap++
		}
	}
	return overlap
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
