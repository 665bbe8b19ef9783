package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"minionforge_back/knowledge"
)

const (
	DefaultTopK                = 3
	DefaultSimilarityThreshold = 0.7

	// citeInstruction is appended to the prompt when source citation is on.
	citeInstruction = "Please cite sources when using information from the knowledge base."
)

// Options tune one retrieval pass. PriorityKeywords are domain-critical terms
// that weigh heavier in the keyword sub-search over uploaded files.
type Options struct {
	TopK                int
	SimilarityThreshold float64
	CiteSources         bool
	PriorityKeywords    []string
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return o
}

// Retriever merges semantic search with a keyword scan over uploaded-file
// documents. Uploaded content is deliberately favored over bulk dataset
// content, and retrieval never comes back empty while any candidate exists.
type Retriever struct {
	store knowledge.Store
}

func New(store knowledge.Store) *Retriever {
	return &Retriever{store: store}
}

// Retrieve returns up to TopK documents for the query, ordered by priority
// class: direct keyword hits, then semantic uploaded-file hits, then dataset
// hits, then best-available fallback.
func (r *Retriever) Retrieve(ctx context.Context, collection, query string, opts Options) ([]knowledge.Document, error) {
	opts = opts.withDefaults()

	// Overfetch so uploaded-file chunks survive the threshold split.
	overfetch := opts.TopK * 3
	if overfetch < 15 {
		overfetch = 15
	}
	semantic, err := r.store.Query(ctx, collection, query, overfetch)
	if err != nil {
		return nil, fmt.Errorf("retrieval: semantic query: %w", err)
	}

	queryWords := splitWords(query)
	priority := make(map[string]struct{}, len(opts.PriorityKeywords))
	for _, kw := range opts.PriorityKeywords {
		priority[strings.ToLower(kw)] = struct{}{}
	}

	direct := r.keywordSearch(ctx, collection, queryWords, priority)

	var uploadedSemantic, dataset []knowledge.Document
	for _, doc := range semantic {
		similarity := 1 - doc.Distance
		if doc.Source == knowledge.SourceUploadedFile {
			matched := keywordMatches(queryWords, strings.ToLower(doc.Text))
			if matched {
				similarity += 0.3
				if similarity > 1.0 {
					similarity = 1.0
				}
			}
			uploadedThreshold := opts.SimilarityThreshold - 0.2
			if uploadedThreshold > 0.5 {
				uploadedThreshold = 0.5
			}
			if similarity >= uploadedThreshold || matched {
				uploadedSemantic = append(uploadedSemantic, doc)
			}
		} else if similarity >= opts.SimilarityThreshold {
			dataset = append(dataset, doc)
		}
	}

	selected := make([]knowledge.Document, 0, opts.TopK)
	for _, doc := range direct {
		if len(selected) == opts.TopK {
			break
		}
		selected = append(selected, doc)
	}
	for _, doc := range uploadedSemantic {
		if len(selected) == opts.TopK {
			break
		}
		if !containsText(selected, doc.Text) {
			selected = append(selected, doc)
		}
	}
	for _, doc := range dataset {
		if len(selected) == opts.TopK {
			break
		}
		selected = append(selected, doc)
	}

	// Nothing met a threshold: prefer uploaded candidates, then the best
	// semantic match of any kind.
	if len(selected) == 0 {
		switch {
		case len(direct) > 0:
			selected = capDocs(direct, opts.TopK)
		case len(uploadedSemantic) > 0:
			selected = capDocs(uploadedSemantic, opts.TopK)
		case len(semantic) > 0:
			selected = semantic[:1]
		}
	}
	return selected, nil
}

// keywordSearch scores every uploaded-file document against the query words
// and ranks matches on the same distance scale as semantic search.
func (r *Retriever) keywordSearch(ctx context.Context, collection string, queryWords []string, priority map[string]struct{}) []knowledge.Document {
	all, err := r.store.GetAll(ctx, collection)
	if err != nil {
		log.Printf("retrieval: keyword scan of %s skipped: %v", collection, err)
		return nil
	}

	type scoredDoc struct {
		doc   knowledge.Document
		score int
	}
	var matched []scoredDoc
	for _, doc := range all {
		if doc.Source != knowledge.SourceUploadedFile {
			continue
		}
		score := keywordScore(queryWords, strings.ToLower(doc.Text), priority)
		if score == 0 {
			continue
		}
		doc.Distance = 1.0 - float64(score)/20.0
		if doc.Distance < 0.1 {
			doc.Distance = 0.1
		}
		matched = append(matched, scoredDoc{doc: doc, score: score})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score > matched[j].score
		}
		return matched[i].doc.Distance < matched[j].doc.Distance
	})

	docs := make([]knowledge.Document, len(matched))
	for i, m := range matched {
		docs[i] = m.doc
	}
	return docs
}

// keywordScore weighs exact and prefix matches. Priority keywords score 10
// per exact hit and 5 per partial; other query words score 3 and 1.
func keywordScore(queryWords []string, docLower string, priority map[string]struct{}) int {
	docWords := strings.Fields(docLower)
	score := 0
	for _, word := range queryWords {
		if len(word) <= 3 {
			continue
		}
		if strings.Contains(docLower, word) {
			if _, ok := priority[word]; ok {
				score += 10
			} else {
				score += 3
			}
			continue
		}
		if len(word) <= 5 {
			continue
		}
		for _, docWord := range docWords {
			if !prefixOverlap(word, docWord) {
				continue
			}
			if containsPriorityTerm(docWord, priority) {
				score += 5
			} else {
				score++
			}
			break
		}
	}
	return score
}

func keywordMatches(queryWords []string, docLower string) bool {
	docWords := strings.Fields(docLower)
	for _, word := range queryWords {
		if len(word) <= 3 {
			continue
		}
		if strings.Contains(docLower, word) {
			return true
		}
		if len(word) <= 5 {
			continue
		}
		for _, docWord := range docWords {
			if prefixOverlap(word, docWord) {
				return true
			}
		}
	}
	return false
}

// prefixOverlap reports whether the first five characters of either word
// appear inside the other, catching near-miss terms that share a stem.
func prefixOverlap(word, docWord string) bool {
	if len(word) >= 5 && strings.Contains(docWord, word[:5]) {
		return true
	}
	if len(docWord) >= 5 && strings.Contains(word, docWord[:5]) {
		return true
	}
	return false
}

func containsPriorityTerm(docWord string, priority map[string]struct{}) bool {
	for kw := range priority {
		if strings.Contains(docWord, kw) {
			return true
		}
	}
	return false
}

func splitWords(query string) []string {
	raw := strings.Fields(strings.ToLower(query))
	seen := make(map[string]struct{}, len(raw))
	words := make([]string, 0, len(raw))
	for _, w := range raw {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	return words
}

func containsText(docs []knowledge.Document, text string) bool {
	for _, doc := range docs {
		if doc.Text == text {
			return true
		}
	}
	return false
}

func capDocs(docs []knowledge.Document, limit int) []knowledge.Document {
	if len(docs) > limit {
		return docs[:limit]
	}
	return docs
}

// BuildPrompt wraps the retrieved documents in a knowledge-base block ahead
// of the user query. An empty document set returns the query unchanged.
func BuildPrompt(query string, docs []knowledge.Document, citeSources bool) string {
	if len(docs) == 0 {
		return query
	}
	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	prompt := fmt.Sprintf("<KnowledgeBase>\n%s\n</KnowledgeBase>\n\n%s", strings.Join(texts, "\n\n"), query)
	if citeSources {
		prompt += "\n\n" + citeInstruction
	}
	return prompt
}
