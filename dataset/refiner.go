package dataset

import (
	"strings"
	"unicode"
)

// SourceUploadedFile marks items produced by file ingestion rather than a
// stored dataset. Such items are already chunked and validated, so the
// refiner passes them through untouched.
const SourceUploadedFile = "uploaded_file"

// Item is one raw training record. The six named fields are the text slots
// the refiner inspects; Extra carries any additional keys so normalization
// can still reach them.
type Item struct {
	Instruction string            `json:"instruction,omitempty"`
	Output      string            `json:"output,omitempty"`
	Input       string            `json:"input,omitempty"`
	Context     string            `json:"context,omitempty"`
	Text        string            `json:"text,omitempty"`
	Code        string            `json:"code,omitempty"`
	Source      string            `json:"source,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	ChunkIndex  int               `json:"chunk_index,omitempty"`
	TotalChunks int               `json:"total_chunks,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// MainContent returns the item's primary text in priority order, falling back
// to a concatenation of every populated field.
func (it Item) MainContent() string {
	for _, candidate := range []string{it.Output, it.Context, it.Instruction, it.Text, it.Code, it.Input} {
		if candidate != "" {
			return candidate
		}
	}
	parts := make([]string, 0, len(it.Extra))
	for _, v := range it.Extra {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// IsEmpty reports whether none of the known text slots carry content.
func (it Item) IsEmpty() bool {
	for _, candidate := range []string{it.Instruction, it.Output, it.Input, it.Context, it.Text, it.Code} {
		if strings.TrimSpace(candidate) != "" {
			return false
		}
	}
	return true
}

// Stats records what each refinement stage removed.
type Stats struct {
	OriginalCount      int `json:"original_count"`
	FinalCount         int `json:"refined_count"`
	RemovedEmpty       int `json:"removed_empty"`
	RemovedDuplicates  int `json:"removed_duplicates"`
	RemovedLengthLimit int `json:"removed_length_filter"`
	RemovedMalformed   int `json:"removed_malformed"`
}

// QualityScore weighs the removal counts against the original size. Large
// clean datasets legitimately report very high quality; the floor is 0 but
// there is no upper cap.
func (s Stats) QualityScore() float64 {
	if s.OriginalCount == 0 {
		return 0
	}
	n := float64(s.OriginalCount)
	quality := 100.0
	quality -= float64(s.RemovedDuplicates) / n * 20
	quality -= float64(s.RemovedEmpty) / n * 30
	quality -= float64(s.RemovedMalformed) / n * 25
	if quality < 0 {
		return 0
	}
	return quality
}

// RetentionRate returns the surviving fraction of the original dataset.
func (s Stats) RetentionRate() float64 {
	if s.OriginalCount == 0 {
		return 0
	}
	return float64(s.FinalCount) / float64(s.OriginalCount)
}

// RefineOptions bound the length filter.
type RefineOptions struct {
	MinTextLength int
	MaxTextLength int
}

func (o RefineOptions) withDefaults() RefineOptions {
	if o.MinTextLength <= 0 {
		o.MinTextLength = 10
	}
	if o.MaxTextLength <= 0 {
		o.MaxTextLength = 10000
	}
	return o
}

// Refiner cleans raw dataset items before knowledge-base construction.
type Refiner struct{}

// NewRefiner returns a stateless dataset refiner.
func NewRefiner() *Refiner {
	return &Refiner{}
}

// Refine runs the full cleaning pipeline in strict stage order: empty
// removal, deduplication, length filtering, malformed filtering, text
// normalization, structural validation. Items tagged as uploaded-file chunks
// bypass the pipeline and are merged back in ahead of the refined dataset
// items.
func (r *Refiner) Refine(raw []Item, opts RefineOptions) ([]Item, Stats) {
	opts = opts.withDefaults()

	uploaded := make([]Item, 0)
	items := make([]Item, 0, len(raw))
	for _, it := range raw {
		if it.Source == SourceUploadedFile {
			uploaded = append(uploaded, it)
		} else {
			items = append(items, it)
		}
	}

	stats := Stats{OriginalCount: len(items)}

	items = removeEmpty(items, &stats)
	items = removeDuplicates(items, &stats)
	items = filterByLength(items, opts, &stats)
	items = removeMalformed(items, &stats)
	items = normalizeItems(items)
	items = validateStructure(items)

	stats.FinalCount = len(items)

	if len(uploaded) == 0 {
		return items, stats
	}
	if len(raw) == len(uploaded) {
		// Only file chunks: report them as a clean pass-through.
		stats = Stats{OriginalCount: len(uploaded), FinalCount: len(uploaded)}
	}
	merged := make([]Item, 0, len(uploaded)+len(items))
	merged = append(merged, uploaded...)
	merged = append(merged, items...)
	return merged, stats
}

func removeEmpty(items []Item, stats *Stats) []Item {
	kept := items[:0]
	for _, it := range items {
		if it.IsEmpty() {
			stats.RemovedEmpty++
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// Stages 2-4 judge normalized content even though normalization itself runs
// later, so an item that survives one pass survives every subsequent pass.
func removeDuplicates(items []Item, stats *Stats) []Item {
	seen := make(map[string]struct{}, len(items))
	kept := items[:0]
	for _, it := range items {
		key := strings.ToLower(NormalizeText(it.MainContent()))
		if _, dup := seen[key]; dup {
			stats.RemovedDuplicates++
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, it)
	}
	return kept
}

func filterByLength(items []Item, opts RefineOptions, stats *Stats) []Item {
	kept := items[:0]
	for _, it := range items {
		length := len(NormalizeText(it.MainContent()))
		if length < opts.MinTextLength || length > opts.MaxTextLength {
			stats.RemovedLengthLimit++
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

func removeMalformed(items []Item, stats *Stats) []Item {
	kept := items[:0]
	for _, it := range items {
		if isMalformed(NormalizeText(it.MainContent())) {
			stats.RemovedMalformed++
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// isMalformed flags corrupted or degenerate text: mostly special characters,
// heavily non-ASCII content, or near-total word repetition.
func isMalformed(content string) bool {
	runes := []rune(content)
	if len(runes) == 0 {
		return false
	}

	special := 0
	nonASCII := 0
	leadingNonASCII := false
	for i, ch := range runes {
		if !isWordRune(ch) && !isSpaceRune(ch) {
			special++
		}
		if ch > 127 {
			nonASCII++
			if i < 100 {
				leadingNonASCII = true
			}
		}
	}
	if float64(special)/float64(len(runes)) > 0.5 {
		return true
	}
	if leadingNonASCII && float64(nonASCII)/float64(len(runes)) > 0.3 {
		return true
	}

	words := strings.Fields(content)
	if len(words) > 0 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		if float64(len(unique))/float64(len(words)) < 0.1 {
			return true
		}
	}
	return false
}

func isWordRune(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}

func isSpaceRune(ch rune) bool {
	return unicode.IsSpace(ch)
}

func normalizeItems(items []Item) []Item {
	for i := range items {
		items[i].Instruction = NormalizeText(items[i].Instruction)
		items[i].Output = NormalizeText(items[i].Output)
		items[i].Input = NormalizeText(items[i].Input)
		items[i].Context = NormalizeText(items[i].Context)
		items[i].Text = NormalizeText(items[i].Text)
		items[i].Code = NormalizeText(items[i].Code)
		for k, v := range items[i].Extra {
			items[i].Extra[k] = NormalizeText(v)
		}
	}
	return items
}

var quoteReplacer = strings.NewReplacer(
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
	"\x00", "",
)

// NormalizeText collapses whitespace runs, straightens curly quotes, and
// strips NUL bytes.
func NormalizeText(value string) string {
	if value == "" {
		return ""
	}
	value = quoteReplacer.Replace(value)
	return strings.Join(strings.Fields(value), " ")
}

func validateStructure(items []Item) []Item {
	kept := items[:0]
	for _, it := range items {
		if it.IsEmpty() && len(it.Extra) == 0 {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}
