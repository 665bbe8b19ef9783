package training

import (
	"fmt"
	"math"
	"sync"

	"minionforge_back/grading"
)

// DatasetStats summarizes refinement for the result snapshot.
type DatasetStats struct {
	OriginalCount int     `json:"original_count"`
	RefinedCount  int     `json:"refined_count"`
	QualityScore  float64 `json:"quality_score"`
	RetentionRate float64 `json:"retention_rate"`
}

// QueryResult is one baseline or performance query outcome. Grading carries
// the full score breakdown behind AccuracyScore.
type QueryResult struct {
	Query             string         `json:"query"`
	Response          string         `json:"response,omitempty"`
	ResponseTime      float64        `json:"response_time"`
	AccuracyScore     float64        `json:"accuracy_score"`
	KnowledgeCoverage float64        `json:"knowledge_coverage,omitempty"`
	Grading           *grading.Score `json:"grading,omitempty"`
	Error             string         `json:"error,omitempty"`
	Success           bool           `json:"success"`
}

// BeforeMetrics captures the no-RAG baseline battery.
type BeforeMetrics struct {
	MinionID        uint64        `json:"minion_id"`
	BaselineTests   []QueryResult `json:"baseline_tests"`
	AvgResponseTime float64       `json:"avg_response_time"`
	AvgAccuracy     float64       `json:"avg_accuracy"`
	OverallScore    float64       `json:"overall_score"`
}

// AfterMetrics captures the same battery with RAG against the new collection.
type AfterMetrics struct {
	MinionID          uint64        `json:"minion_id"`
	CollectionName    string        `json:"collection_name"`
	PerformanceTests  []QueryResult `json:"performance_tests"`
	AvgResponseTime   float64       `json:"avg_response_time"`
	AvgAccuracy       float64       `json:"avg_accuracy"`
	KnowledgeCoverage float64       `json:"knowledge_coverage"`
	OverallScore      float64       `json:"overall_score"`
}

// KnowledgeBaseStats records what BUILD_KB produced.
type KnowledgeBaseStats struct {
	CollectionName string `json:"collection_name"`
	TotalDocuments int    `json:"total_documents"`
}

// ValidationQuery is one retrieval-validation probe against the new collection.
type ValidationQuery struct {
	Query        string `json:"query"`
	ResultsCount int    `json:"results_count"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// ValidationResults summarizes the VALIDATE step.
type ValidationResults struct {
	TestsTotal   int               `json:"tests_total"`
	TestsPassed  int               `json:"tests_passed"`
	OverallScore float64           `json:"overall_score"`
	QueryResults []ValidationQuery `json:"query_results"`
}

// PerformanceTest is one keyword-expectation probe from the TEST step.
type PerformanceTest struct {
	Query         string `json:"query"`
	KeywordsFound int    `json:"keywords_found"`
	ResultsCount  int    `json:"results_count"`
	Passed        bool   `json:"passed"`
	Error         string `json:"error,omitempty"`
}

// TestResults summarizes the TEST step.
type TestResults struct {
	TestsTotal       int               `json:"tests_total"`
	TestsPassed      int               `json:"tests_passed"`
	PerformanceScore float64           `json:"performance_score"`
	TestDetails      []PerformanceTest `json:"test_details"`
}

// Improvements is the differential before/after comparison reported to users.
type Improvements struct {
	Accuracy  float64 `json:"accuracy"`
	Speed     float64 `json:"speed"`
	Knowledge float64 `json:"knowledge"`
	Overall   float64 `json:"overall"`
}

// CapabilityGains are absolute capability estimates derived from pipeline
// statistics alone, independent of the before/after battery. They back the
// minimal-improvement guardrail.
type CapabilityGains struct {
	Knowledge            float64 `json:"knowledge"`
	Accuracy             float64 `json:"accuracy"`
	Speed                float64 `json:"speed"`
	ContextUnderstanding float64 `json:"context_understanding"`
}

// Total sums the four gains.
func (g CapabilityGains) Total() float64 {
	return g.Knowledge + g.Accuracy + g.Speed + g.ContextUnderstanding
}

// Collector accumulates per-job metrics as the pipeline runs. Every field is
// write-once; a second write to the same field is an error so steps cannot
// silently clobber each other's measurements.
type Collector struct {
	mu sync.Mutex

	jobID    uint64
	minionID uint64

	dataset        *DatasetStats
	before         *BeforeMetrics
	kb             *KnowledgeBaseStats
	validation     *ValidationResults
	test           *TestResults
	after          *AfterMetrics
	processingTime float64
	timeRecorded   bool
}

// NewCollector starts metrics collection for one job.
func NewCollector(jobID, minionID uint64) *Collector {
	return &Collector{jobID: jobID, minionID: minionID}
}

func (c *Collector) RecordDatasetStats(stats DatasetStats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataset != nil {
		return fmt.Errorf("training: dataset stats already recorded for job %d", c.jobID)
	}
	c.dataset = &stats
	return nil
}

func (c *Collector) RecordBeforeMetrics(m BeforeMetrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.before != nil {
		return fmt.Errorf("training: before metrics already recorded for job %d", c.jobID)
	}
	c.before = &m
	return nil
}

func (c *Collector) RecordKnowledgeBaseStats(stats KnowledgeBaseStats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kb != nil {
		return fmt.Errorf("training: knowledge base stats already recorded for job %d", c.jobID)
	}
	c.kb = &stats
	return nil
}

func (c *Collector) RecordValidationStats(v ValidationResults) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.validation != nil {
		return fmt.Errorf("training: validation stats already recorded for job %d", c.jobID)
	}
	c.validation = &v
	return nil
}

func (c *Collector) RecordTestStats(t TestResults) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test != nil {
		return fmt.Errorf("training: test stats already recorded for job %d", c.jobID)
	}
	c.test = &t
	return nil
}

func (c *Collector) RecordAfterMetrics(m AfterMetrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.after != nil {
		return fmt.Errorf("training: after metrics already recorded for job %d", c.jobID)
	}
	c.after = &m
	return nil
}

func (c *Collector) RecordProcessingTime(seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeRecorded {
		return fmt.Errorf("training: processing time already recorded for job %d", c.jobID)
	}
	c.processingTime = seconds
	c.timeRecorded = true
	return nil
}

func (c *Collector) DatasetStats() (DatasetStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataset == nil {
		return DatasetStats{}, false
	}
	return *c.dataset, true
}

// CalculateGains derives absolute capability estimates from accumulated
// pipeline statistics. Each component is independent of the before/after
// battery: knowledge from retention and quality, accuracy from validation
// score and pass rate, speed from processing throughput, and context
// understanding from knowledge-base coverage.
func (c *Collector) CalculateGains() CapabilityGains {
	c.mu.Lock()
	defer c.mu.Unlock()

	var gains CapabilityGains

	if c.dataset != nil && c.dataset.OriginalCount > 0 {
		retention := float64(c.dataset.RefinedCount) / float64(c.dataset.OriginalCount) * 100
		gains.Knowledge = math.Min(retention*c.dataset.QualityScore/100, 100)
	}

	if c.validation != nil && c.validation.TestsTotal > 0 {
		passRate := float64(c.validation.TestsPassed) / float64(c.validation.TestsTotal) * 100
		gains.Accuracy = c.validation.OverallScore * passRate / 100
	}

	if c.timeRecorded && c.processingTime > 0 && c.dataset != nil && c.dataset.RefinedCount > 0 {
		itemsPerSecond := float64(c.dataset.RefinedCount) / c.processingTime
		gains.Speed = math.Min(itemsPerSecond*0.1, 50)
	}

	if c.kb != nil && c.kb.TotalDocuments > 0 && c.dataset != nil && c.dataset.RefinedCount > 0 {
		coverage := math.Min(float64(c.kb.TotalDocuments)/float64(c.dataset.RefinedCount), 1.0)
		gains.ContextUnderstanding = coverage * c.dataset.QualityScore
	}

	return gains
}

// ValidateTrainingData checks the cheap preconditions for a meaningful run.
// The returned message explains the first failing check.
func (c *Collector) ValidateTrainingData() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dataset == nil || c.dataset.OriginalCount == 0 {
		return false, "no training data provided"
	}
	if c.dataset.RefinedCount == 0 {
		return false, "no data was successfully processed"
	}
	if c.dataset.QualityScore < 50 {
		return false, fmt.Sprintf("data quality too low: %.1f%% (minimum 50%%)", c.dataset.QualityScore)
	}
	if c.validation != nil {
		if c.validation.OverallScore < 50 {
			return false, fmt.Sprintf("validation failed: %.1f%% (minimum 50%%)", c.validation.OverallScore)
		}
		if c.validation.TestsTotal > 0 && float64(c.validation.TestsPassed) < float64(c.validation.TestsTotal)*0.5 {
			return false, fmt.Sprintf("too many validation tests failed: %d/%d", c.validation.TestsPassed, c.validation.TestsTotal)
		}
	}
	return true, "training data is valid"
}

// CheckTrainingSuccess applies the minimal-improvement guardrail: a run
// whose capability gains total under 10 points did nothing worth keeping.
func (c *Collector) CheckTrainingSuccess() (bool, string) {
	valid, message := c.ValidateTrainingData()
	if !valid {
		return false, "training failed validation: " + message
	}
	total := c.CalculateGains().Total()
	if total < 10 {
		return false, fmt.Sprintf("training produced minimal improvements: %.1f%% total", total)
	}
	return true, "training completed successfully"
}

// CalculateImprovements compares before/after batteries. Measurements are
// differential when a baseline exists; a zero baseline means the capability
// is new and the after value is reported as-is (speed excepted, since a
// missing time baseline cannot be compared at all).
func CalculateImprovements(before BeforeMetrics, after AfterMetrics) Improvements {
	var imp Improvements

	switch {
	case before.AvgAccuracy > 0:
		imp.Accuracy = (after.AvgAccuracy - before.AvgAccuracy) / before.AvgAccuracy * 100
	case after.AvgAccuracy > 0:
		imp.Accuracy = after.AvgAccuracy
	}

	if before.AvgResponseTime > 0 && after.AvgResponseTime > 0 {
		imp.Speed = (before.AvgResponseTime - after.AvgResponseTime) / before.AvgResponseTime * 100
	}

	if after.KnowledgeCoverage > 0 {
		imp.Knowledge = after.KnowledgeCoverage
	}

	imp.Overall = imp.Accuracy*0.4 + imp.Speed*0.2 + imp.Knowledge*0.4
	return imp
}
