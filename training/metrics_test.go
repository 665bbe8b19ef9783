package training

import (
	"math"
	"strings"
	"testing"
)

func TestCollectorFieldsAreWriteOnce(t *testing.T) {
	c := NewCollector(1, 2)

	if err := c.RecordDatasetStats(DatasetStats{OriginalCount: 10, RefinedCount: 9}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := c.RecordDatasetStats(DatasetStats{OriginalCount: 5}); err == nil {
		t.Fatal("second write should fail")
	}

	stats, ok := c.DatasetStats()
	if !ok || stats.OriginalCount != 10 {
		t.Fatalf("first write should win, got %+v", stats)
	}
}

func TestCalculateGains(t *testing.T) {
	c := NewCollector(1, 2)
	mustRecord(t, c.RecordDatasetStats(DatasetStats{OriginalCount: 100, RefinedCount: 90, QualityScore: 80}))
	mustRecord(t, c.RecordValidationStats(ValidationResults{TestsTotal: 3, TestsPassed: 3, OverallScore: 100}))
	mustRecord(t, c.RecordKnowledgeBaseStats(KnowledgeBaseStats{TotalDocuments: 90}))
	mustRecord(t, c.RecordProcessingTime(9))

	gains := c.CalculateGains()

	// retention 90% of quality 80 -> 72
	if math.Abs(gains.Knowledge-72) > 0.01 {
		t.Errorf("knowledge gain = %.2f, want 72", gains.Knowledge)
	}
	// validation 100 x pass rate 100% -> 100
	if math.Abs(gains.Accuracy-100) > 0.01 {
		t.Errorf("accuracy gain = %.2f, want 100", gains.Accuracy)
	}
	// 10 items/s x 0.1 -> 1
	if math.Abs(gains.Speed-1) > 0.01 {
		t.Errorf("speed gain = %.2f, want 1", gains.Speed)
	}
	// full coverage x quality 80 -> 80
	if math.Abs(gains.ContextUnderstanding-80) > 0.01 {
		t.Errorf("context gain = %.2f, want 80", gains.ContextUnderstanding)
	}
}

func TestCalculateGainsSpeedCap(t *testing.T) {
	c := NewCollector(1, 2)
	mustRecord(t, c.RecordDatasetStats(DatasetStats{OriginalCount: 10000, RefinedCount: 10000, QualityScore: 100}))
	mustRecord(t, c.RecordProcessingTime(1))

	if gains := c.CalculateGains(); gains.Speed != 50 {
		t.Fatalf("speed gain should cap at 50, got %.2f", gains.Speed)
	}
}

func TestValidateTrainingData(t *testing.T) {
	tests := []struct {
		name       string
		dataset    DatasetStats
		validation *ValidationResults
		wantValid  bool
		wantReason string
	}{
		{
			name:       "no data",
			dataset:    DatasetStats{},
			wantValid:  false,
			wantReason: "no training data",
		},
		{
			name:       "everything filtered",
			dataset:    DatasetStats{OriginalCount: 10, RefinedCount: 0, QualityScore: 100},
			wantValid:  false,
			wantReason: "successfully processed",
		},
		{
			name:       "low quality",
			dataset:    DatasetStats{OriginalCount: 10, RefinedCount: 5, QualityScore: 30},
			wantValid:  false,
			wantReason: "quality too low",
		},
		{
			name:       "failed validation",
			dataset:    DatasetStats{OriginalCount: 10, RefinedCount: 10, QualityScore: 90},
			validation: &ValidationResults{TestsTotal: 3, TestsPassed: 1, OverallScore: 33.3},
			wantValid:  false,
			wantReason: "validation failed",
		},
		{
			name:       "healthy run",
			dataset:    DatasetStats{OriginalCount: 10, RefinedCount: 10, QualityScore: 90},
			validation: &ValidationResults{TestsTotal: 3, TestsPassed: 3, OverallScore: 100},
			wantValid:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(1, 2)
			mustRecord(t, c.RecordDatasetStats(tt.dataset))
			if tt.validation != nil {
				mustRecord(t, c.RecordValidationStats(*tt.validation))
			}

			valid, reason := c.ValidateTrainingData()
			if valid != tt.wantValid {
				t.Fatalf("valid = %v (%s), want %v", valid, reason, tt.wantValid)
			}
			if !valid && !strings.Contains(reason, tt.wantReason) {
				t.Fatalf("reason %q should mention %q", reason, tt.wantReason)
			}
		})
	}
}

func TestCheckTrainingSuccessGuardrail(t *testing.T) {
	c := NewCollector(1, 2)
	// Valid data but negligible gains: low retention, slow throughput, and
	// no validation or knowledge-base measurements recorded.
	mustRecord(t, c.RecordDatasetStats(DatasetStats{OriginalCount: 100, RefinedCount: 5, QualityScore: 60}))
	mustRecord(t, c.RecordProcessingTime(10000))

	ok, message := c.CheckTrainingSuccess()
	if ok {
		t.Fatal("expected guardrail to trip")
	}
	if !strings.Contains(message, "minimal improvements") {
		t.Fatalf("unexpected message %q", message)
	}
}

func TestCalculateImprovementsDifferential(t *testing.T) {
	before := BeforeMetrics{AvgAccuracy: 50, AvgResponseTime: 2}
	after := AfterMetrics{AvgAccuracy: 60, AvgResponseTime: 1, KnowledgeCoverage: 40}

	imp := CalculateImprovements(before, after)

	if math.Abs(imp.Accuracy-20) > 0.01 {
		t.Errorf("accuracy = %.2f, want 20", imp.Accuracy)
	}
	if math.Abs(imp.Speed-50) > 0.01 {
		t.Errorf("speed = %.2f, want 50", imp.Speed)
	}
	if math.Abs(imp.Knowledge-40) > 0.01 {
		t.Errorf("knowledge = %.2f, want 40", imp.Knowledge)
	}
	want := 20*0.4 + 50*0.2 + 40*0.4
	if math.Abs(imp.Overall-want) > 0.01 {
		t.Errorf("overall = %.2f, want %.2f", imp.Overall, want)
	}
}

func TestCalculateImprovementsZeroBaseline(t *testing.T) {
	imp := CalculateImprovements(BeforeMetrics{}, AfterMetrics{AvgAccuracy: 75, AvgResponseTime: 1, KnowledgeCoverage: 30})

	// No baseline accuracy: the after value counts as new capability.
	if imp.Accuracy != 75 {
		t.Errorf("accuracy = %.2f, want 75", imp.Accuracy)
	}
	// A missing time baseline cannot be compared.
	if imp.Speed != 0 {
		t.Errorf("speed = %.2f, want 0", imp.Speed)
	}
	if imp.Knowledge != 30 {
		t.Errorf("knowledge = %.2f, want 30", imp.Knowledge)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("%s -> %s should be allowed", pair[0], pair[1])
		}
	}

	forbidden := [][2]string{
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusPending},
		{StatusCancelled, StatusRunning},
		{StatusRunning, StatusPending},
	}
	for _, pair := range forbidden {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("%s -> %s should be rejected", pair[0], pair[1])
		}
	}
}

func mustRecord(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
}
