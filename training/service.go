package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"minionforge_back/dataset"
	"minionforge_back/grading"
	"minionforge_back/knowledge"
	"minionforge_back/llm"
	"minionforge_back/minions"
	"minionforge_back/progression"
	"minionforge_back/retrieval"
)

// Pipeline step names, in execution order. Progress after step i is
// (i+1)/9 * 100.
const (
	StepCaptureBefore       = "CAPTURE_BEFORE"
	StepRefine              = "REFINE"
	StepBuildKB             = "BUILD_KB"
	StepEmbed               = "EMBED"
	StepUpdateAgent         = "UPDATE_AGENT"
	StepValidate            = "VALIDATE"
	StepTest                = "TEST"
	StepCaptureAfter        = "CAPTURE_AFTER"
	StepComputeImprovements = "COMPUTE_IMPROVEMENTS"
)

var pipelineSteps = []string{
	StepCaptureBefore,
	StepRefine,
	StepBuildKB,
	StepEmbed,
	StepUpdateAgent,
	StepValidate,
	StepTest,
	StepCaptureAfter,
	StepComputeImprovements,
}

// Knowledge-base strategies.
const (
	StrategyCreateNew   = "create_new"
	StrategyUseExisting = "use_existing"
)

var baselineQueries = []string{
	"What can you help me with?",
	"Explain a concept from your knowledge",
	"How do you work?",
	"What is your expertise?",
}

var validationQueries = []string{
	"What is the main topic?",
	"Can you explain this concept?",
	"How does this work?",
}

var performanceTests = []struct {
	Query    string
	Keywords []string
}{
	{Query: "What can you help me with?", Keywords: []string{"help", "assist", "support"}},
	{Query: "Explain the main concepts", Keywords: []string{"concept", "explain", "main"}},
}

// ProgressFunc receives fire-and-forget progress updates; the last write
// wins. status is the job status at the time of the update.
type ProgressFunc func(jobID uint64, progress float64, step, status string)

// AgentService is the slice of the minion service the pipeline depends on.
type AgentService interface {
	Get(ctx context.Context, id uint64) (*minions.Minion, error)
	ModelConfig(m *minions.Minion) (llm.ModelConfig, error)
	ApplyRAGConfig(ctx context.Context, id uint64, collectionName string, cfg minions.RAGConfig) error
	AwardTrainingXP(ctx context.Context, id uint64, xp int) (progression.LevelUpInfo, error)
}

// Pipeline executes the nine-step RAG training run for one job. Steps run
// strictly in sequence; any error marks the job FAILED, and cancellation is
// honored cooperatively between steps. A knowledge base built before a later
// step fails is left in place.
type Pipeline struct {
	store    *Store
	minions  AgentService
	kb       knowledge.Store
	complete llm.Completer
	grader   *grading.Grader
	refiner  *dataset.Refiner
	notify   ProgressFunc
}

// NewPipeline wires the orchestrator. notify may be nil.
func NewPipeline(store *Store, minionSvc AgentService, kb knowledge.Store, completer llm.Completer, notify ProgressFunc) *Pipeline {
	return &Pipeline{
		store:    store,
		minions:  minionSvc,
		kb:       kb,
		complete: completer,
		grader:   grading.NewGraderFromEnv(completer),
		refiner:  dataset.NewRefiner(),
		notify:   notify,
	}
}

// Run drives one job from RUNNING to a terminal status. rawItems is the
// combined dataset (stored records plus uploaded-file chunks). The returned
// error reflects infrastructure failures while persisting the outcome; a
// failed or cancelled training run itself returns nil after the job reaches
// its terminal status.
func (p *Pipeline) Run(ctx context.Context, jobID uint64, rawItems []dataset.Item, ragCfg minions.RAGConfig) error {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := p.store.Transition(ctx, jobID, StatusRunning, nil); err != nil {
		return err
	}
	p.report(jobID, 0, pipelineSteps[0], StatusRunning)

	startedAt := time.Now()
	collector := NewCollector(jobID, job.MinionID)

	run := &pipelineRun{
		pipeline:  p,
		job:       job,
		collector: collector,
		rawItems:  rawItems,
		ragCfg:    ragCfg,
	}

	for i, step := range pipelineSteps {
		if err := ctx.Err(); err != nil {
			return p.cancel(jobID, step)
		}
		if err := run.execute(ctx, step); err != nil {
			if errors.Is(err, context.Canceled) {
				return p.cancel(jobID, step)
			}
			return p.fail(jobID, step, err)
		}
		progress := float64(i+1) / float64(len(pipelineSteps)) * 100
		if updateErr := p.store.UpdateProgress(ctx, jobID, progress, step); updateErr != nil {
			log.Printf("training: job %d progress update failed: %v", jobID, updateErr)
		}
		p.report(jobID, progress, step, StatusRunning)
	}

	return p.finish(ctx, run, time.Since(startedAt))
}

func (p *Pipeline) report(jobID uint64, progress float64, step, status string) {
	if p.notify != nil {
		p.notify(jobID, progress, step, status)
	}
}

func (p *Pipeline) cancel(jobID uint64, step string) error {
	err := p.store.Transition(context.Background(), jobID, StatusCancelled, func(j *Job) {
		j.CurrentStep = step
	})
	if err != nil {
		return err
	}
	log.Printf("training: job %d cancelled before %s", jobID, step)
	p.report(jobID, 0, step, StatusCancelled)
	return nil
}

func (p *Pipeline) fail(jobID uint64, step string, cause error) error {
	message := cause.Error()
	err := p.store.Transition(context.Background(), jobID, StatusFailed, func(j *Job) {
		j.CurrentStep = step
		j.ErrorMessage = &message
	})
	if err != nil {
		return err
	}
	log.Printf("training: job %d failed at %s: %v", jobID, step, cause)
	p.report(jobID, 0, step, StatusFailed)
	return nil
}

func (p *Pipeline) finish(ctx context.Context, run *pipelineRun, elapsed time.Duration) error {
	jobID := run.job.ID

	result := &Result{
		JobID:             jobID,
		MinionID:          run.job.MinionID,
		BeforeMetrics:     mustJSON(run.before),
		AfterMetrics:      mustJSON(run.after),
		Improvements:      mustJSON(run.improvements),
		RefinementStats:   mustJSON(run.refineStats),
		ValidationResults: mustJSON(run.validation),
		TestResults:       mustJSON(run.test),
		XPGained:          run.xpGained,
	}
	if err := p.store.SaveResult(ctx, result); err != nil {
		return p.fail(jobID, StepComputeImprovements, err)
	}

	err := p.store.Transition(ctx, jobID, StatusCompleted, func(j *Job) {
		j.Progress = 100
		j.CurrentStep = StepComputeImprovements
		j.CollectionName = run.collectionName
		j.XPGained = run.xpGained
		j.LevelUpInfo = mustJSON(run.levelUp)
		j.ProcessingTime = elapsed.Seconds()
	})
	if err != nil {
		return err
	}

	log.Printf("training: job %d completed, xp=%d overall=%.1f%%", jobID, run.xpGained, run.improvements.Overall)
	p.report(jobID, 100, StepComputeImprovements, StatusCompleted)
	return nil
}

// pipelineRun carries the mutable state handed from step to step.
type pipelineRun struct {
	pipeline  *Pipeline
	job       *Job
	collector *Collector
	ragCfg    minions.RAGConfig

	rawItems []dataset.Item
	refined  []dataset.Item

	refineStats    dataset.Stats
	collectionName string
	before         BeforeMetrics
	after          AfterMetrics
	validation     ValidationResults
	test           TestResults
	improvements   Improvements

	xpGained int
	levelUp  progression.LevelUpInfo
}

func (r *pipelineRun) execute(ctx context.Context, step string) error {
	switch step {
	case StepCaptureBefore:
		return r.captureBefore(ctx)
	case StepRefine:
		return r.refine()
	case StepBuildKB:
		return r.buildKnowledgeBase(ctx)
	case StepEmbed:
		return r.embed(ctx)
	case StepUpdateAgent:
		return r.updateAgent(ctx)
	case StepValidate:
		return r.validate(ctx)
	case StepTest:
		return r.testPerformance(ctx)
	case StepCaptureAfter:
		return r.captureAfter(ctx)
	case StepComputeImprovements:
		return r.computeImprovements(ctx)
	default:
		return fmt.Errorf("training: unknown step %s", step)
	}
}

func (r *pipelineRun) modelConfig(ctx context.Context) (llm.ModelConfig, error) {
	minion, err := r.pipeline.minions.Get(ctx, r.job.MinionID)
	if err != nil {
		return llm.ModelConfig{}, err
	}
	return r.pipeline.minions.ModelConfig(minion)
}

func (r *pipelineRun) captureBefore(ctx context.Context) error {
	cfg, err := r.modelConfig(ctx)
	if err != nil {
		return err
	}

	metrics := BeforeMetrics{MinionID: r.job.MinionID}
	var totalTime, totalAccuracy float64
	var timed, graded int

	for _, query := range baselineQueries {
		start := time.Now()
		reply, err := r.pipeline.complete.Chat(ctx, cfg, []llm.ChatMessage{{Role: "user", Content: query}})
		elapsed := time.Since(start).Seconds()
		if err != nil {
			metrics.BaselineTests = append(metrics.BaselineTests, QueryResult{Query: query, Error: err.Error()})
			continue
		}
		score := r.pipeline.grader.Grade(ctx, cfg, query, reply.Content, "")
		metrics.BaselineTests = append(metrics.BaselineTests, QueryResult{
			Query:         query,
			Response:      reply.Content,
			ResponseTime:  elapsed,
			AccuracyScore: score.TaskAccuracy,
			Grading:       &score,
			Success:       reply.Content != "",
		})
		totalTime += elapsed
		totalAccuracy += score.TaskAccuracy
		timed++
		graded++
	}

	if timed > 0 {
		metrics.AvgResponseTime = totalTime / float64(timed)
	}
	if graded > 0 {
		metrics.AvgAccuracy = totalAccuracy / float64(graded)
	}
	metrics.OverallScore = metrics.AvgAccuracy*0.7 + (100-math.Min(metrics.AvgResponseTime*10, 100))*0.3

	r.before = metrics
	return r.collector.RecordBeforeMetrics(metrics)
}

func (r *pipelineRun) refine() error {
	refined, stats := r.pipeline.refiner.Refine(r.rawItems, dataset.RefineOptions{})
	r.refined = refined
	r.refineStats = stats

	if err := r.collector.RecordDatasetStats(DatasetStats{
		OriginalCount: stats.OriginalCount,
		RefinedCount:  stats.FinalCount,
		QualityScore:  stats.QualityScore(),
		RetentionRate: stats.RetentionRate() * 100,
	}); err != nil {
		return err
	}

	// Fail fast on unusable data before any knowledge-store or LLM work.
	if stats.OriginalCount == 0 {
		return errors.New("no training data provided")
	}
	if stats.FinalCount == 0 {
		return errors.New("no data survived refinement")
	}
	if quality := stats.QualityScore(); quality < 50 {
		return fmt.Errorf("data quality too low: %.1f%% (minimum 50%%)", quality)
	}
	return nil
}

func (r *pipelineRun) buildKnowledgeBase(ctx context.Context) error {
	strategy := r.ragCfg.KnowledgeBaseStrategy
	if strategy == "" {
		strategy = StrategyCreateNew
	}

	switch strategy {
	case StrategyUseExisting:
		if r.ragCfg.CollectionName == "" {
			return errors.New("use_existing strategy requires a collection name")
		}
		r.collectionName = r.ragCfg.CollectionName
		return nil
	case StrategyCreateNew:
		name := r.ragCfg.CollectionName
		if name == "" {
			name = fmt.Sprintf("rag_training_%d_%d", r.job.ID, time.Now().Unix())
		}
		description := fmt.Sprintf("Training knowledge base for minion %d", r.job.MinionID)
		if err := r.pipeline.kb.CreateCollection(ctx, name, description); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		r.collectionName = name
		return nil
	default:
		return fmt.Errorf("unknown knowledge base strategy %q", strategy)
	}
}

func (r *pipelineRun) embed(ctx context.Context) error {
	docs := make([]knowledge.Document, 0, len(r.refined))
	for _, item := range r.refined {
		doc := knowledge.Document{
			Text:        item.MainContent(),
			Instruction: item.Instruction,
			Source:      item.Source,
			FileName:    item.FileName,
		}
		if item.TotalChunks > 0 {
			doc.Metadata = map[string]string{
				"chunk_index":  fmt.Sprintf("%d", item.ChunkIndex),
				"total_chunks": fmt.Sprintf("%d", item.TotalChunks),
			}
		}
		docs = append(docs, doc)
	}

	if err := r.pipeline.kb.Ingest(ctx, r.collectionName, docs); err != nil {
		return fmt.Errorf("ingest into %s: %w", r.collectionName, err)
	}
	return r.collector.RecordKnowledgeBaseStats(KnowledgeBaseStats{
		CollectionName: r.collectionName,
		TotalDocuments: len(docs),
	})
}

func (r *pipelineRun) updateAgent(ctx context.Context) error {
	// Hard gate: failure here aborts the run even though the knowledge base
	// already exists. The collection is left in place for reuse or cleanup.
	if err := r.pipeline.minions.ApplyRAGConfig(ctx, r.job.MinionID, r.collectionName, r.ragCfg); err != nil {
		return fmt.Errorf("apply rag config: %w", err)
	}
	return nil
}

func (r *pipelineRun) validate(ctx context.Context) error {
	topK := r.ragCfg.TopK
	if topK <= 0 {
		topK = 4
	}

	results := ValidationResults{TestsTotal: len(validationQueries)}
	for _, query := range validationQueries {
		docs, err := r.pipeline.kb.Query(ctx, r.collectionName, query, topK)
		if err != nil {
			results.QueryResults = append(results.QueryResults, ValidationQuery{Query: query, Error: err.Error()})
			continue
		}
		passed := len(docs) > 0
		if passed {
			results.TestsPassed++
		}
		results.QueryResults = append(results.QueryResults, ValidationQuery{
			Query:        query,
			ResultsCount: len(docs),
			Success:      passed,
		})
	}
	results.OverallScore = float64(results.TestsPassed) / float64(results.TestsTotal) * 100

	r.validation = results
	return r.collector.RecordValidationStats(results)
}

func (r *pipelineRun) testPerformance(ctx context.Context) error {
	topK := r.ragCfg.TopK
	if topK <= 0 {
		topK = 4
	}

	results := TestResults{TestsTotal: len(performanceTests)}
	for _, test := range performanceTests {
		docs, err := r.pipeline.kb.Query(ctx, r.collectionName, test.Query, topK)
		if err != nil {
			results.TestDetails = append(results.TestDetails, PerformanceTest{Query: test.Query, Error: err.Error()})
			continue
		}

		var combined strings.Builder
		for _, doc := range docs {
			combined.WriteString(doc.Text)
			combined.WriteString(" ")
		}
		haystack := strings.ToLower(combined.String())

		found := 0
		for _, keyword := range test.Keywords {
			if strings.Contains(haystack, strings.ToLower(keyword)) {
				found++
			}
		}
		passed := found > 0
		if passed {
			results.TestsPassed++
		}
		results.TestDetails = append(results.TestDetails, PerformanceTest{
			Query:         test.Query,
			KeywordsFound: found,
			ResultsCount:  len(docs),
			Passed:        passed,
		})
	}
	results.PerformanceScore = float64(results.TestsPassed) / float64(results.TestsTotal) * 100

	r.test = results
	return r.collector.RecordTestStats(results)
}

func (r *pipelineRun) captureAfter(ctx context.Context) error {
	cfg, err := r.modelConfig(ctx)
	if err != nil {
		return err
	}

	topK := r.ragCfg.TopK
	if topK <= 0 {
		topK = 3
	}

	metrics := AfterMetrics{MinionID: r.job.MinionID, CollectionName: r.collectionName}
	var totalTime, totalAccuracy, totalCoverage float64
	var timed int

	for _, query := range baselineQueries {
		docs, queryErr := r.pipeline.kb.Query(ctx, r.collectionName, query, topK)
		if queryErr != nil {
			log.Printf("training: job %d after-query retrieval failed: %v", r.job.ID, queryErr)
			docs = nil
		}
		prompt := retrieval.BuildPrompt(query, docs, r.ragCfg.EnableSourceCitation)

		start := time.Now()
		reply, chatErr := r.pipeline.complete.Chat(ctx, cfg, []llm.ChatMessage{{Role: "user", Content: prompt}})
		elapsed := time.Since(start).Seconds()
		if chatErr != nil {
			metrics.PerformanceTests = append(metrics.PerformanceTests, QueryResult{Query: query, Error: chatErr.Error()})
			continue
		}

		kbContent := joinDocuments(docs)
		score := r.pipeline.grader.Grade(ctx, cfg, query, reply.Content, kbContent)
		coverage := r.pipeline.grader.KnowledgeUtilization(ctx, cfg, query, reply.Content, kbContent)

		metrics.PerformanceTests = append(metrics.PerformanceTests, QueryResult{
			Query:             query,
			Response:          reply.Content,
			ResponseTime:      elapsed,
			AccuracyScore:     score.TaskAccuracy,
			KnowledgeCoverage: coverage,
			Grading:           &score,
			Success:           reply.Content != "",
		})
		totalTime += elapsed
		totalAccuracy += score.TaskAccuracy
		totalCoverage += coverage
		timed++
	}

	if timed > 0 {
		metrics.AvgResponseTime = totalTime / float64(timed)
		metrics.AvgAccuracy = totalAccuracy / float64(timed)
	}
	metrics.KnowledgeCoverage = totalCoverage / float64(len(baselineQueries))
	metrics.OverallScore = metrics.AvgAccuracy*0.5 + metrics.KnowledgeCoverage*0.3 +
		(100-math.Min(metrics.AvgResponseTime*10, 100))*0.2

	r.after = metrics
	return r.collector.RecordAfterMetrics(metrics)
}

func (r *pipelineRun) computeImprovements(ctx context.Context) error {
	if err := r.collector.RecordProcessingTime(time.Since(r.job.CreatedAt).Seconds()); err != nil {
		return err
	}

	r.improvements = CalculateImprovements(r.before, r.after)

	if ok, message := r.collector.CheckTrainingSuccess(); !ok {
		return errors.New(message)
	}

	xp := progression.TrainingXP(
		r.refineStats.FinalCount,
		r.refineStats.QualityScore(),
		r.validation.OverallScore,
		r.improvements.Accuracy,
	)
	levelUp, err := r.pipeline.minions.AwardTrainingXP(ctx, r.job.MinionID, xp)
	if err != nil {
		return fmt.Errorf("award training xp: %w", err)
	}
	r.xpGained = xp
	r.levelUp = levelUp
	return nil
}

func joinDocuments(docs []knowledge.Document) string {
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc.Text != "" {
			parts = append(parts, doc.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
