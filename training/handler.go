package training

import (
	"errors"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"minionforge_back/dataset"
	"minionforge_back/knowledge"
	"minionforge_back/llm"
	"minionforge_back/minions"
	"minionforge_back/storage"
)

// Module wires the training endpoints: submission with duplicate detection,
// status polling, results, cancellation, file upload, and the progress
// websocket.
type Module struct {
	store   *Store
	runner  *Runner
	minions *minions.Service
	files   *storage.DatasetStorage
	hub     *ProgressHub
	status  *statusCache
}

// RegisterRoutes mounts the training routes and starts the job runner.
// files may be nil when object storage is not configured; uploads then
// return an explicit error.
func RegisterRoutes(router *gin.Engine, minionSvc *minions.Service, kb knowledge.Store, completer llm.Completer, files *storage.DatasetStorage) (*Module, error) {
	store, err := NewStore(minionSvc.DB())
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if client, err := newRedisClientFromEnv(); err != nil {
		log.Printf("training: redis unavailable, status cache disabled: %v", err)
	} else {
		redisClient = client
	}

	module := &Module{
		store:   store,
		minions: minionSvc,
		files:   files,
		hub:     NewProgressHub(),
		status:  newStatusCache(redisClient),
	}

	pipeline := NewPipeline(store, minionSvc, kb, completer, module.onProgress)
	module.runner = NewRunner(pipeline)

	group := router.Group("/training-jobs")
	group.POST("", module.handleSubmit)
	group.GET("", module.handleList)
	group.GET("/:id", module.handleStatus)
	group.GET("/:id/results", module.handleResults)
	group.POST("/:id/cancel", module.handleCancel)
	group.POST("/check-duplicate", module.handleCheckDuplicate)
	group.POST("/upload", module.handleUpload)

	router.GET("/training/ws", module.handleWebsocket)

	return module, nil
}

// Runner exposes the job runner, mainly for shutdown coordination.
func (m *Module) Runner() *Runner {
	return m.runner
}

func (m *Module) onProgress(jobID uint64, progress float64, step, status string) {
	m.status.invalidate(nil, jobID)
	m.hub.Publish(ProgressEvent{JobID: jobID, Progress: progress, Step: step, Status: status})
}

type submitRequest struct {
	UserID       uint64            `json:"user_id"`
	MinionID     uint64            `json:"minion_id"`
	JobName      string            `json:"job_name"`
	Description  *string           `json:"description"`
	RAGConfig    minions.RAGConfig `json:"rag_config"`
	DatasetItems []dataset.Item    `json:"dataset_items"`
	DatasetIDs   []string          `json:"dataset_ids"`
}

func (m *Module) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.MinionID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minion_id is required"})
		return
	}
	if len(req.DatasetItems) == 0 && len(req.DatasetIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one dataset item or dataset id is required"})
		return
	}

	if _, err := m.minions.Get(c.Request.Context(), req.MinionID); err != nil {
		if errors.Is(err, minions.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "minion not found"})
			return
		}
		log.Printf("training: load minion %d failed: %v", req.MinionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load minion"})
		return
	}

	rawItems, err := m.assembleItems(c, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobName := strings.TrimSpace(req.JobName)
	if jobName == "" {
		jobName = "RAG training"
	}
	configHash := ConfigHash(req.RAGConfig, req.DatasetIDs)
	job := &Job{
		UserID:      req.UserID,
		MinionID:    req.MinionID,
		JobName:     jobName,
		Description: req.Description,
		ConfigHash:  configHash,
		RAGConfig:   mustJSON(req.RAGConfig),
	}

	if err := m.store.Enqueue(c.Request.Context(), job, req.DatasetIDs); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateJob):
			c.JSON(http.StatusConflict, gin.H{
				"error":              "identical training configuration was already submitted recently",
				"config_fingerprint": Fingerprint(configHash),
			})
		case errors.Is(err, ErrMinionBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "minion already has a pending or running training job"})
		default:
			log.Printf("training: enqueue failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create training job"})
		}
		return
	}

	if _, err := m.runner.Start(job.ID, rawItems, req.RAGConfig); err != nil {
		log.Printf("training: start job %d failed: %v", job.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start training job"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"job_id":             job.ID,
		"status":             job.Status,
		"config_fingerprint": Fingerprint(configHash),
	})
}

// assembleItems merges inline dataset items with items extracted from
// referenced uploaded files. Dataset ids that are not object keys name
// stored datasets and only participate in deduplication.
func (m *Module) assembleItems(c *gin.Context, req submitRequest) ([]dataset.Item, error) {
	items := append([]dataset.Item(nil), req.DatasetItems...)

	chunkSize := req.RAGConfig.ChunkSize
	chunkOverlap := req.RAGConfig.ChunkOverlap

	for _, id := range req.DatasetIDs {
		if !strings.HasPrefix(id, "datasets/") {
			continue
		}
		data, err := m.files.Fetch(c.Request.Context(), id)
		if err != nil {
			return nil, errors.New("failed to fetch uploaded file " + id)
		}
		fileItems, err := dataset.FileToItems(objectFileName(id), data, chunkSize, chunkOverlap)
		if err != nil {
			return nil, err
		}
		items = append(items, fileItems...)
	}
	return items, nil
}

// objectFileName recovers the original filename from an object key of the
// form datasets/<minion>/<uuid>-<name>.
func objectFileName(objectKey string) string {
	base := path.Base(objectKey)
	if len(base) > 37 && base[36] == '-' {
		return base[37:]
	}
	return base
}

func (m *Module) handleList(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("minion_id"))
	minionID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || minionID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minion_id query parameter is required"})
		return
	}

	jobs, err := m.store.ListByMinion(c.Request.Context(), minionID)
	if err != nil {
		log.Printf("training: list jobs failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list training jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (m *Module) handleStatus(c *gin.Context) {
	jobID, ok := m.jobID(c)
	if !ok {
		return
	}

	if cached, err := m.status.get(c.Request.Context(), jobID); err == nil {
		c.JSON(http.StatusOK, statusPayload(cached))
		return
	}

	job, err := m.store.Get(c.Request.Context(), jobID)
	if err != nil {
		m.jobError(c, jobID, err)
		return
	}
	m.status.store(c.Request.Context(), job)
	c.JSON(http.StatusOK, statusPayload(job))
}

func statusPayload(job *Job) gin.H {
	return gin.H{
		"job":                job,
		"config_fingerprint": Fingerprint(job.ConfigHash),
	}
}

func (m *Module) handleResults(c *gin.Context) {
	jobID, ok := m.jobID(c)
	if !ok {
		return
	}

	job, err := m.store.Get(c.Request.Context(), jobID)
	if err != nil {
		m.jobError(c, jobID, err)
		return
	}

	result, err := m.store.ResultForJob(c.Request.Context(), jobID)
	if err != nil {
		log.Printf("training: load result for %d failed: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load training result"})
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{"job": job, "result": nil, "message": "no result available yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "result": result})
}

func (m *Module) handleCancel(c *gin.Context) {
	jobID, ok := m.jobID(c)
	if !ok {
		return
	}

	job, err := m.store.Get(c.Request.Context(), jobID)
	if err != nil {
		m.jobError(c, jobID, err)
		return
	}
	if IsTerminal(job.Status) {
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished", "status": job.Status})
		return
	}

	if m.runner.Cancel(jobID) {
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "cancelling": true})
		return
	}

	// Not running on this instance; a PENDING job can be cancelled directly.
	if err := m.store.Transition(c.Request.Context(), jobID, StatusCancelled, nil); err != nil {
		log.Printf("training: cancel job %d failed: %v", jobID, err)
		c.JSON(http.StatusConflict, gin.H{"error": "job could not be cancelled"})
		return
	}
	m.onProgress(jobID, 0, "", StatusCancelled)
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": StatusCancelled})
}

type checkDuplicateRequest struct {
	MinionID   uint64            `json:"minion_id"`
	RAGConfig  minions.RAGConfig `json:"rag_config"`
	DatasetIDs []string          `json:"dataset_ids"`
}

func (m *Module) handleCheckDuplicate(c *gin.Context) {
	var req checkDuplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MinionID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minion_id is required"})
		return
	}

	configHash := ConfigHash(req.RAGConfig, req.DatasetIDs)
	existing, err := m.store.FindDuplicate(c.Request.Context(), req.MinionID, configHash)
	if err != nil {
		log.Printf("training: duplicate check failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "duplicate check failed"})
		return
	}

	payload := gin.H{
		"duplicate":          existing != nil,
		"config_fingerprint": Fingerprint(configHash),
	}
	if existing != nil {
		payload["existing_job"] = gin.H{
			"job_id":     existing.ID,
			"status":     existing.Status,
			"created_at": existing.CreatedAt,
			"xp_gained":  existing.XPGained,
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (m *Module) handleUpload(c *gin.Context) {
	raw := strings.TrimSpace(c.PostForm("minion_id"))
	minionID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || minionID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minion_id form field is required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file form field is required"})
		return
	}

	objectKey, err := m.files.Put(c.Request.Context(), minionID, fileHeader)
	if err != nil {
		log.Printf("training: upload failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"object_key": objectKey,
		"file_name":  fileHeader.Filename,
	})
}

func (m *Module) handleWebsocket(c *gin.Context) {
	jobID, err := strconv.ParseUint(strings.TrimSpace(c.Query("job_id")), 10, 64)
	if err != nil || jobID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id query parameter is required"})
		return
	}
	if _, err := m.store.Get(c.Request.Context(), jobID); err != nil {
		m.jobError(c, jobID, err)
		return
	}
	if err := m.hub.Subscribe(c.Writer, c.Request, jobID); err != nil {
		log.Printf("training: websocket upgrade for job %d failed: %v", jobID, err)
	}
}

func (m *Module) jobID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

func (m *Module) jobError(c *gin.Context, jobID uint64, err error) {
	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "training job not found"})
		return
	}
	log.Printf("training: load job %d failed: %v", jobID, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load training job"})
}
