package minions

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"minionforge_back/dataset"
	"minionforge_back/knowledge"
	"minionforge_back/llm"
	"minionforge_back/progression"
	"minionforge_back/retrieval"
)

// Module wires minion routes with the chat dependencies.
type Module struct {
	svc       *Service
	completer llm.Completer
	retriever *retrieval.Retriever
}

// RegisterRoutes mounts the minion CRUD and chat endpoints.
func RegisterRoutes(router *gin.Engine, svc *Service, store knowledge.Store, completer llm.Completer) *Module {
	module := &Module{
		svc:       svc,
		completer: completer,
		retriever: retrieval.New(store),
	}

	group := router.Group("/minions")
	group.POST("", module.handleCreate)
	group.GET("", module.handleList)
	group.GET("/:id", module.handleGet)
	group.PUT("/:id", module.handleUpdate)
	group.DELETE("/:id", module.handleDelete)
	group.GET("/:id/progress", module.handleProgress)
	group.POST("/:id/chat", module.handleChat)

	return module
}

func (m *Module) Service() *Service {
	return m.svc
}

type minionRequest struct {
	UserID        uint64   `json:"user_id"`
	Name          string   `json:"name"`
	DisplayName   string   `json:"display_name"`
	Description   *string  `json:"description"`
	Title         *string  `json:"title"`
	Provider      string   `json:"provider"`
	ModelID       string   `json:"model_id"`
	APIKey        *string  `json:"api_key"`
	BaseURL       *string  `json:"base_url"`
	MaxTokens     *int     `json:"max_tokens"`
	Temperature   *float64 `json:"temperature"`
	TopP          *float64 `json:"top_p"`
	ContextLength *int     `json:"context_length"`
	SystemPrompt  *string  `json:"system_prompt"`
	Capabilities  []string `json:"capabilities"`
	Tags          []string `json:"tags"`
}

func (m *Module) handleCreate(c *gin.Context) {
	var req minionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.ModelID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, provider and model_id are required"})
		return
	}

	minion := Minion{
		UserID:      req.UserID,
		Name:        strings.TrimSpace(req.Name),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Description: req.Description,
		Provider:    strings.ToLower(strings.TrimSpace(req.Provider)),
		ModelID:     strings.TrimSpace(req.ModelID),
		BaseURL:     req.BaseURL,
		MaxTokens:   4096,
		Temperature: 0.7,
		TopP:        0.9,
		Level:       1,
		Rank:        "Novice",
		RankLevel:   1,

		TopK:                5,
		SimilarityThreshold: 0.7,
		RetrievalMethod:     "hybrid",
		ChunkSize:           dataset.DefaultChunkSize,
		ChunkOverlap:        dataset.DefaultChunkOverlap,
		XPToNextLevel:       progression.XPForLevel(1),
		Title:               "AI Assistant",
	}
	if minion.DisplayName == "" {
		minion.DisplayName = minion.Name
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) != "" {
		minion.Title = strings.TrimSpace(*req.Title)
	}
	applyGenerationParams(&minion, req)
	if len(req.Capabilities) > 0 {
		minion.Capabilities = mustJSON(req.Capabilities)
	}
	if len(req.Tags) > 0 {
		minion.Tags = mustJSON(req.Tags)
	}

	apiKey := ""
	if req.APIKey != nil {
		apiKey = strings.TrimSpace(*req.APIKey)
	}
	if err := m.svc.Create(c.Request.Context(), &minion, apiKey); err != nil {
		log.Printf("minions: create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create minion"})
		return
	}
	c.JSON(http.StatusCreated, minion)
}

func applyGenerationParams(minion *Minion, req minionRequest) {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		minion.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil && *req.Temperature > 0 {
		minion.Temperature = *req.Temperature
	}
	if req.TopP != nil && *req.TopP > 0 {
		minion.TopP = *req.TopP
	}
	if req.ContextLength != nil && *req.ContextLength > 0 {
		minion.ContextLength = req.ContextLength
	}
	if req.SystemPrompt != nil {
		minion.SystemPrompt = req.SystemPrompt
	}
}

func (m *Module) handleList(c *gin.Context) {
	query := m.svc.DB().WithContext(c.Request.Context()).Order("id")
	if raw := strings.TrimSpace(c.Query("user_id")); raw != "" {
		userID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		query = query.Where("user_id = ?", userID)
	}

	var list []Minion
	if err := query.Find(&list).Error; err != nil {
		log.Printf("minions: list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list minions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"minions": list, "count": len(list)})
}

func (m *Module) handleGet(c *gin.Context) {
	minion, ok := m.loadMinion(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, minion)
}

func (m *Module) handleUpdate(c *gin.Context) {
	minion, ok := m.loadMinion(c)
	if !ok {
		return
	}

	var req minionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if strings.TrimSpace(req.Name) != "" {
		minion.Name = strings.TrimSpace(req.Name)
	}
	if strings.TrimSpace(req.DisplayName) != "" {
		minion.DisplayName = strings.TrimSpace(req.DisplayName)
	}
	if req.Description != nil {
		minion.Description = req.Description
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) != "" {
		minion.Title = strings.TrimSpace(*req.Title)
	}
	if strings.TrimSpace(req.Provider) != "" {
		minion.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	}
	if strings.TrimSpace(req.ModelID) != "" {
		minion.ModelID = strings.TrimSpace(req.ModelID)
	}
	if req.BaseURL != nil {
		minion.BaseURL = req.BaseURL
	}
	applyGenerationParams(minion, req)
	if req.Capabilities != nil {
		minion.Capabilities = mustJSON(req.Capabilities)
	}
	if req.Tags != nil {
		minion.Tags = mustJSON(req.Tags)
	}

	if err := m.svc.Save(c.Request.Context(), minion); err != nil {
		log.Printf("minions: update failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update minion"})
		return
	}

	if req.APIKey != nil && strings.TrimSpace(*req.APIKey) != "" {
		if err := m.svc.SetAPIKey(c.Request.Context(), minion.ID, strings.TrimSpace(*req.APIKey)); err != nil {
			log.Printf("minions: update api key failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update api key"})
			return
		}
	}
	c.JSON(http.StatusOK, minion)
}

func (m *Module) handleDelete(c *gin.Context) {
	minion, ok := m.loadMinion(c)
	if !ok {
		return
	}
	if err := m.svc.DB().WithContext(c.Request.Context()).Delete(&Minion{}, minion.ID).Error; err != nil {
		log.Printf("minions: delete failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete minion"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": minion.ID})
}

func (m *Module) handleProgress(c *gin.Context) {
	minion, ok := m.loadMinion(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, progression.Progress(minion.TotalXP()))
}

type chatRequest struct {
	Message string `json:"message"`
	UseRAG  *bool  `json:"use_rag"`
}

func (m *Module) handleChat(c *gin.Context) {
	minion, ok := m.loadMinion(c)
	if !ok {
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	message := strings.TrimSpace(req.Message)

	cfg, err := m.svc.ModelConfig(minion)
	if err != nil {
		log.Printf("minions: chat config for %d failed: %v", minion.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load model credentials"})
		return
	}
	if cfg.APIKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no API key configured for provider " + minion.Provider})
		return
	}
	cfg.SystemPrompt = buildSystemPrompt(minion)

	useRAG := minion.RagEnabled && minion.RagCollectionName != nil
	if req.UseRAG != nil {
		useRAG = useRAG && *req.UseRAG
	}

	prompt := message
	ragUsed := false
	if useRAG {
		docs, err := m.retriever.Retrieve(c.Request.Context(), *minion.RagCollectionName, message, retrieval.Options{
			TopK:                minion.TopK,
			SimilarityThreshold: minion.SimilarityThreshold,
		})
		if err != nil {
			log.Printf("minions: retrieval for %d failed: %v", minion.ID, err)
		} else if len(docs) > 0 {
			prompt = retrieval.BuildPrompt(message, docs, minion.EnableSourceCitation)
			ragUsed = true
		}
	}

	start := time.Now()
	result, err := m.completer.Chat(c.Request.Context(), cfg, []llm.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		log.Printf("minions: chat call for %d failed: %v", minion.ID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "model call failed"})
		return
	}

	xp, err := m.svc.AwardUsageXP(c.Request.Context(), minion.ID, 1, 1.0)
	if err != nil {
		log.Printf("minions: usage xp award for %d failed: %v", minion.ID, err)
	}

	c.JSON(http.StatusOK, gin.H{
		"response":    result.Content,
		"rag_used":    ragUsed,
		"xp_awarded":  xp,
		"elapsed_ms":  time.Since(start).Milliseconds(),
		"usage":       result.Usage,
		"minion_name": minion.DisplayName,
		"provider":    minion.Provider,
	})
}

func (m *Module) loadMinion(c *gin.Context) (*Minion, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minion id"})
		return nil, false
	}
	minion, err := m.svc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "minion not found"})
			return nil, false
		}
		log.Printf("minions: load %d failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load minion"})
		return nil, false
	}
	return minion, true
}

// buildSystemPrompt layers the minion's persona over its base system prompt.
func buildSystemPrompt(m *Minion) string {
	parts := []string{"You are " + m.DisplayName + ", a specialized AI minion assistant."}

	if m.Description != nil && strings.TrimSpace(*m.Description) != "" {
		parts = append(parts, "Your role and personality: "+strings.TrimSpace(*m.Description))
	}
	if caps := decodeStringList(m.Capabilities); len(caps) > 0 {
		parts = append(parts, "Your capabilities include: "+strings.Join(caps, ", "))
	}
	if tags := decodeStringList(m.Tags); len(tags) > 0 {
		parts = append(parts, "Your personality traits: "+strings.Join(tags, ", "))
	}
	if m.SystemPrompt != nil && strings.TrimSpace(*m.SystemPrompt) != "" {
		parts = append(parts, "Additional instructions: "+strings.TrimSpace(*m.SystemPrompt))
	}
	parts = append(parts, "Always respond in character as the AI minion you are. Do not confuse yourself with any other systems or platforms that might share a similar name.")

	return strings.Join(parts, "\n\n")
}

func decodeStringList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	out := list[:0]
	for _, item := range list {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mustJSON(list []string) datatypes.JSON {
	raw, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
