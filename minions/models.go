package minions

import (
	"time"

	"gorm.io/datatypes"
)

// Minion is a user-owned AI agent: provider credentials, generation
// parameters, the RAG configuration applied by training, and its progression
// state. Level, rank, and rank level are always recomputed from total XP.
type Minion struct {
	ID          uint64  `gorm:"primaryKey" json:"id"`
	UserID      uint64  `gorm:"not null;index" json:"user_id"`
	Name        string  `gorm:"size:255;not null" json:"name"`
	DisplayName string  `gorm:"size:255;not null" json:"display_name"`
	Description *string `gorm:"type:text" json:"description,omitempty"`
	Title       string  `gorm:"size:255;not null;default:'AI Assistant'" json:"title"`

	Provider      string         `gorm:"size:50;not null" json:"provider"`
	ModelID       string         `gorm:"size:255;not null" json:"model_id"`
	APIKeySealed  *string        `gorm:"size:1024" json:"-"`
	BaseURL       *string        `gorm:"size:500" json:"base_url,omitempty"`
	MaxTokens     int            `gorm:"not null;default:4096" json:"max_tokens"`
	Temperature   float64        `gorm:"not null;default:0.7" json:"temperature"`
	TopP          float64        `gorm:"not null;default:0.9" json:"top_p"`
	ContextLength *int           `json:"context_length,omitempty"`
	SystemPrompt  *string        `gorm:"type:text" json:"system_prompt,omitempty"`
	Capabilities  datatypes.JSON `gorm:"type:json" json:"capabilities,omitempty"`
	Tags          datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`

	RagEnabled           bool    `gorm:"not null;default:false" json:"rag_enabled"`
	RagCollectionName    *string `gorm:"size:255" json:"rag_collection_name,omitempty"`
	TopK                 int     `gorm:"not null;default:5" json:"top_k"`
	SimilarityThreshold  float64 `gorm:"not null;default:0.7" json:"similarity_threshold"`
	RetrievalMethod      string  `gorm:"size:50;not null;default:'hybrid'" json:"retrieval_method"`
	EnableSourceCitation bool    `gorm:"not null;default:false" json:"enable_source_citation"`
	EmbeddingModel       string  `gorm:"size:100;not null;default:''" json:"embedding_model"`
	ChunkSize            int     `gorm:"not null;default:1000" json:"chunk_size"`
	ChunkOverlap         int     `gorm:"not null;default:100" json:"chunk_overlap"`

	Level           int            `gorm:"not null;default:1" json:"level"`
	Rank            string         `gorm:"size:100;not null;default:'Novice'" json:"rank"`
	RankLevel       int            `gorm:"not null;default:1" json:"rank_level"`
	TotalTrainingXP int            `gorm:"not null;default:0" json:"total_training_xp"`
	TotalUsageXP    int            `gorm:"not null;default:0" json:"total_usage_xp"`
	XPToNextLevel   int            `gorm:"not null;default:100" json:"xp_to_next_level"`
	LastTrainingXP  int            `gorm:"not null;default:0" json:"last_training_xp"`
	LevelUpCount    int            `gorm:"not null;default:0" json:"level_up_count"`
	RankUpCount     int            `gorm:"not null;default:0" json:"rank_up_count"`
	Skillsets       datatypes.JSON `gorm:"type:json" json:"skillsets,omitempty"`
	UsageXPToday    int            `gorm:"not null;default:0" json:"usage_xp_today"`
	UsageXPDay      string         `gorm:"size:10;not null;default:''" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Minion) TableName() string {
	return "minions"
}

// TotalXP is the progression input: training plus usage XP.
func (m Minion) TotalXP() int {
	return m.TotalTrainingXP + m.TotalUsageXP
}

// RAGConfig is the retrieval configuration a training job applies to its
// minion on success. Zero values mean "keep the minion's current setting".
type RAGConfig struct {
	CollectionName        string  `json:"collection_name,omitempty"`
	KnowledgeBaseStrategy string  `json:"knowledge_base_strategy,omitempty"`
	TopK                  int     `json:"top_k,omitempty"`
	SimilarityThreshold   float64 `json:"similarity_threshold,omitempty"`
	RetrievalMethod       string  `json:"retrieval_method,omitempty"`
	EnableSourceCitation  bool    `json:"enable_source_citation"`
	EmbeddingModel        string  `json:"embedding_model,omitempty"`
	ChunkSize             int     `json:"chunk_size,omitempty"`
	ChunkOverlap          int     `json:"chunk_overlap,omitempty"`
}
