package minions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"minionforge_back/llm"
	"minionforge_back/progression"
)

// ErrNotFound is returned when a minion id does not exist.
var ErrNotFound = errors.New("minions: minion not found")

// Service owns all minion persistence: CRUD, the RAG-config gate used by
// training, and atomic XP awards.
type Service struct {
	db     *gorm.DB
	sealer *keySealer
}

func NewService(db *gorm.DB, sealer *keySealer) *Service {
	return &Service{db: db, sealer: sealer}
}

// NewServiceFromEnv opens the database, runs migrations, and wires the key
// sealer.
func NewServiceFromEnv() (*Service, error) {
	db, err := OpenDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	return NewServiceWithDB(db)
}

// NewServiceWithDB runs migrations on an already opened database and wires
// the key sealer from the environment.
func NewServiceWithDB(db *gorm.DB) (*Service, error) {
	if err := db.AutoMigrate(&Minion{}); err != nil {
		return nil, fmt.Errorf("minions: migrate: %w", err)
	}
	sealer, err := newKeySealerFromEnv()
	if err != nil {
		return nil, err
	}
	return NewService(db, sealer), nil
}

func (s *Service) DB() *gorm.DB {
	return s.db
}

func (s *Service) Get(ctx context.Context, id uint64) (*Minion, error) {
	var m Minion
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("minions: load minion %d: %w", id, err)
	}
	return &m, nil
}

func (s *Service) Create(ctx context.Context, m *Minion, apiKey string) error {
	if apiKey != "" {
		sealed, err := s.sealer.Seal(apiKey)
		if err != nil {
			return err
		}
		m.APIKeySealed = &sealed
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("minions: create minion: %w", err)
	}
	return nil
}

func (s *Service) Save(ctx context.Context, m *Minion) error {
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("minions: save minion %d: %w", m.ID, err)
	}
	return nil
}

func (s *Service) SetAPIKey(ctx context.Context, id uint64, apiKey string) error {
	sealed, err := s.sealer.Seal(apiKey)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&Minion{}).Where("id = ?", id).Update("api_key_sealed", sealed)
	if result.Error != nil {
		return fmt.Errorf("minions: update api key for %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ModelConfig unseals the minion's credentials and assembles the completion
// config for one call.
func (s *Service) ModelConfig(m *Minion) (llm.ModelConfig, error) {
	cfg := llm.ModelConfig{
		Provider:    m.Provider,
		ModelID:     m.ModelID,
		MaxTokens:   m.MaxTokens,
		Temperature: m.Temperature,
		TopP:        m.TopP,
	}
	if m.BaseURL != nil {
		cfg.BaseURL = strings.TrimSpace(*m.BaseURL)
	}
	if m.SystemPrompt != nil {
		cfg.SystemPrompt = *m.SystemPrompt
	}
	if m.APIKeySealed != nil {
		key, err := s.sealer.Open(*m.APIKeySealed)
		if err != nil {
			return llm.ModelConfig{}, err
		}
		cfg.APIKey = key
	}
	return cfg, nil
}

// ApplyRAGConfig enables retrieval on the minion and records the collection
// produced by training. This runs in one transaction; training treats its
// failure as a hard pipeline failure.
func (s *Service) ApplyRAGConfig(ctx context.Context, id uint64, collectionName string, cfg RAGConfig) error {
	if strings.TrimSpace(collectionName) == "" {
		return errors.New("minions: collection name is required to apply RAG config")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m Minion
		if err := tx.First(&m, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		m.RagEnabled = true
		m.RagCollectionName = &collectionName
		if cfg.TopK > 0 {
			m.TopK = cfg.TopK
		}
		if cfg.SimilarityThreshold > 0 {
			m.SimilarityThreshold = cfg.SimilarityThreshold
		}
		if cfg.RetrievalMethod != "" {
			m.RetrievalMethod = cfg.RetrievalMethod
		}
		m.EnableSourceCitation = cfg.EnableSourceCitation
		if cfg.EmbeddingModel != "" {
			m.EmbeddingModel = cfg.EmbeddingModel
		}
		if cfg.ChunkSize > 0 {
			m.ChunkSize = cfg.ChunkSize
		}
		if cfg.ChunkOverlap > 0 {
			m.ChunkOverlap = cfg.ChunkOverlap
		}
		return tx.Save(&m).Error
	})
}

// AwardTrainingXP adds training XP and recomputes level and rank inside one
// transaction.
func (s *Service) AwardTrainingXP(ctx context.Context, id uint64, xp int) (progression.LevelUpInfo, error) {
	var info progression.LevelUpInfo
	if xp <= 0 {
		return info, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m Minion
		if err := tx.First(&m, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		oldTotal := m.TotalXP()
		m.TotalTrainingXP += xp
		m.LastTrainingXP = xp
		info = applyProgression(&m, oldTotal)
		return tx.Save(&m).Error
	})
	return info, err
}

// AwardUsageXP adds chat-usage XP respecting the daily cap. It returns the
// XP actually granted, which may be less than earned when the cap is hit.
func (s *Service) AwardUsageXP(ctx context.Context, id uint64, apiCalls int, successRate float64) (int, error) {
	earned := progression.UsageXP(apiCalls, successRate)
	if earned == 0 {
		return 0, nil
	}

	awarded := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m Minion
		if err := tx.First(&m, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		today := time.Now().UTC().Format("2006-01-02")
		if m.UsageXPDay != today {
			m.UsageXPDay = today
			m.UsageXPToday = 0
		}

		remaining := progression.UsageXPDailyCap - m.UsageXPToday
		if remaining <= 0 {
			return nil
		}
		awarded = earned
		if awarded > remaining {
			awarded = remaining
		}

		oldTotal := m.TotalXP()
		m.TotalUsageXP += awarded
		m.UsageXPToday += awarded
		applyProgression(&m, oldTotal)
		return tx.Save(&m).Error
	})
	return awarded, err
}

// applyProgression refreshes the derived progression columns from total XP.
func applyProgression(m *Minion, oldTotal int) progression.LevelUpInfo {
	info := progression.CheckLevelUp(oldTotal, m.TotalXP())
	p := progression.Progress(m.TotalXP())

	m.Level = p.CurrentLevel
	m.Rank = p.RankName
	m.RankLevel = p.RankLevel
	m.XPToNextLevel = p.XPToNextLevel
	if info.LeveledUp {
		m.LevelUpCount += info.NewLevel - info.OldLevel
	}
	if info.RankedUp {
		m.RankUpCount += info.NewRank - info.OldRank
	}
	return info
}
