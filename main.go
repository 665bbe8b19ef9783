package main

import (
	"log"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"minionforge_back/knowledge"
	"minionforge_back/llm"
	"minionforge_back/minions"
	"minionforge_back/storage"
	"minionforge_back/training"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

// knowledgeStoreFromEnv prefers Qdrant and falls back to the in-process
// store so the service still works in local development.
func knowledgeStoreFromEnv() knowledge.Store {
	store, err := knowledge.NewQdrantStoreFromEnv()
	if err != nil {
		log.Printf("main: qdrant unavailable, using in-memory knowledge store: %v", err)
		return knowledge.NewMemoryStore()
	}
	return store
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.Default())

	minionSvc, err := minions.NewServiceFromEnv()
	if err != nil {
		log.Fatalf("init minion service: %v", err)
	}

	kb := knowledgeStoreFromEnv()
	completer := llm.NewClient()

	files, err := storage.NewDatasetStorageFromEnv()
	if err != nil {
		log.Fatalf("init dataset storage: %v", err)
	}
	if files == nil {
		log.Printf("main: dataset storage not configured, file uploads disabled")
	}

	minions.RegisterRoutes(r, minionSvc, kb, completer)

	if _, err := training.RegisterRoutes(r, minionSvc, kb, completer, files); err != nil {
		log.Fatalf("register training routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
