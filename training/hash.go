package training

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"minionforge_back/minions"
)

// ConfigHash fingerprints a training setup. Dataset identifiers are sorted
// first so submission order never changes the hash.
func ConfigHash(cfg minions.RAGConfig, datasetIDs []string) string {
	sorted := append([]string(nil), datasetIDs...)
	sort.Strings(sorted)

	payload := struct {
		RAGConfig minions.RAGConfig `json:"rag_config"`
		Datasets  []string          `json:"datasets"`
	}{RAGConfig: cfg, Datasets: sorted}

	serialized, err := json.Marshal(payload)
	if err != nil {
		serialized = []byte{}
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

// Fingerprint shortens a config hash for display in status payloads.
func Fingerprint(configHash string) string {
	if configHash == "" {
		return "unknown"
	}
	if len(configHash) <= 8 {
		return configHash
	}
	return configHash[:8]
}
