package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Story     StoryConfig     `json:"story"`
	Memory    MemoryConfig    `json:"memory"`
	Graph     GraphConfig     `json:"graph"`
	Providers ProvidersConfig `json:"providers"`
	mu        sync.RWMutex
}

type StoryConfig struct {
	Workspace        string `json:"workspace" env:"FABLE_STORY_WORKSPACE"`
	ScenesPerEpisode int    `json:"scenes_per_episode" env:"FABLE_STORY_SCENES_PER_EPISODE"`
}

type MemoryConfig struct {
	MaxContextTokens    int     `json:"max_context_tokens" env:"FABLE_MEMORY_MAX_CONTEXT_TOKENS"`
	TopKPerEntity       int     `json:"top_k_per_entity" env:"FABLE_MEMORY_TOP_K_PER_ENTITY"`
	CompactionThreshold int     `json:"compaction_threshold" env:"FABLE_MEMORY_COMPACTION_THRESHOLD"`
	CompactionKeep      int     `json:"compaction_keep" env:"FABLE_MEMORY_COMPACTION_KEEP"`
	DecayHalfLife       float64 `json:"decay_half_life" env:"FABLE_MEMORY_DECAY_HALF_LIFE"`
	RecencyHalfLife     float64 `json:"recency_half_life" env:"FABLE_MEMORY_RECENCY_HALF_LIFE"`
	WeightSimilarity    float64 `json:"weight_similarity" env:"FABLE_MEMORY_WEIGHT_SIMILARITY"`
	WeightImportance    float64 `json:"weight_importance" env:"FABLE_MEMORY_WEIGHT_IMPORTANCE"`
	WeightRecency       float64 `json:"weight_recency" env:"FABLE_MEMORY_WEIGHT_RECENCY"`
	WeightCentrality    float64 `json:"weight_centrality" env:"FABLE_MEMORY_WEIGHT_CENTRALITY"`
	CacheSeconds        int     `json:"cache_seconds" env:"FABLE_MEMORY_CACHE_SECONDS"`
	WorkerPollMS        int     `json:"worker_poll_ms" env:"FABLE_MEMORY_WORKER_POLL_MS"`
	WorkerLeaseSeconds  int     `json:"worker_lease_seconds" env:"FABLE_MEMORY_WORKER_LEASE_SECONDS"`
	RetentionCron       string  `json:"retention_cron" env:"FABLE_MEMORY_RETENTION_CRON"`
	PurgeEnabled        bool    `json:"purge_enabled" env:"FABLE_MEMORY_PURGE_ENABLED"`
	PurgeHorizonDays    int     `json:"purge_horizon_days" env:"FABLE_MEMORY_PURGE_HORIZON_DAYS"`
	EmbeddingModel      string  `json:"embedding_model" env:"FABLE_MEMORY_EMBEDDING_MODEL"`
}

type GraphConfig struct {
	// Backend selects "memory" (GraphML checkpoint) or "neo4j".
	Backend  string  `json:"backend" env:"FABLE_GRAPH_BACKEND"`
	Decay    float64 `json:"decay" env:"FABLE_GRAPH_DECAY"`
	MaxHops  int     `json:"max_hops" env:"FABLE_GRAPH_MAX_HOPS"`
	URI      string  `json:"uri" env:"FABLE_GRAPH_URI"`
	Username string  `json:"username" env:"FABLE_GRAPH_USERNAME"`
	Password string  `json:"password" env:"FABLE_GRAPH_PASSWORD"`
	Database string  `json:"database" env:"FABLE_GRAPH_DATABASE"`
}

type ProvidersConfig struct {
	OpenAI OpenAIConfig `json:"openai"`
}

type OpenAIConfig struct {
	APIKey         string  `json:"api_key" env:"FABLE_PROVIDERS_OPENAI_API_KEY"`
	APIBase        string  `json:"api_base" env:"FABLE_PROVIDERS_OPENAI_API_BASE"`
	Model          string  `json:"model" env:"FABLE_PROVIDERS_OPENAI_MODEL"`
	EmbeddingModel string  `json:"embedding_model" env:"FABLE_PROVIDERS_OPENAI_EMBEDDING_MODEL"`
	Temperature    float64 `json:"temperature" env:"FABLE_PROVIDERS_OPENAI_TEMPERATURE"`
}

func DefaultConfig() *Config {
	return &Config{
		Story: StoryConfig{
			Workspace:        "~/.fable/workspace",
			ScenesPerEpisode: 4,
		},
		Memory: MemoryConfig{
			MaxContextTokens:    4096,
			TopKPerEntity:       5,
			CompactionThreshold: 64,
			CompactionKeep:      32,
			DecayHalfLife:       8,
			RecencyHalfLife:     6,
			WeightSimilarity:    0.5,
			WeightImportance:    0.2,
			WeightRecency:       0.2,
			WeightCentrality:    0.1,
			CacheSeconds:        300,
			WorkerPollMS:        700,
			WorkerLeaseSeconds:  60,
			RetentionCron:       "0 4 * * *",
			PurgeEnabled:        false,
			PurgeHorizonDays:    90,
			EmbeddingModel:      "fable-chargram-384-v1",
		},
		Graph: GraphConfig{
			Backend: "memory",
			Decay:   0.9,
			MaxHops: 2,
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				Model:          "gpt-4o-mini",
				EmbeddingModel: "text-embedding-3-small",
				Temperature:    0.5,
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Story.Workspace)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
