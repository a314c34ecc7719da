package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.MaxContextTokens != 4096 {
		t.Fatalf("default max context tokens = %d", cfg.Memory.MaxContextTokens)
	}
	if cfg.Graph.Backend != "memory" {
		t.Fatalf("default graph backend = %q", cfg.Graph.Backend)
	}
	if cfg.Memory.PurgeEnabled {
		t.Fatalf("retention purge must default to off")
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
  "memory": {"max_context_tokens": 8192, "compaction_threshold": 32},
  "graph": {"backend": "neo4j", "uri": "bolt://localhost:7687"}
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.MaxContextTokens != 8192 || cfg.Memory.CompactionThreshold != 32 {
		t.Fatalf("file overrides not applied: %+v", cfg.Memory)
	}
	if cfg.Graph.Backend != "neo4j" || cfg.Graph.URI != "bolt://localhost:7687" {
		t.Fatalf("graph overrides not applied: %+v", cfg.Graph)
	}
	// Untouched keys keep their defaults.
	if cfg.Memory.TopKPerEntity != 5 {
		t.Fatalf("default lost on partial override: %+v", cfg.Memory)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"memory": {"max_context_tokens": 2048}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("FABLE_MEMORY_MAX_CONTEXT_TOKENS", "16384")
	t.Setenv("FABLE_GRAPH_BACKEND", "neo4j")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.MaxContextTokens != 16384 {
		t.Fatalf("env should win over file: %d", cfg.Memory.MaxContextTokens)
	}
	if cfg.Graph.Backend != "neo4j" {
		t.Fatalf("env override not applied: %q", cfg.Graph.Backend)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Memory.CompactionThreshold = 42

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Memory.CompactionThreshold != 42 {
		t.Fatalf("round trip lost value: %d", loaded.Memory.CompactionThreshold)
	}
}

func TestWorkspacePath_ExpandsHome(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.WorkspacePath()
	if got == "" || got[0] == '~' {
		t.Fatalf("workspace path not expanded: %q", got)
	}
}
