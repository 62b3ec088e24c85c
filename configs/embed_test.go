package configs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/user/termbridge/internal/config"
)

func TestExampleLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, Example, 0o600); err != nil {
		t.Fatalf("write example: %v", err)
	}
	cfg, err := config.Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load(example) error = %v", err)
	}
	def := config.Default()
	if cfg.Port != def.Port || cfg.Debounce != def.Debounce || cfg.HistoryBytes != def.HistoryBytes {
		t.Fatalf("example drifted from defaults: %+v", cfg)
	}
}
