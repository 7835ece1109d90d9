package cmn

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestGCODefaultsAreSane(t *testing.T) {
	c := DefaultConfig()
	if c.DefaultConcurrency <= 0 {
		t.Fatal("default concurrency must be positive")
	}
	if c.WriteBlockSize <= 0 {
		t.Fatal("default write block size must be positive")
	}
	if c.CancelForceGrace <= 0 || c.CancelPollInterval <= 0 {
		t.Fatal("cancel timing defaults must be positive")
	}
}

func TestPutGCORoundTrips(t *testing.T) {
	orig := GCO()
	defer PutGCO(orig)

	clone := *orig
	clone.DefaultConcurrency = 99
	PutGCO(&clone)

	if GCO().DefaultConcurrency != 99 {
		t.Fatalf("GCO() after PutGCO = %d, want 99", GCO().DefaultConcurrency)
	}
}

func TestLoadConfigFileMissingIsNotError(t *testing.T) {
	if err := LoadConfigFile(filepath.Join(t.TempDir(), "does-not-exist.json")); err != nil {
		t.Fatalf("missing config file must not be an error, got %v", err)
	}
}

func TestLoadConfigFileAppliesOverridesAndBumpsVersion(t *testing.T) {
	orig := GCO()
	defer PutGCO(orig)

	startVersion := GCO().Version
	path := filepath.Join(t.TempDir(), "flashd.json")
	body, _ := json.Marshal(map[string]any{"default_concurrency": 7})
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := LoadConfigFile(path); err != nil {
		t.Fatalf("LoadConfigFile() error = %v", err)
	}
	if GCO().DefaultConcurrency != 7 {
		t.Fatalf("DefaultConcurrency = %d, want 7", GCO().DefaultConcurrency)
	}
	if GCO().Version != startVersion+1 {
		t.Fatalf("Version = %d, want %d", GCO().Version, startVersion+1)
	}
}
