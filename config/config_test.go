package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadLayersFileAndEnvironment(t *testing.T) {
	fsys := afero.NewMemMapFs()
	yamlDoc := `
provider: openai
models:
  standard: gpt-5
first_byte_timeout: 30s
dispatch:
  workers: 8
verify:
  policy:
    reference: hard
store:
  backend: sqlite
  sqlite_path: /tmp/patchpilot.db
`
	if err := afero.WriteFile(fsys, "/etc/patchpilot.yaml", []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFs(fsys, "/etc/patchpilot.yaml", map[string]string{
		"PATCHPILOT_DISPATCH_WORKERS": "2",
		"PATCHPILOT_MODEL_DEEP":       "o3",
		"PATCHPILOT_LOOP_NUDGES":      "1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider != "openai" || cfg.Models.Standard != "gpt-5" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.FirstByteTimeout != 30*time.Second {
		t.Errorf("first byte timeout = %v", cfg.FirstByteTimeout)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Errorf("environment should override the file: workers = %d", cfg.Dispatch.Workers)
	}
	if cfg.Models.Deep != "o3" || cfg.Loop.Nudges != 1 {
		t.Errorf("environment values not applied: %+v", cfg)
	}
	if cfg.Models.Fast != "claude-haiku-4-5" || cfg.Dispatch.LookupHardLimit != 14 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.Verify.Policy["reference"] != "hard" {
		t.Errorf("policy = %v", cfg.Verify.Policy)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "/tmp/patchpilot.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	fsys := afero.NewMemMapFs()
	tests := map[string]map[string]string{
		"backend":       {"PATCHPILOT_STORE_BACKEND": "redis"},
		"sqlite path":   {"PATCHPILOT_STORE_BACKEND": "sqlite"},
		"lookup limits": {"PATCHPILOT_DISPATCH_LOOKUP_SOFT_LIMIT": "20"},
		"policy level":  {"PATCHPILOT_VERIFY_POLICY": "syntax:fatal"},
		"tokenizer":     {"PATCHPILOT_TOKENIZER": "words"},
		"budget":        {"PATCHPILOT_LOOP_MESSAGE_BUDGET": "1.5"},
		"bad duration":  {"PATCHPILOT_FIRST_BYTE_TIMEOUT": "soon"},
		"short budget":  {"PATCHPILOT_EXECUTION_BUDGET": "30s"},
		"resumes":       {"PATCHPILOT_MAX_RESUMES": "-1"},
	}
	for name, environ := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFs(fsys, "", environ); err == nil {
				t.Errorf("expected an error for %v", environ)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFs(afero.NewMemMapFs(), "/nope.yaml", map[string]string{})
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("error = %v", err)
	}
}
