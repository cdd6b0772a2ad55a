package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Services.ValidationURL != "http://localhost:9000" || cfg.Services.MappingURL != "http://localhost:8000" {
		t.Fatalf("unexpected service defaults %+v", cfg.Services)
	}
	if cfg.Defaults.Customer != "DefaultCustomer" || cfg.Defaults.Instance != "DefaultInstance" {
		t.Fatalf("unexpected defaults %+v", cfg.Defaults)
	}
	if cfg.Mapping.ChipIncrement != 10 {
		t.Fatalf("expected chip increment 10, got %d", cfg.Mapping.ChipIncrement)
	}
	if cfg.Timeout() != 120*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Timeout())
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
services:
  validation_url: https://validate.example.com
defaults:
  component: Worker
webhooks:
  - id: ci
    url: https://hooks.example.com/nlr
    events: [preview.succeeded]
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Services.ValidationURL != "https://validate.example.com" {
		t.Fatalf("override not applied: %+v", cfg.Services)
	}
	if cfg.Services.BackendURL != "http://localhost:8000" {
		t.Fatalf("default lost: %+v", cfg.Services)
	}
	if cfg.Defaults.Component != "Worker" || cfg.Defaults.Customer != "DefaultCustomer" {
		t.Fatalf("unexpected defaults %+v", cfg.Defaults)
	}
	if len(cfg.Webhooks) != 1 || !cfg.Webhooks[0].IsEnabled() {
		t.Fatalf("unexpected webhooks %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"relative url":   "services:\n  validation_url: /validate\n",
		"bad pattern":    "ingest:\n  placeholder_patterns: ['(']\n",
		"webhook no id":  "webhooks:\n  - url: http://x.example.com\n",
		"empty customer": "defaults:\n  customer: \"\"\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "nlr config init") {
		t.Fatalf("expected hint in error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: %v", err)
	}
}
