package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "valter.config")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const validConfig = `
GLOBAL:
  company_name: Acme Corp
  currency_symbol: "$"
  locale: en-US
CLOUDS:
  - name: Client
    icon: building
    fields:
      - key: name
        type: string
        required: true
ISLANDS:
  - name: Project
    root_path: ./p/*
    meta_file: meta.yaml
    relations:
      - field: client
        target_cloud: Client
    aggregations:
      - name: total
        path: bills/*.yaml
        target_field: amount
        logic: Sum
`

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Global.Port != 8000 {
		t.Errorf("expected default port 8000, got %d", cfg.Global.Port)
	}
	if len(cfg.Global.DeepScanExtensions) != 3 {
		t.Errorf("expected default deep-scan extensions, got %v", cfg.Global.DeepScanExtensions)
	}
	if len(cfg.Clouds) != 1 || cfg.Clouds[0].Name != "Client" {
		t.Fatalf("unexpected clouds: %+v", cfg.Clouds)
	}
	if cfg.Clouds[0].KeyField() != "name" {
		t.Errorf("expected key field 'name', got %q", cfg.Clouds[0].KeyField())
	}
	if len(cfg.Islands) != 1 || cfg.Islands[0].Name != "Project" {
		t.Fatalf("unexpected islands: %+v", cfg.Islands)
	}
	if cfg.Islands[0].BaseDir() != "./p" {
		t.Errorf("expected base dir './p', got %q", cfg.Islands[0].BaseDir())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.config"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_SyntaxError(t *testing.T) {
	path := writeConfig(t, "GLOBAL: [this is not a mapping")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_UnknownRelationTarget(t *testing.T) {
	path := writeConfig(t, `
GLOBAL:
  company_name: Acme Corp
CLOUDS:
  - name: Client
    fields:
      - key: name
        type: string
ISLANDS:
  - name: Project
    root_path: ./p/*
    meta_file: meta.yaml
    relations:
      - field: client
        target_cloud: Ghost
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for unknown target_cloud")
	}
}

func TestValidate_UnknownFieldType(t *testing.T) {
	path := writeConfig(t, `
GLOBAL:
  company_name: Acme Corp
CLOUDS:
  - name: Client
    fields:
      - key: name
        type: object
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for unknown field type")
	}
}

func TestValidate_DuplicateCloudName(t *testing.T) {
	path := writeConfig(t, `
GLOBAL:
  company_name: Acme Corp
CLOUDS:
  - name: Client
    fields: []
  - name: Client
    fields: []
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for duplicate cloud name")
	}
}

func TestIslandByMetaFile_MatchesOwningRootStem(t *testing.T) {
	cfg := &Config{
		Islands: []Island{
			{Name: "A", RootPath: "./p/*", MetaFile: "meta.yaml"},
			{Name: "B", RootPath: "./q/*", MetaFile: "meta.yaml"},
		},
	}

	is, ok := cfg.IslandByMetaFile("meta.yaml", "./q/alpha/meta.yaml")
	if !ok || is.Name != "B" {
		t.Fatalf("expected match against B, got %+v ok=%v", is, ok)
	}

	_, ok = cfg.IslandByMetaFile("meta.yaml", "/home/proj/elsewhere/meta.yaml")
	if ok {
		t.Fatal("expected no match outside any island root")
	}
}

func TestIsDeepScanExtension(t *testing.T) {
	cfg := &Config{Global: Global{DeepScanExtensions: []string{".yaml", ".md"}}}
	if !cfg.IsDeepScanExtension(".yaml") {
		t.Error("expected .yaml to be a deep-scan extension")
	}
	if cfg.IsDeepScanExtension(".json") {
		t.Error("did not expect .json to be a deep-scan extension")
	}
}
