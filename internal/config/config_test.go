package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDynamicURLGeneration(t *testing.T) {
	os.Setenv("TEST_PRIMARY_KEY", "test-primary-key")
	os.Setenv("TEST_HELIUS_KEY", "test-helius-key")
	defer os.Unsetenv("TEST_PRIMARY_KEY")
	defer os.Unsetenv("TEST_HELIUS_KEY")

	content := `
rpc:
    primary_url: https://rpc.example.to
    fallback_url: https://mainnet.helius-rpc.com
    primary_api_key_env: TEST_PRIMARY_KEY
    fallback_api_key_env: TEST_HELIUS_KEY
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	primaryURL := m.GetPrimaryRPCURL()
	expectedPrimary := "https://rpc.example.to?api_key=test-primary-key"
	if primaryURL != expectedPrimary {
		t.Errorf("GetPrimaryRPCURL = %q, want %q", primaryURL, expectedPrimary)
	}

	fallbackURL := m.GetFallbackRPCURL()
	if !strings.Contains(fallbackURL, "https://mainnet.helius-rpc.com") || !strings.Contains(fallbackURL, "api-key=test-helius-key") {
		t.Errorf("GetFallbackRPCURL = %q, want it to contain base url and api key", fallbackURL)
	}
}

func TestDynamicURLGeneration_ExistingQueryParams(t *testing.T) {
	os.Setenv("TEST_PRIMARY_KEY2", "test-primary-key")
	defer os.Unsetenv("TEST_PRIMARY_KEY2")

	content := `
rpc:
    primary_url: https://rpc.example.to?param=value
    primary_api_key_env: TEST_PRIMARY_KEY2
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	primaryURL := m.GetPrimaryRPCURL()
	expectedPrimary := "https://rpc.example.to?param=value&api_key=test-primary-key"
	if primaryURL != expectedPrimary {
		t.Errorf("GetPrimaryRPCURL = %q, want %q", primaryURL, expectedPrimary)
	}
}

func TestURLInjection_NoEnvKey(t *testing.T) {
	content := `
rpc:
    primary_url: https://rpc.example.to
    primary_api_key_env: TEST_MISSING_KEY
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	os.Unsetenv("TEST_MISSING_KEY")

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	got := m.GetPrimaryRPCURL()
	want := "https://rpc.example.to"
	if got != want {
		t.Errorf("GetPrimaryRPCURL() = %q, want %q", got, want)
	}
}

func TestDefaultProfitTiersAndZones(t *testing.T) {
	content := `
wallet:
    base_mint: So11111111111111111111111111111111111111112
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := m.Get()
	if len(cfg.Risk.ProfitTiers) == 0 {
		t.Fatal("expected default profit tiers to be populated")
	}
	if len(cfg.Risk.TrailingZones) == 0 {
		t.Fatal("expected default trailing zones to be populated")
	}
	if cfg.Risk.MaxConcurrentPositions != 8 {
		t.Errorf("MaxConcurrentPositions = %d, want 8", cfg.Risk.MaxConcurrentPositions)
	}
}
