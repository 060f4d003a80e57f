package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"medledger/internal/config"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
	if cfg.Auth.JWTSecret != "" || cfg.Verification.Secret != "" {
		t.Fatal("secrets must not default")
	}
}

func TestLoadParsesFileAndEnvOverridesSecrets(t *testing.T) {
	dir := t.TempDir()
	doc := `
ledger:
  id: plant-7
server:
  base_path: /api
auth:
  jwt_secret: file-secret
verification:
  secret: file-verify
webhooks:
  - url: https://hooks.example.test/recalls
    statuses: [Recalled]
    secret: hook-secret
`
	if err := os.WriteFile(filepath.Join(dir, "medledger.yml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEDLEDGER_JWT_SECRET", "env-secret")
	t.Setenv("MEDLEDGER_VERIFY_SECRET", "")

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.ID != "plant-7" || cfg.Server.BasePath != "/api" {
		t.Fatalf("file values: %+v", cfg)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("env must override file secret, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Verification.Secret != "file-verify" {
		t.Fatalf("empty env must not clobber file secret, got %q", cfg.Verification.Secret)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Statuses[0] != "Recalled" {
		t.Fatalf("webhooks: %+v", cfg.Webhooks)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for _, doc := range []string{
		"server:\n  base_path: v0\n",
		"webhooks:\n  - url: \"\"\n",
		"webhooks:\n  - url: https://x.test\n    timeout_seconds: -1\n",
	} {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Errorf("expected rejection of %q", doc)
		}
	}
}
