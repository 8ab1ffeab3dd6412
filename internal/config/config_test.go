package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
port: "8080"
logLevel: info
databaseURL: postgres://localhost/vachak
minioEndpoint: localhost:9000
minioAccessKey: access
minioSecretKey: secret
minioBucket: books
redisAddr: localhost:6379
ocrURL: https://api.ocr.example/parse/imageurl
ocrAPIKey: ocr-key
ttsURL: https://tts.example
authJWKSURL: https://auth.example/.well-known/jwks.json
pagesPerChunk: 3
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" || cfg.PagesPerChunk != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db.internal/vachak")
	t.Setenv("OCR_API_KEY", "env-key")
	t.Setenv("VACHAK_PAGES_PER_CHUNK", "5")
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabaseURL != "postgres://db.internal/vachak" {
		t.Fatalf("DatabaseURL = %q, want env override", cfg.DatabaseURL)
	}
	if cfg.OCRAPIKey != "env-key" {
		t.Fatalf("OCRAPIKey = %q, want env override", cfg.OCRAPIKey)
	}
	if cfg.PagesPerChunk != 5 {
		t.Fatalf("PagesPerChunk = %d, want 5", cfg.PagesPerChunk)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	_, err := Load(writeConfig(t, "port: \"8080\"\n"))
	if err == nil {
		t.Fatalf("Load() error = nil, want validation failure")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() error = nil, want read failure")
	}
}
