package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DOCSTORE_BACKEND", "")
	t.Setenv("RECONCILE_SEED_FROM_STORE", "")
	t.Setenv("MERGE_MAX_ATTEMPTS", "")

	cfg := Load()
	if cfg.DocstoreBackend != "memory" {
		t.Errorf("DocstoreBackend = %q, want memory", cfg.DocstoreBackend)
	}
	if !cfg.SeedFromStore {
		t.Error("SeedFromStore should default to true")
	}
	if cfg.MergeMaxAttempts != 5 {
		t.Errorf("MergeMaxAttempts = %d, want 5", cfg.MergeMaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("DOCSTORE_POLL_INTERVAL", "250ms")
	t.Setenv("RECONCILE_SEED_FROM_STORE", "false")
	t.Setenv("CATALOG_CONCURRENCY", "3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg := Load()
	if !cfg.Production() {
		t.Error("Production() = false for APP_ENV=prod")
	}
	if cfg.DocstorePoll != 250*time.Millisecond {
		t.Errorf("DocstorePoll = %s", cfg.DocstorePoll)
	}
	if cfg.SeedFromStore {
		t.Error("SeedFromStore should be false")
	}
	if cfg.CatalogConcurrency != 3 {
		t.Errorf("CatalogConcurrency = %d", cfg.CatalogConcurrency)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ACCESS_TTL", "soon")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")

	cfg := Load()
	if cfg.AccessTTL != 15*time.Minute {
		t.Errorf("AccessTTL = %s, want fallback", cfg.AccessTTL)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Errorf("RateLimitPerMin = %d, want fallback", cfg.RateLimitPerMin)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*App)
		wantErr bool
	}{
		{"unknown docstore", func(a *App) { a.DocstoreBackend = "mongo" }, true},
		{"firestore without project", func(a *App) { a.DocstoreBackend = "firestore"; a.FirebaseProjectID = "" }, true},
		{"firestore with project", func(a *App) { a.DocstoreBackend = "firestore"; a.FirebaseProjectID = "p" }, false},
		{"unknown queue", func(a *App) { a.QueueBackend = "kafka" }, true},
		{"jwt without key", func(a *App) { a.JWTSigningKey = "" }, true},
		{"unknown auth", func(a *App) { a.AuthMode = "basic" }, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := App{
				DocstoreBackend: "memory",
				QueueBackend:    "inline",
				AuthMode:        "jwt",
				JWTSigningKey:   "k",
			}
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
