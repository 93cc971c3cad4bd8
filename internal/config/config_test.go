package config

import (
	"strings"
	"testing"
	"time"

	"github.com/punchamoorthee/tokenfaucet/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("ENVIRONMENT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Env != "development" || cfg.DBSource != "" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if u := cfg.Limits[domain.RoleUser]; u.DefaultAmount != 100 || u.MaxDaily != 300 {
		t.Fatalf("user limits = %+v", u)
	}
	if cfg.Limits[domain.RoleAdmin].Capped() {
		t.Fatal("admin should be uncapped by default")
	}
	if cfg.Worker.VisibilityTimeout != time.Minute {
		t.Fatalf("visibility = %s", cfg.Worker.VisibilityTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LIMIT_USER_DEFAULT", "5")
	t.Setenv("LIMIT_USER_MAX_SINGLE", "10")
	t.Setenv("LIMIT_USER_DAILY_CAP", "30")
	t.Setenv("PRIVILEGED_DOMAINS", "example.org, corp.example ,")
	t.Setenv("WORKER_BACKOFF_BASE", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %s", cfg.Port)
	}
	if u := cfg.Limits[domain.RoleUser]; u.DefaultAmount != 5 || u.MaxSingle != 10 || u.MaxDaily != 30 {
		t.Fatalf("user limits = %+v", u)
	}
	if len(cfg.PrivilegedDomains) != 2 || cfg.PrivilegedDomains[1] != "corp.example" {
		t.Fatalf("domains = %q", cfg.PrivilegedDomains)
	}
	if cfg.Worker.BackoffBase != 500*time.Millisecond {
		t.Fatalf("backoff base = %s", cfg.Worker.BackoffBase)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"production needs a database", map[string]string{"ENVIRONMENT": "production", "DB_SOURCE": ""}, "DB_SOURCE"},
		{"bad duration", map[string]string{"WORKER_POLL_INTERVAL": "soon"}, "WORKER_POLL_INTERVAL"},
		{"bad port", map[string]string{"SERVER_PORT": "http"}, "SERVER_PORT"},
		{"default above single", map[string]string{"LIMIT_USER_DEFAULT": "500"}, "limits"},
		{"short lease", map[string]string{"WORKER_VISIBILITY_TIMEOUT": "5s"}, "WORKER_VISIBILITY_TIMEOUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
