package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "sqlitePath: registry.db\njwtSecret: "+secret+"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.SessionStore != "jwt" || cfg.StorageBackend != "local" || cfg.Notifier != "log" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.StorageDir != "uploads" || cfg.MaxUploadMB != 20 {
		t.Fatalf("unexpected storage defaults: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "port: \"9000\"\nsqlitePath: registry.db\njwtSecret: short\n")
	t.Setenv("JWT_SECRET", secret)
	t.Setenv("DATABASE_URL", "postgres://registry@localhost/registry")
	t.Setenv("REGISTRY_LOGIN_RATE_LIMIT_PER_MINUTE", "7")
	t.Setenv("REGISTRY_NOTIFY_QUEUE", "true")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9000" || cfg.JWTSecret != secret || cfg.DatabaseURL == "" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.LoginRateLimitPerMinute != 7 || !cfg.NotifyQueue {
		t.Fatalf("numeric and bool overrides not applied: %+v", cfg)
	}
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	t.Setenv("REGISTRY_SQLITE_PATH", "registry.db")
	t.Setenv("JWT_SECRET", secret)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]string{
		"no database":          "jwtSecret: " + secret + "\n",
		"short secret":         "sqlitePath: x.db\njwtSecret: short\n",
		"redis sessions":       "sqlitePath: x.db\nsessionStore: redis\n",
		"unknown notifier":     "sqlitePath: x.db\njwtSecret: " + secret + "\nnotifier: pigeon\n",
		"smtp without host":    "sqlitePath: x.db\njwtSecret: " + secret + "\nnotifier: smtp\n",
		"minio without bucket": "sqlitePath: x.db\njwtSecret: " + secret + "\nstorageBackend: minio\n",
		"negative limit":       "sqlitePath: x.db\njwtSecret: " + secret + "\nloginRateLimitPerMinute: -1\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration("sessionTTL", ""); err != nil || d != 0 {
		t.Fatalf("empty duration: %v %v", d, err)
	}
	if d, err := ParseDuration("sessionTTL", "90m"); err != nil || d != 90*time.Minute {
		t.Fatalf("unexpected duration: %v %v", d, err)
	}
	if _, err := ParseDuration("sessionTTL", "soon"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" 10.0.0.0/8, ,127.0.0.1 ")
	if len(got) != 2 || got[0] != "10.0.0.0/8" || got[1] != "127.0.0.1" {
		t.Fatalf("unexpected proxies: %v", got)
	}
}
