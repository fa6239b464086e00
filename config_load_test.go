package capgate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig_YAMLOverDefaults(t *testing.T) {
	t.Setenv("TEST_GROQ_KEY", "gsk-from-env")
	data := `
upstream:
  credentials: ["${TEST_GROQ_KEY}", "gsk-2"]
quota:
  limit: 30
  window: 30s
queue:
  max_size: 50
`
	cfg, err := LoadConfig(writeTempFile(t, "capgate.yaml", data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Upstream.Credentials; len(got) != 2 || got[0] != "gsk-from-env" {
		t.Errorf("credentials = %v", got)
	}
	if cfg.Quota.Limit != 30 || cfg.Quota.Window.D() != 30*time.Second {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if cfg.Queue.MaxSize != 50 {
		t.Errorf("max_size = %d", cfg.Queue.MaxSize)
	}
	// untouched sections keep defaults
	if cfg.Queue.ResultTTL.D() != 5*time.Minute {
		t.Errorf("result_ttl = %s, want 5m", cfg.Queue.ResultTTL)
	}
	if len(cfg.Upstream.Modes) != 2 || cfg.Upstream.Modes[0].Name != ModePrimary {
		t.Errorf("modes = %+v", cfg.Upstream.Modes)
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Errorf("ValidateConfig: %v", err)
	}
}

func TestLoadConfig_JSONDurations(t *testing.T) {
	data := `{"upstream": {"credentials": ["k"], "timeout": 10}, "worker": {"idle_interval": "250ms"}}`
	cfg, err := LoadConfig(writeTempFile(t, "capgate.json", data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Upstream.Timeout.D() != 10*time.Second {
		t.Errorf("timeout = %s, want 10s", cfg.Upstream.Timeout)
	}
	if cfg.Worker.IdleInterval.D() != 250*time.Millisecond {
		t.Errorf("idle_interval = %s", cfg.Worker.IdleInterval)
	}
}

func TestLoadConfig_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Quota.Limit != 100 || cfg.Queue.MaxSize != 500 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	if _, err := LoadConfig("/tmp/does-not-exist-capgate-12345.yaml"); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	if _, err := LoadConfig(writeTempFile(t, "bad.yaml", "quota: [")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadConfig_BadDuration(t *testing.T) {
	if _, err := LoadConfig(writeTempFile(t, "bad.yaml", "quota:\n  window: soon\n")); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadConfig_UnsupportedExtension(t *testing.T) {
	if _, err := LoadConfig(writeTempFile(t, "config.toml", "x = 1")); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GROQ_API_KEYS", "a, b ,c")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("PORT", "9090")
	t.Setenv("CAPGATE_WORKERS", "4")

	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if strings.Join(cfg.Upstream.Credentials, ",") != "a,b,c" {
		t.Errorf("credentials = %v", cfg.Upstream.Credentials)
	}
	if cfg.Redis.Addr != "redis:6380" || cfg.Redis.DB != 3 {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Worker.Count != 4 {
		t.Errorf("workers = %d", cfg.Worker.Count)
	}
}

func TestApplyEnv_BadNumber(t *testing.T) {
	t.Setenv("REDIS_DB", "zero")
	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg); err == nil {
		t.Fatal("expected error for non-numeric REDIS_DB")
	}
}

func TestValidateConfig_Errors(t *testing.T) {
	cases := map[string]func(*Config){
		"no credentials":   func(c *Config) { c.Upstream.Credentials = nil },
		"blank credential": func(c *Config) { c.Upstream.Credentials = []string{"k", " "} },
		"no modes":         func(c *Config) { c.Upstream.Modes = nil },
		"duplicate mode": func(c *Config) {
			c.Upstream.Modes = []ModeConfig{{Name: "a", Model: "m"}, {Name: "a", Model: "n"}}
		},
		"zero limit":     func(c *Config) { c.Quota.Limit = 0 },
		"zero window":    func(c *Config) { c.Quota.Window = 0 },
		"zero queue":     func(c *Config) { c.Queue.MaxSize = 0 },
		"bad driver":     func(c *Config) { c.OutcomeLog.Driver = "mysql"; c.OutcomeLog.DSN = "x" },
		"missing dsn":    func(c *Config) { c.OutcomeLog.Driver = "sqlite" },
		"bad key store":  func(c *Config) { c.Admin.KeyStore = "etcd" },
		"negative rate":  func(c *Config) { c.Ingress.RatePerSecond = -1 },
		"negative count": func(c *Config) { c.Worker.Count = -1 },
		"negative cache": func(c *Config) { c.Cache.Size = -1 },
		"cache no ttl":   func(c *Config) { c.Cache.Size = 10; c.Cache.TTL = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Upstream.Credentials = []string{"k"}
			mutate(&cfg)
			if err := ValidateConfig(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEffectiveWriteTimeoutCoversFullPlan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Credentials = []string{"k0", "k1", "k2"}
	cfg.Upstream.Modes = []ModeConfig{{Name: "primary", Model: "a"}, {Name: "fallback", Model: "b"}}
	cfg.Upstream.Timeout = Duration(30 * time.Second)

	if got := cfg.PlanDuration(); got != 180*time.Second {
		t.Fatalf("plan duration = %s, want 3m0s", got)
	}
	if got := cfg.EffectiveWriteTimeout(); got != 190*time.Second {
		t.Errorf("write timeout = %s, want 3m10s", got)
	}

	cfg.Server.WriteTimeout = Duration(10 * time.Minute)
	if got := cfg.EffectiveWriteTimeout(); got != 10*time.Minute {
		t.Errorf("larger configured timeout was not kept: %s", got)
	}

	cfg.Server.WriteTimeout = 0
	if got := cfg.EffectiveWriteTimeout(); got != 0 {
		t.Errorf("zero (no timeout) must stay zero, got %s", got)
	}
}
