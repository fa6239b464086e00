package capgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/closeup/capgate/internal/keypool"
)

// LoadConfig reads a config file on top of DefaultConfig. ${VAR} references
// are expanded from the environment before parsing. Supported formats: JSON
// (.json), YAML (.yaml, .yml). An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ApplyEnv overrides cfg from the process environment.
//
//	GROQ_API_KEYS        comma-separated credential list
//	GROQ_API_KEY         single credential, used when GROQ_API_KEYS is unset
//	REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
//	PORT                 listen port
//	LOG_LEVEL, LOG_FORMAT
//	CAPGATE_ADMIN_KEY    bootstrap admin key
//	CAPGATE_WORKERS      drain worker count
//	CAPGATE_OUTCOME_DRIVER, CAPGATE_OUTCOME_DSN
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("GROQ_API_KEYS"); v != "" {
		cfg.Upstream.Credentials = keypool.ParseTokens(v)
	} else if v := os.Getenv("GROQ_API_KEY"); v != "" && len(cfg.Upstream.Credentials) == 0 {
		cfg.Upstream.Credentials = []string{strings.TrimSpace(v)}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CAPGATE_ADMIN_KEY"); v != "" {
		cfg.Admin.BootstrapKey = v
	}
	if v := os.Getenv("CAPGATE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CAPGATE_WORKERS: %w", err)
		}
		cfg.Worker.Count = n
	}
	if v := os.Getenv("CAPGATE_OUTCOME_DRIVER"); v != "" {
		cfg.OutcomeLog.Driver = v
	}
	if v := os.Getenv("CAPGATE_OUTCOME_DSN"); v != "" {
		cfg.OutcomeLog.DSN = v
	}
	return nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	var errs []error

	if len(cfg.Upstream.Credentials) == 0 {
		errs = append(errs, errors.New("at least one upstream credential is required"))
	}
	for i, c := range cfg.Upstream.Credentials {
		if strings.TrimSpace(c) == "" {
			errs = append(errs, fmt.Errorf("upstream credential %d is empty", i))
		}
	}
	if len(cfg.Upstream.Modes) == 0 {
		errs = append(errs, errors.New("at least one processing mode is required"))
	}
	seen := map[string]bool{}
	for _, m := range cfg.Upstream.Modes {
		if m.Name == "" || m.Model == "" {
			errs = append(errs, fmt.Errorf("processing mode %q needs a name and a model", m.Name))
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("duplicate processing mode %q", m.Name))
		}
		seen[m.Name] = true
	}
	if cfg.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream timeout must be positive"))
	}
	if cfg.Quota.Limit <= 0 {
		errs = append(errs, errors.New("quota limit must be positive"))
	}
	if cfg.Quota.Window <= 0 {
		errs = append(errs, errors.New("quota window must be positive"))
	}
	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, errors.New("queue max_size must be positive"))
	}
	if cfg.Worker.Count < 0 {
		errs = append(errs, errors.New("worker count must not be negative"))
	}
	if cfg.Cache.Size < 0 {
		errs = append(errs, errors.New("cache size must not be negative"))
	}
	if cfg.Cache.Size > 0 && cfg.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be positive when the cache is enabled"))
	}
	if cfg.Ingress.RatePerSecond < 0 {
		errs = append(errs, errors.New("ingress rate must not be negative"))
	}

	switch cfg.OutcomeLog.Driver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown outcome_log driver %q", cfg.OutcomeLog.Driver))
	}
	if cfg.OutcomeLog.Driver != "" && cfg.OutcomeLog.DSN == "" {
		errs = append(errs, errors.New("outcome_log dsn is required when a driver is set"))
	}
	switch cfg.Admin.KeyStore {
	case "", "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown admin key_store %q", cfg.Admin.KeyStore))
	}

	return errors.Join(errs...)
}
