package capgate

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the gateway, the drain workers and the
// admin surface.
type Config struct {
	// Redis is the shared backing store.
	Redis RedisConfig `json:"redis" yaml:"redis"`
	// Upstream describes the classification provider and its credentials.
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`
	// Quota is the per-credential fixed window.
	Quota QuotaConfig `json:"quota" yaml:"quota"`
	// Queue bounds the burst queue.
	Queue QueueConfig `json:"queue" yaml:"queue"`
	// Worker tunes the drain loop.
	Worker WorkerConfig `json:"worker" yaml:"worker"`
	// Server is the HTTP listener.
	Server ServerConfig `json:"server" yaml:"server"`
	// Admin configures operator API keys.
	Admin AdminConfig `json:"admin" yaml:"admin"`
	// Ingress limits request rate per client before admission.
	Ingress IngressConfig `json:"ingress" yaml:"ingress"`
	// OutcomeLog persists finished classifications (optional).
	OutcomeLog OutcomeLogConfig `json:"outcome_log" yaml:"outcome_log"`
	// Cache answers resubmitted images from recent verdicts (optional).
	Cache CacheConfig `json:"cache" yaml:"cache"`
	// Logging selects level and format.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// RedisConfig locates the shared store.
type RedisConfig struct {
	Addr      string   `json:"addr" yaml:"addr"`
	Password  string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int      `json:"db" yaml:"db"`
	PoolSize  int      `json:"pool_size" yaml:"pool_size"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix"`
}

// UpstreamConfig describes the classifier and the credential pool.
type UpstreamConfig struct {
	// Provider names a registered classifier ("groq" or "mock").
	Provider string `json:"provider" yaml:"provider"`
	// BaseURL overrides the provider's API root.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// Credentials are the API keys, in pool order.
	Credentials []string `json:"credentials" yaml:"credentials"`
	// Modes are swept in order; each is tried on every credential before
	// the next.
	Modes []ModeConfig `json:"modes" yaml:"modes"`
	// Timeout bounds a single upstream attempt.
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// ModeConfig binds a processing mode name to an upstream model.
type ModeConfig struct {
	Name  string `json:"name" yaml:"name"`
	Model string `json:"model" yaml:"model"`
}

// QuotaConfig is the fixed window applied to each credential.
type QuotaConfig struct {
	Limit  int64    `json:"limit" yaml:"limit"`
	Window Duration `json:"window" yaml:"window"`
	// DefaultRetryAfter is reported when no window TTL can be read.
	DefaultRetryAfter Duration `json:"default_retry_after" yaml:"default_retry_after"`
}

// QueueConfig bounds the burst queue.
type QueueConfig struct {
	MaxSize    int      `json:"max_size" yaml:"max_size"`
	PendingTTL Duration `json:"pending_ttl" yaml:"pending_ttl"`
	ResultTTL  Duration `json:"result_ttl" yaml:"result_ttl"`
}

// WorkerConfig tunes the drain loop.
type WorkerConfig struct {
	Count        int      `json:"count" yaml:"count"`
	IdleInterval Duration `json:"idle_interval" yaml:"idle_interval"`
	ItemDelay    Duration `json:"item_delay" yaml:"item_delay"`
	ErrorBackoff Duration `json:"error_backoff" yaml:"error_backoff"`
	// StaleAfter is how long an entry may stay processing before it is
	// reported (and, with RecoverStale, requeued).
	StaleAfter   Duration `json:"stale_after" yaml:"stale_after"`
	RecoverStale bool     `json:"recover_stale" yaml:"recover_stale"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// AdminConfig configures operator API keys.
type AdminConfig struct {
	// BootstrapKey is registered with admin scope at startup when set.
	BootstrapKey string `json:"bootstrap_key,omitempty" yaml:"bootstrap_key,omitempty"`
	// KeyStore is "memory" (default), "sqlite" or "postgres".
	KeyStore    string `json:"key_store" yaml:"key_store"`
	KeyStoreDSN string `json:"key_store_dsn,omitempty" yaml:"key_store_dsn,omitempty"`
}

// IngressConfig is the per-client token bucket. A zero rate disables it.
type IngressConfig struct {
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `json:"burst" yaml:"burst"`
}

// OutcomeLogConfig selects the outcome log backend. An empty driver
// disables the log.
type OutcomeLogConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// CacheConfig sizes the in-process verdict cache. A zero size disables it.
type CacheConfig struct {
	Size int      `json:"size" yaml:"size"`
	TTL  Duration `json:"ttl" yaml:"ttl"`
}

// LoggingConfig selects slog level and format.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default processing modes.
const (
	ModePrimary  = "primary"
	ModeFallback = "fallback"
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  20,
			Timeout:   Duration(2 * time.Second),
			KeyPrefix: "capgate:",
		},
		Upstream: UpstreamConfig{
			Provider: "groq",
			Modes: []ModeConfig{
				{Name: ModePrimary, Model: "meta-llama/llama-4-scout-17b-16e-instruct"},
				{Name: ModeFallback, Model: "meta-llama/llama-4-maverick-17b-128e-instruct"},
			},
			Timeout: Duration(30 * time.Second),
		},
		Quota: QuotaConfig{
			Limit:             100,
			Window:            Duration(time.Minute),
			DefaultRetryAfter: Duration(time.Minute),
		},
		Queue: QueueConfig{
			MaxSize:    500,
			PendingTTL: Duration(24 * time.Hour),
			ResultTTL:  Duration(5 * time.Minute),
		},
		Worker: WorkerConfig{
			Count:        1,
			IdleInterval: Duration(time.Second),
			ItemDelay:    Duration(100 * time.Millisecond),
			ErrorBackoff: Duration(5 * time.Second),
			StaleAfter:   Duration(10 * time.Minute),
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(2 * time.Minute),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Admin:   AdminConfig{KeyStore: "memory"},
		Ingress: IngressConfig{RatePerSecond: 0, Burst: 10},
		Cache:   CacheConfig{TTL: Duration(10 * time.Minute)},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// PlanDuration bounds one full attempt plan: every mode on every credential,
// each attempt running to the upstream timeout.
func (c Config) PlanDuration() time.Duration {
	attempts := len(c.Upstream.Credentials) * len(c.Upstream.Modes)
	return time.Duration(attempts) * c.Upstream.Timeout.D()
}

// EffectiveWriteTimeout is the configured write timeout, raised when needed
// so a synchronous response can still be written after a full plan.
func (c Config) EffectiveWriteTimeout() time.Duration {
	wt := c.Server.WriteTimeout.D()
	if wt <= 0 {
		return 0
	}
	if floor := c.PlanDuration() + 10*time.Second; wt < floor {
		return floor
	}
	return wt
}

// Duration is a time.Duration that reads "90s"-style strings from YAML and
// JSON. Bare JSON numbers are taken as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
		return nil
	case string:
		return d.parse(x)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
