package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Roundtable engine. It is built
// once by Load at startup and injected into every component constructor;
// nothing reads the environment after that.
type Config struct {
	Port    int
	Version string

	// DefaultModel is the logical model key used when a request names no
	// model or names an unknown one. If this key has no catalog entry
	// either, startup-level resolution fails. The one fatal config error.
	DefaultModel string

	// CatalogFile optionally points at a YAML overlay merged into the
	// built-in model catalog at startup.
	CatalogFile string

	Providers ProvidersConfig
	Features  FeatureConfig
	Memory    MemoryConfig
	Debate    DebateConfig
	Limits    LimitOverrides

	// MaxConcurrentCalls bounds the provider call pool.
	MaxConcurrentCalls int

	// RetryBackoff is the fixed sleep between ladder attempts. No
	// exponential growth, no jitter.
	RetryBackoff time.Duration

	Cache     CacheConfig
	Database  DatabaseConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
}

// ProviderConfig carries per-provider credentials and fallback wiring.
type ProviderConfig struct {
	APIKey   string
	Endpoint string

	// FallbackModel is the logical key tried when the primary model for
	// this provider exhausts its ladder. Empty means the hard-coded
	// small default for the provider kind.
	FallbackModel string
}

// ProvidersConfig is the closed set of back-end configurations.
type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Ollama    ProviderConfig
}

// FeatureConfig gates optional behaviors. All are read once at startup.
type FeatureConfig struct {
	// CanonEnabled turns durable canon memory extraction/search on.
	CanonEnabled bool

	// OverloadShortCircuit skips the same-model repair retry and jumps
	// straight to the provider fallback when the first attempt reports
	// an overload signal.
	OverloadShortCircuit bool

	// OmitReasoningTemperature drops the temperature parameter for
	// reasoning model families.
	OmitReasoningTemperature bool
}

// MemoryConfig tunes conversation memory behavior.
type MemoryConfig struct {
	// SummaryEvery triggers auto-summarization after every Nth
	// non-summary turn stored in a session.
	SummaryEvery int

	// SummaryThresholdTokens is the size under which a turn's summary is
	// simply its raw text.
	SummaryThresholdTokens int

	// OverfetchRows is the row buffer fetched before token budgeting.
	OverfetchRows int
}

// DebateConfig assigns models to the fixed stage roles. An empty value
// resolves to the default model, so a single-provider deployment still
// runs every topology.
type DebateConfig struct {
	// ProposerModel speaks the propose and defend stages, and the
	// pipeline generate stage.
	ProposerModel string

	// CriticModel speaks the critique and pipeline review stages.
	CriticModel string

	// JudgeModel speaks the final judge or merge stage.
	JudgeModel string
}

// LimitOverrides is the layered soft/hard threshold table. Map keys are
// raw override names from the environment (provider kinds or model keys,
// uppercased with separators collapsed to underscores). A zero map value
// means "not overridden at this scope".
type LimitOverrides struct {
	GlobalSoft int
	GlobalHard int
	Soft       map[string]int
	Hard       map[string]int
}

// CacheConfig selects and tunes the TTL cache component.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

type DatabaseConfig struct {
	// URL empty selects the in-memory store; set it to use Postgres.
	URL            string
	MaxConnections int
}

// RetentionConfig controls how long soft-deleted turns survive before
// the janitor archives and purges them.
type RetentionConfig struct {
	// Window is the age a soft-deleted turn must reach before purging.
	// Zero disables the janitor entirely.
	Window time.Duration

	// Interval is the sweep cadence.
	Interval time.Duration

	// ArchiveDir enables JSONL archiving to this directory before each
	// purge. Empty means purge without archiving.
	ArchiveDir string

	// Compress gzips archive files.
	Compress bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:         envInt("ROUNDTABLE_PORT", 8080),
		Version:      envStr("ROUNDTABLE_VERSION", "0.2.0"),
		DefaultModel: envStr("ROUNDTABLE_DEFAULT_MODEL", "claude-sonnet"),
		CatalogFile:  envStr("ROUNDTABLE_CATALOG_FILE", ""),
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIKey:        envStr("ROUNDTABLE_OPENAI_API_KEY", ""),
				Endpoint:      envStr("ROUNDTABLE_OPENAI_ENDPOINT", ""),
				FallbackModel: envStr("ROUNDTABLE_OPENAI_FALLBACK_MODEL", ""),
			},
			Anthropic: ProviderConfig{
				APIKey:        envStr("ROUNDTABLE_ANTHROPIC_API_KEY", ""),
				Endpoint:      envStr("ROUNDTABLE_ANTHROPIC_ENDPOINT", ""),
				FallbackModel: envStr("ROUNDTABLE_ANTHROPIC_FALLBACK_MODEL", ""),
			},
			Ollama: ProviderConfig{
				APIKey:        "",
				Endpoint:      envStr("ROUNDTABLE_OLLAMA_ENDPOINT", ""),
				FallbackModel: envStr("ROUNDTABLE_OLLAMA_FALLBACK_MODEL", ""),
			},
		},
		Features: FeatureConfig{
			CanonEnabled:             envBool("ROUNDTABLE_CANON_ENABLED", true),
			OverloadShortCircuit:     envBool("ROUNDTABLE_OVERLOAD_SHORT_CIRCUIT", true),
			OmitReasoningTemperature: envBool("ROUNDTABLE_OMIT_REASONING_TEMPERATURE", true),
		},
		Memory: MemoryConfig{
			SummaryEvery:           envInt("ROUNDTABLE_SUMMARY_EVERY", 15),
			SummaryThresholdTokens: envInt("ROUNDTABLE_SUMMARY_THRESHOLD_TOKENS", 500),
			OverfetchRows:          envInt("ROUNDTABLE_OVERFETCH_ROWS", 200),
		},
		Debate: DebateConfig{
			ProposerModel: envStr("ROUNDTABLE_DEBATE_PROPOSER_MODEL", ""),
			CriticModel:   envStr("ROUNDTABLE_DEBATE_CRITIC_MODEL", ""),
			JudgeModel:    envStr("ROUNDTABLE_DEBATE_JUDGE_MODEL", ""),
		},
		Limits:             loadLimitOverrides(),
		MaxConcurrentCalls: envInt("ROUNDTABLE_MAX_CONCURRENT_CALLS", 8),
		RetryBackoff:       envDur("ROUNDTABLE_RETRY_BACKOFF", 500*time.Millisecond),
		Cache: CacheConfig{
			Backend:       envStr("ROUNDTABLE_CACHE_BACKEND", "memory"),
			RedisAddr:     envStr("ROUNDTABLE_REDIS_ADDR", "localhost:6379"),
			RedisPassword: envStr("ROUNDTABLE_REDIS_PASSWORD", ""),
			RedisDB:       envInt("ROUNDTABLE_REDIS_DB", 0),
			TTL:           envDur("ROUNDTABLE_CACHE_TTL", 5*time.Minute),
		},
		Database: DatabaseConfig{
			URL:            envStr("ROUNDTABLE_DATABASE_URL", ""),
			MaxConnections: envInt("ROUNDTABLE_DATABASE_MAX_CONNECTIONS", 25),
		},
		Retention: RetentionConfig{
			Window:     envDur("ROUNDTABLE_RETENTION_WINDOW", 30*24*time.Hour),
			Interval:   envDur("ROUNDTABLE_RETENTION_INTERVAL", 6*time.Hour),
			ArchiveDir: envStr("ROUNDTABLE_ARCHIVE_DIR", ""),
			Compress:   envBool("ROUNDTABLE_ARCHIVE_COMPRESS", true),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "roundtable"),
		},
	}
}

const (
	softLimitPrefix = "ROUNDTABLE_SOFT_LIMIT_"
	hardLimitPrefix = "ROUNDTABLE_HARD_LIMIT_"
)

// loadLimitOverrides collects the global defaults plus every per-provider
// and per-model override present in the environment. Override names keep
// their raw env suffix; the threshold resolver owns the matching rules.
func loadLimitOverrides() LimitOverrides {
	lo := LimitOverrides{
		GlobalSoft: envInt("ROUNDTABLE_SOFT_LIMIT", 6000),
		GlobalHard: envInt("ROUNDTABLE_HARD_LIMIT", 8000),
		Soft:       make(map[string]int),
		Hard:       make(map[string]int),
	}

	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			continue
		}
		switch {
		case strings.HasPrefix(key, softLimitPrefix) && len(key) > len(softLimitPrefix):
			lo.Soft[key[len(softLimitPrefix):]] = n
		case strings.HasPrefix(key, hardLimitPrefix) && len(key) > len(hardLimitPrefix):
			lo.Hard[key[len(hardLimitPrefix):]] = n
		}
	}
	return lo
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
