package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel            string `yaml:"log_level"`
	OTLPEndpoint        string `yaml:"otlp_endpoint"`
	OTLPMetricsEndpoint string `yaml:"otlp_metrics_endpoint"`
	MetricsIntervalMS   int    `yaml:"metrics_interval_ms"`
	OTLPInsecure        bool   `yaml:"otlp_insecure"`
	PrometheusBind      string `yaml:"prometheus_bind"` // empty serves /metrics on the main listener
}

// MetricsInterval is the OTLP metrics push period.
func (t TelemetryConfig) MetricsInterval() time.Duration {
	return time.Duration(t.MetricsIntervalMS) * time.Millisecond
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Storage     StorageConfig   `yaml:"storage"`
	Review      ReviewConfig    `yaml:"review"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// HistoryConfig controls the per-segment audit trail.
type HistoryConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Path                string `yaml:"path"`
	RetentionDays       int    `yaml:"retention_days"`
	MaxEventsPerSegment int    `yaml:"max_events_per_segment"`
}

// StorageConfig locates the media blobs and the snapshot output.
type StorageConfig struct {
	MediaRoot   string `yaml:"media_root"`
	VersionsDir string `yaml:"versions_dir"`
}

type ReviewConfig struct {
	SegmentPercentile float64 `yaml:"segment_percentile"`
	WordPercentile    float64 `yaml:"word_percentile"`
	LockTTLMS         int     `yaml:"lock_ttl_ms"` // 0 disables expiry
	CallerHeader      string  `yaml:"caller_header"`
}

// LockTTL returns the configured lock expiry, zero when locks never expire.
func (r ReviewConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-review",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:            "info",
			OTLPEndpoint:        "",
			OTLPMetricsEndpoint: "",
			MetricsIntervalMS:   15000,
			OTLPInsecure:        true,
			PrometheusBind:      "",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/review.db",
			BusyTimeoutMS: 5000,
		},
		Storage: StorageConfig{
			MediaRoot:   "./media/audios",
			VersionsDir: "./media/versiones",
		},
		Review: ReviewConfig{
			SegmentPercentile: 90,
			WordPercentile:    95,
			LockTTLMS:         0,
			CallerHeader:      "X-Reviewer",
		},
		History: HistoryConfig{
			Enabled:             true,
			Path:                "./data/history.db",
			RetentionDays:       180,
			MaxEventsPerSegment: 200,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadEnvFile(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadEnvFile exports the variables of LOQA_REVIEW_ENV_FILE, or of ./.env when
// present. Variables already set in the process win.
func loadEnvFile() error {
	path := strings.TrimSpace(os.Getenv("LOQA_REVIEW_ENV_FILE"))
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_REVIEW_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_REVIEW_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_REVIEW_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_REVIEW_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_REVIEW_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_REVIEW_TELEMETRY_OTLP_ENDPOINT")
	overrideString(&cfg.Telemetry.OTLPMetricsEndpoint, "LOQA_REVIEW_TELEMETRY_OTLP_METRICS_ENDPOINT")
	overrideInt(&cfg.Telemetry.MetricsIntervalMS, "LOQA_REVIEW_TELEMETRY_METRICS_INTERVAL_MS")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_REVIEW_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_REVIEW_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_REVIEW_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_REVIEW_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_REVIEW_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_REVIEW_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_REVIEW_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_REVIEW_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_REVIEW_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_REVIEW_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_REVIEW_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_REVIEW_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "LOQA_REVIEW_STORE_PATH")
	overrideInt(&cfg.Store.BusyTimeoutMS, "LOQA_REVIEW_STORE_BUSY_TIMEOUT_MS")
	overrideString(&cfg.Storage.MediaRoot, "LOQA_REVIEW_MEDIA_ROOT")
	overrideString(&cfg.Storage.VersionsDir, "LOQA_REVIEW_VERSIONS_DIR")
	overrideFloat(&cfg.Review.SegmentPercentile, "LOQA_REVIEW_SEGMENT_PERCENTILE")
	overrideFloat(&cfg.Review.WordPercentile, "LOQA_REVIEW_WORD_PERCENTILE")
	overrideInt(&cfg.Review.LockTTLMS, "LOQA_REVIEW_LOCK_TTL_MS")
	overrideString(&cfg.Review.CallerHeader, "LOQA_REVIEW_CALLER_HEADER")
	overrideBool(&cfg.History.Enabled, "LOQA_REVIEW_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "LOQA_REVIEW_HISTORY_PATH")
	overrideInt(&cfg.History.RetentionDays, "LOQA_REVIEW_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxEventsPerSegment, "LOQA_REVIEW_HISTORY_MAX_EVENTS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.OTLPMetricsEndpoint != "" && cfg.Telemetry.MetricsIntervalMS <= 0 {
		return errors.New("telemetry.metrics_interval_ms must be > 0 when otlp metrics are enabled")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.StoreDir == "" {
				return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.BusyTimeoutMS < 0 {
		return errors.New("store.busy_timeout_ms must be >= 0")
	}
	if cfg.Storage.MediaRoot == "" {
		return errors.New("storage.media_root must not be empty")
	}
	if cfg.Storage.VersionsDir == "" {
		return errors.New("storage.versions_dir must not be empty")
	}
	if cfg.Review.SegmentPercentile < 0 || cfg.Review.SegmentPercentile > 100 {
		return errors.New("review.segment_percentile must be between 0 and 100")
	}
	if cfg.Review.WordPercentile < 0 || cfg.Review.WordPercentile > 100 {
		return errors.New("review.word_percentile must be between 0 and 100")
	}
	if cfg.Review.LockTTLMS < 0 {
		return errors.New("review.lock_ttl_ms must be >= 0")
	}
	if strings.TrimSpace(cfg.Review.CallerHeader) == "" {
		return errors.New("review.caller_header must not be empty")
	}
	if cfg.History.Enabled && cfg.History.Path == "" {
		return errors.New("history.path must not be empty when history is enabled")
	}
	if cfg.History.RetentionDays < 0 || cfg.History.MaxEventsPerSegment < 0 {
		return errors.New("history retention limits must be >= 0")
	}
	return nil
}
