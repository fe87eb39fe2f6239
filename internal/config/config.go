// Package config loads application configuration from an optional YAML
// file with environment-variable overrides and reflected defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Scanner  ScannerConfig  `yaml:"scanner" json:"scanner"`
	Metadata MetadataConfig `yaml:"metadata" json:"metadata"`
	Jobs     JobsConfig     `yaml:"jobs" json:"jobs"`
	Analysis AnalysisConfig `yaml:"analysis" json:"analysis"`
	Events   EventsConfig   `yaml:"events" json:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string        `yaml:"host" json:"host" env:"CUEBASE_HOST" default:"0.0.0.0"`
	Port           int           `yaml:"port" json:"port" env:"CUEBASE_PORT" default:"8484"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" env:"CUEBASE_READ_TIMEOUT" default:"30s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout" env:"CUEBASE_WRITE_TIMEOUT" default:"30s"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes" env:"CUEBASE_MAX_HEADER_BYTES" default:"1048576"`
	EnableCORS     bool          `yaml:"enable_cors" json:"enable_cors" env:"CUEBASE_ENABLE_CORS" default:"true"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Type            string        `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	URL             string        `yaml:"url" json:"url" env:"DATABASE_URL"`
	Host            string        `yaml:"host" json:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port            int           `yaml:"port" json:"port" env:"POSTGRES_PORT" default:"5432"`
	Username        string        `yaml:"username" json:"username" env:"POSTGRES_USER" default:"cuebase"`
	Password        string        `yaml:"password" json:"-" env:"POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" json:"database" env:"POSTGRES_DB" default:"cuebase"`
	DataDir         string        `yaml:"data_dir" json:"data_dir" env:"CUEBASE_DATA_DIR" default:"./cuebase-data"`
	DatabasePath    string        `yaml:"database_path" json:"database_path" env:"CUEBASE_DATABASE_PATH"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"50"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"2h"`
	LogQueries      bool          `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT" default:"text"`
}

// ScannerConfig holds file scanner configuration.
type ScannerConfig struct {
	WorkerCount       int           `yaml:"worker_count" json:"worker_count" env:"CUEBASE_SCAN_WORKERS" default:"0"`
	ChannelBufferSize int           `yaml:"channel_buffer_size" json:"channel_buffer_size" env:"CUEBASE_SCAN_BUFFER" default:"100"`
	SmartHashEnabled  bool          `yaml:"smart_hash_enabled" json:"smart_hash_enabled" env:"CUEBASE_SMART_HASH" default:"true"`
	IgnorePatterns    []string      `yaml:"ignore_patterns" json:"ignore_patterns" env:"CUEBASE_IGNORE_PATTERNS"`
	ThrottleEnabled   bool          `yaml:"throttle_enabled" json:"throttle_enabled" env:"CUEBASE_SCAN_THROTTLE" default:"false"`
	CPUThreshold      float64       `yaml:"cpu_threshold" json:"cpu_threshold" env:"CUEBASE_CPU_THRESHOLD" default:"85.0"`
	MemoryThreshold   float64       `yaml:"memory_threshold" json:"memory_threshold" env:"CUEBASE_MEMORY_THRESHOLD" default:"90.0"`
	WatchEnabled      bool          `yaml:"watch_enabled" json:"watch_enabled" env:"CUEBASE_WATCH" default:"false"`
	WatchDebounce     time.Duration `yaml:"watch_debounce" json:"watch_debounce" env:"CUEBASE_WATCH_DEBOUNCE" default:"2s"`
}

// MetadataConfig holds tag extraction configuration.
type MetadataConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent" env:"CUEBASE_METADATA_WORKERS" default:"8"`
	BatchSize     int `yaml:"batch_size" json:"batch_size" env:"CUEBASE_METADATA_BATCH" default:"50"`
}

// JobsConfig holds job store and dispatcher configuration.
type JobsConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval" env:"CUEBASE_JOB_POLL_INTERVAL" default:"500ms"`
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent" env:"CUEBASE_JOB_WORKERS" default:"2"`
}

// AnalysisConfig holds analyzer configuration.
type AnalysisConfig struct {
	ManifestDir   string        `yaml:"manifest_dir" json:"manifest_dir" env:"CUEBASE_ANALYZER_DIR" default:"./analyzers"`
	WorkerTimeout time.Duration `yaml:"worker_timeout" json:"worker_timeout" env:"CUEBASE_ANALYZER_TIMEOUT" default:"5m"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	BufferSize  int `yaml:"buffer_size" json:"buffer_size" env:"CUEBASE_EVENT_BUFFER" default:"1000"`
	RecentLimit int `yaml:"recent_limit" json:"recent_limit" env:"CUEBASE_EVENT_RECENT" default:"100"`
}

// Manager guards access to the loaded configuration.
type Manager struct {
	config *Config
	mu     sync.RWMutex
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global configuration manager. The initial
// configuration is usable without a Load call.
func GetManager() *Manager {
	managerOnce.Do(func() {
		cfg := DefaultConfig()
		applyDerived(cfg)
		globalManager = &Manager{config: cfg}
	})
	return globalManager
}

// DefaultConfig returns the default application configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := applyDefaults(reflect.ValueOf(cfg).Elem()); err != nil {
		panic(fmt.Sprintf("invalid default tag: %v", err))
	}
	cfg.Scanner.IgnorePatterns = []string{".*", "Thumbs.db", ".DS_Store"}
	return cfg
}

// LoadConfig loads configuration from the given file (when it exists)
// and then applies environment variable overrides.
func (m *Manager) LoadConfig(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	applyDerived(cfg)
	m.config = cfg
	return nil
}

// GetConfig returns a copy of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// applyDefaults walks the struct and sets every zero field that carries
// a default tag.
func applyDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		def := t.Field(i).Tag.Get("default")
		if def == "" || !field.IsZero() {
			continue
		}
		if err := setFieldValue(field, def); err != nil {
			return fmt.Errorf("field %s: %w", t.Field(i).Name, err)
		}
	}
	return nil
}

// applyEnv overrides fields whose env tag names a set variable.
func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("field %s from %s: %w", t.Field(i).Name, envTag, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type: %v", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.Type != "sqlite" && cfg.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
	if cfg.Scanner.WorkerCount < 0 {
		return fmt.Errorf("invalid scanner worker count: %d", cfg.Scanner.WorkerCount)
	}
	if cfg.Metadata.MaxConcurrent < 1 {
		return fmt.Errorf("invalid metadata concurrency: %d", cfg.Metadata.MaxConcurrent)
	}
	if cfg.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("invalid job concurrency: %d", cfg.Jobs.MaxConcurrent)
	}
	if cfg.Events.BufferSize < 1 {
		return fmt.Errorf("invalid event buffer size: %d", cfg.Events.BufferSize)
	}
	return nil
}

func applyDerived(cfg *Config) {
	if cfg.Database.DatabasePath == "" && cfg.Database.Type == "sqlite" {
		cfg.Database.DatabasePath = filepath.Join(cfg.Database.DataDir, "cuebase.db")
	}
	if cfg.Scanner.WorkerCount == 0 {
		cfg.Scanner.WorkerCount = min(max(1, runtime.NumCPU()), 16)
	}
}

// Get returns the current global configuration.
func Get() *Config {
	return GetManager().GetConfig()
}

// Load loads configuration from the specified path into the global
// manager.
func Load(path string) error {
	return GetManager().LoadConfig(path)
}
