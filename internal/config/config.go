package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pooling is the embedding pooling strategy requested on each /embed call.
type Pooling string

const (
	PoolingMean Pooling = "mean"
	PoolingCLS  Pooling = "cls"
	PoolingMax  Pooling = "max"
)

// Config is the effective configuration consumed by the core runtime. It
// recognises exactly the enumerated option set; unknown YAML keys are
// ignored rather than rejected, so older configs keep working after an
// upgrade that adds fields.
type Config struct {
	Version int `yaml:"version" json:"version"`

	WatchedRoots []string `yaml:"watched_roots" json:"watched_roots"`

	ExcludePatterns []string `yaml:"exclude_patterns" json:"exclude_patterns"`
	BundlePatterns  []string `yaml:"bundle_patterns" json:"bundle_patterns"`
	ExcludeBundles  bool     `yaml:"exclude_bundles" json:"exclude_bundles"`

	// FileTypes maps a parser_id to whether it's enabled for ingestion.
	FileTypes map[string]bool `yaml:"file_types" json:"file_types"`

	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Embedding  EmbeddingConfig  `yaml:"embedding" json:"embedding"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts" json:"timeouts"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`

	// ModelID is opaque to the core. Changing it bumps the vector store's
	// dimension/model fingerprint and triggers a destructive migration.
	ModelID string `yaml:"model_id" json:"model_id"`
}

// QueueConfig tunes the Embedding Queue (§4.6).
type QueueConfig struct {
	BatchSize             int `yaml:"batch_size" json:"batch_size"`
	BatchTokenCap         int `yaml:"batch_token_cap" json:"batch_token_cap"`
	MaxQueueSize          int `yaml:"max_queue_size" json:"max_queue_size"`
	BackpressureThreshold int `yaml:"backpressure_threshold" json:"backpressure_threshold"`
}

// SchedulerConfig tunes the Concurrent File Scheduler (§4.8).
type SchedulerConfig struct {
	MaxConcurrentFiles  int `yaml:"max_concurrent_files" json:"max_concurrent_files"`
	MemorySoftCeilingMB int `yaml:"memory_soft_ceiling_mb" json:"memory_soft_ceiling_mb"`
}

// EmbeddingConfig configures the wire contract against the embedding
// server and its client-side defaults (§6).
type EmbeddingConfig struct {
	Endpoint  string  `yaml:"embedding_endpoint" json:"embedding_endpoint"`
	Dimension int     `yaml:"embedding_dim" json:"embedding_dim"`
	Normalize bool    `yaml:"embedding_normalize" json:"embedding_normalize"`
	Pooling   Pooling `yaml:"embedding_pooling" json:"embedding_pooling"`

	// ServerCommand, if set, is the argv the ESC spawns and supervises as
	// the embedding model server (argv[0] plus its arguments). Empty means
	// the server is already running at Endpoint and the ESC only connects
	// to it, never spawning or restarting a process.
	ServerCommand []string `yaml:"embedding_server_command" json:"embedding_server_command"`

	// HealthCheckIntervalMS is how often the ESC polls GET /health while
	// the server is idle.
	HealthCheckIntervalMS int `yaml:"embedding_health_interval_ms" json:"embedding_health_interval_ms"`

	// MaxRestarts bounds how many times the ESC will restart a spawned
	// server within RestartWindowMS before giving up and going to Error.
	MaxRestarts int `yaml:"embedding_max_restarts" json:"embedding_max_restarts"`

	// RestartWindowMS is the rolling window MaxRestarts is counted over.
	RestartWindowMS int `yaml:"embedding_restart_window_ms" json:"embedding_restart_window_ms"`
}

// TimeoutsConfig configures ESC round-trip timeouts. MaxRetries and
// RetryBaseDelayMS are loaded, merged and validated, but the ESC does not
// read them: it does not retry a failed or timed-out embed request.
type TimeoutsConfig struct {
	QueryTimeoutMS   int `yaml:"query_timeout_ms" json:"query_timeout_ms"`
	BatchTimeoutMS   int `yaml:"batch_timeout_ms" json:"batch_timeout_ms"`
	MaxRetries       int `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms" json:"retry_base_delay_ms"`
}

// LoggingConfig is an ambient addition not named by the core's option set,
// carried regardless since every component still needs to know how loud
// to be and where to write.
type LoggingConfig struct {
	Debug     bool   `yaml:"debug" json:"debug"`
	Level     string `yaml:"level" json:"level"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// defaultExcludePatterns are always excluded regardless of user config.
var defaultExcludePatterns = []string{
	"**/.git/**",
	"**/.localsem/**",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/.venv/**",
}

// NewConfig returns a Config populated with the defaults named in §6.
func NewConfig() *Config {
	return &Config{
		Version:         1,
		WatchedRoots:    []string{},
		ExcludePatterns: append([]string(nil), defaultExcludePatterns...),
		BundlePatterns:  []string{},
		ExcludeBundles:  false,
		FileTypes: map[string]bool{
			"text":     true,
			"markdown": true,
		},
		Queue: QueueConfig{
			BatchSize:             32,
			BatchTokenCap:         7000,
			MaxQueueSize:          2000,
			BackpressureThreshold: 1000,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentFiles:  runtime.NumCPU() * 2,
			MemorySoftCeilingMB: 1024,
		},
		Embedding: EmbeddingConfig{
			Endpoint:              "http://127.0.0.1:8420",
			Dimension:             768,
			Normalize:             true,
			Pooling:               PoolingMean,
			HealthCheckIntervalMS: 10000,
			MaxRestarts:           5,
			RestartWindowMS:       60000,
		},
		Timeouts: TimeoutsConfig{
			QueryTimeoutMS:   5000,
			BatchTimeoutMS:   30000,
			MaxRetries:       3,
			RetryBaseDelayMS: 500,
		},
		Logging: LoggingConfig{
			Debug:     false,
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		ModelID: "embeddinggemma-768",
	}
}

// GetUserConfigPath returns the path to the user/global configuration file,
// following the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/localsem/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/localsem/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "localsem", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "localsem", "config.yaml")
	}
	return filepath.Join(home, ".config", "localsem", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// Load loads configuration from the specified directory, applying overrides
// in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/localsem/config.yaml)
//  3. Project config (.localsem.yaml in dir)
//  4. Environment variables (LOCALSEM_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from .localsem.yaml or .localsem.yml.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".localsem.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".localsem.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if len(other.WatchedRoots) > 0 {
		c.WatchedRoots = other.WatchedRoots
	}
	if len(other.ExcludePatterns) > 0 {
		c.ExcludePatterns = append(c.ExcludePatterns, other.ExcludePatterns...)
	}
	if len(other.BundlePatterns) > 0 {
		c.BundlePatterns = other.BundlePatterns
	}
	if other.ExcludeBundles {
		c.ExcludeBundles = other.ExcludeBundles
	}
	for id, enabled := range other.FileTypes {
		if c.FileTypes == nil {
			c.FileTypes = map[string]bool{}
		}
		c.FileTypes[id] = enabled
	}

	if other.Queue.BatchSize != 0 {
		c.Queue.BatchSize = other.Queue.BatchSize
	}
	if other.Queue.BatchTokenCap != 0 {
		c.Queue.BatchTokenCap = other.Queue.BatchTokenCap
	}
	if other.Queue.MaxQueueSize != 0 {
		c.Queue.MaxQueueSize = other.Queue.MaxQueueSize
	}
	if other.Queue.BackpressureThreshold != 0 {
		c.Queue.BackpressureThreshold = other.Queue.BackpressureThreshold
	}

	if other.Scheduler.MaxConcurrentFiles != 0 {
		c.Scheduler.MaxConcurrentFiles = other.Scheduler.MaxConcurrentFiles
	}
	if other.Scheduler.MemorySoftCeilingMB != 0 {
		c.Scheduler.MemorySoftCeilingMB = other.Scheduler.MemorySoftCeilingMB
	}

	if other.Embedding.Endpoint != "" {
		c.Embedding.Endpoint = other.Embedding.Endpoint
	}
	if other.Embedding.Dimension != 0 {
		c.Embedding.Dimension = other.Embedding.Dimension
	}
	if other.Embedding.Pooling != "" {
		c.Embedding.Pooling = other.Embedding.Pooling
	}
	if len(other.Embedding.ServerCommand) > 0 {
		c.Embedding.ServerCommand = other.Embedding.ServerCommand
	}
	if other.Embedding.HealthCheckIntervalMS != 0 {
		c.Embedding.HealthCheckIntervalMS = other.Embedding.HealthCheckIntervalMS
	}
	if other.Embedding.MaxRestarts != 0 {
		c.Embedding.MaxRestarts = other.Embedding.MaxRestarts
	}
	if other.Embedding.RestartWindowMS != 0 {
		c.Embedding.RestartWindowMS = other.Embedding.RestartWindowMS
	}

	if other.Timeouts.QueryTimeoutMS != 0 {
		c.Timeouts.QueryTimeoutMS = other.Timeouts.QueryTimeoutMS
	}
	if other.Timeouts.BatchTimeoutMS != 0 {
		c.Timeouts.BatchTimeoutMS = other.Timeouts.BatchTimeoutMS
	}
	if other.Timeouts.MaxRetries != 0 {
		c.Timeouts.MaxRetries = other.Timeouts.MaxRetries
	}
	if other.Timeouts.RetryBaseDelayMS != 0 {
		c.Timeouts.RetryBaseDelayMS = other.Timeouts.RetryBaseDelayMS
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.Debug {
		c.Logging.Debug = other.Logging.Debug
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}

	if other.ModelID != "" {
		c.ModelID = other.ModelID
	}
}

// applyEnvOverrides applies LOCALSEM_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOCALSEM_EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("LOCALSEM_MODEL_ID"); v != "" {
		c.ModelID = v
	}
	if v := os.Getenv("LOCALSEM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOCALSEM_DEBUG"); v != "" {
		c.Logging.Debug = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("LOCALSEM_MAX_CONCURRENT_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxConcurrentFiles = n
		}
	}
	if v := os.Getenv("LOCALSEM_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxQueueSize = n
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if len(c.WatchedRoots) == 0 {
		return fmt.Errorf("watched_roots must have at least one entry")
	}
	for _, root := range c.WatchedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("watched_roots entries must be absolute paths, got %q", root)
		}
	}

	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.Queue.MaxQueueSize)
	}
	if c.Queue.BackpressureThreshold <= 0 || c.Queue.BackpressureThreshold > c.Queue.MaxQueueSize {
		return fmt.Errorf("backpressure_threshold must be in (0, max_queue_size], got %d", c.Queue.BackpressureThreshold)
	}

	if c.Scheduler.MaxConcurrentFiles <= 0 {
		return fmt.Errorf("max_concurrent_files must be positive, got %d", c.Scheduler.MaxConcurrentFiles)
	}

	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.Embedding.Dimension)
	}
	switch c.Embedding.Pooling {
	case PoolingMean, PoolingCLS, PoolingMax:
	default:
		return fmt.Errorf("embedding_pooling must be 'mean', 'cls', or 'max', got %q", c.Embedding.Pooling)
	}

	if c.Timeouts.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.Timeouts.MaxRetries)
	}

	if c.ModelID == "" {
		return fmt.Errorf("model_id must not be empty")
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// FindProjectRoot walks up from startDir looking for a .git directory or a
// .localsem.yaml/.yml config file, returning the first directory that has
// one. If neither is found before reaching the filesystem root, it returns
// the absolute form of startDir unchanged.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}
		if fileExists(filepath.Join(currentDir, ".localsem.yaml")) ||
			fileExists(filepath.Join(currentDir, ".localsem.yml")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}
