package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConsumerMode selects how the queue consumer runs.
type ConsumerMode string

const (
	// ConsumerShared runs the consumer loop as a plain goroutine sharing the
	// process scheduler with the worker pool.
	ConsumerShared ConsumerMode = "shared"
	// ConsumerIsolated pins the consumer loop to a dedicated OS thread,
	// keeping CPU-bound handler work from starving the pull path.
	ConsumerIsolated ConsumerMode = "isolated"
)

// Config carries every scheduler knob. Zero values are filled by Default();
// environment variables override file values.
type Config struct {
	TopK                  int           `yaml:"top_k"`
	ContextWindowSize     int           `yaml:"context_window_size"`
	EnableActivationMem   bool          `yaml:"enable_activation_memory"`
	ActMemDumpPath        string        `yaml:"act_mem_dump_path"`
	ActMemUpdateInterval  time.Duration `yaml:"act_mem_update_interval"`
	QueryTriggerInterval  time.Duration `yaml:"query_trigger_interval"`
	SearchMethod          string        `yaml:"search_method"`
	EnableParallelDisp    bool          `yaml:"enable_parallel_dispatch"`
	ThreadPoolMaxWorkers  int           `yaml:"thread_pool_max_workers"`
	ConsumeInterval       time.Duration `yaml:"consume_interval_seconds"`
	ConsumeBatch          int           `yaml:"consume_batch"`
	ConsumerMode          ConsumerMode  `yaml:"consumer_mode"`
	UseSharedLog          bool          `yaml:"use_shared_log"`
	MaxInternalQueueSize  int           `yaml:"max_internal_queue_size"`
	MaxWebLogQueueSize    int           `yaml:"max_web_log_queue_size"`
	SimilarityThreshold   float64       `yaml:"filter_similarity_threshold"`
	MinLengthThreshold    int           `yaml:"filter_min_length_threshold"`
	QueryKeyWordsLimit    int           `yaml:"query_key_words_limit"`
	EnhancementBatchSize  int           `yaml:"batch_size"`
	EnhancementRetries    int           `yaml:"retries"`
	EnhancementStrategy   string        `yaml:"enhancement_strategy"`
	DisabledHandlers      []string      `yaml:"disabled_handlers"`
	CloudEnv              bool          `yaml:"cloud_env"`
	RateLimit             int           `yaml:"rate_limit"`
	RateWindow            time.Duration `yaml:"rate_window"`
	RedisAddr             string        `yaml:"redis_addr"`
	RedisPassword         string        `yaml:"redis_password"`
	RedisDB               int           `yaml:"redis_db"`
	PostgresDSN           string        `yaml:"postgres_dsn"`
	ListenAddr            string        `yaml:"listen_addr"`
	LogLevel              string        `yaml:"log_level"`
}

const (
	SearchMethodTreeFast = "tree_fast"
	SearchMethodTreeFine = "tree_fine"
)

// Default returns production defaults.
func Default() Config {
	return Config{
		TopK:                 10,
		ContextWindowSize:    5,
		EnableActivationMem:  false,
		ActMemDumpPath:       "./act_mem_cache.json",
		ActMemUpdateInterval: 300 * time.Second,
		QueryTriggerInterval: 60 * time.Second,
		SearchMethod:         SearchMethodTreeFast,
		EnableParallelDisp:   true,
		ThreadPoolMaxWorkers: 8,
		ConsumeInterval:      50 * time.Millisecond,
		ConsumeBatch:         16,
		ConsumerMode:         ConsumerShared,
		UseSharedLog:         false,
		MaxInternalQueueSize: 1000,
		MaxWebLogQueueSize:   1000,
		SimilarityThreshold:  0.75,
		MinLengthThreshold:   6,
		QueryKeyWordsLimit:   20,
		EnhancementBatchSize: 10,
		EnhancementRetries:   1,
		EnhancementStrategy:  "rewrite",
		RateLimit:            100,
		RateWindow:           60 * time.Second,
		RedisAddr:            "",
		ListenAddr:           ":8080",
		LogLevel:             "info",
	}
}

// LoadFile overlays YAML file values onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadEnv overlays environment variables onto cfg.
func LoadEnv(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
		cfg.UseSharedLog = true
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ThreadPoolMaxWorkers = n
		}
	}
	if v := os.Getenv("SCHEDULER_CONSUME_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ConsumeBatch = n
		}
	}
	if v := os.Getenv("SCHEDULER_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TopK = n
		}
	}
	if v := os.Getenv("SCHEDULER_CONSUMER_MODE"); v != "" {
		cfg.ConsumerMode = ConsumerMode(v)
	}
	if v := os.Getenv("ENABLE_ACTIVATION_MEMORY"); v != "" {
		cfg.EnableActivationMem = v == "true" || v == "1"
	}
	if v := os.Getenv("ACT_MEM_DUMP_PATH"); v != "" {
		cfg.ActMemDumpPath = v
	}
	if v := os.Getenv("CLOUD_ENV"); v != "" {
		cfg.CloudEnv = v == "true" || v == "1"
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate reports configuration errors that must be fatal at init time.
func (c *Config) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.TopK)
	}
	if c.ThreadPoolMaxWorkers <= 0 {
		return fmt.Errorf("thread_pool_max_workers must be positive, got %d", c.ThreadPoolMaxWorkers)
	}
	if c.ConsumeBatch <= 0 {
		return fmt.Errorf("consume_batch must be positive, got %d", c.ConsumeBatch)
	}
	if c.ConsumerMode != ConsumerShared && c.ConsumerMode != ConsumerIsolated {
		return fmt.Errorf("unknown consumer_mode %q", c.ConsumerMode)
	}
	if c.EnableActivationMem && c.ActMemDumpPath == "" {
		return fmt.Errorf("act_mem_dump_path required when activation memory is enabled")
	}
	return nil
}
