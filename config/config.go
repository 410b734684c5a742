// Package config loads RecallKit settings from an optional YAML file and
// the environment.
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

// Provider and backend names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderONNX      = "onnx"
	ProviderMock      = "mock"

	BackendRedis   = "redis"
	BackendChromem = "chromem"
	BackendNone    = "none"
)

// Config is the complete process configuration.
type Config struct {
	Redis     Redis     `yaml:"redis"`
	LLM       LLM       `yaml:"llm"`
	Embedding Embedding `yaml:"embedding"`
	Index     Index     `yaml:"index"`
	Recall    Recall    `yaml:"recall"`
	Jobs      Jobs      `yaml:"jobs"`
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
}

type Redis struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LLM selects the structured-completion provider used by extraction and
// reconciliation.
type LLM struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"apiKey"`
	BaseURL     string  `yaml:"baseURL"`
	Temperature float64 `yaml:"temperature"`
	Attempts    int     `yaml:"attempts"`
	MaxRetries  int     `yaml:"maxRetries"`
	StrictIDs   bool    `yaml:"strictIds"`
}

// ModelName returns the configured model or the provider's default.
// An empty result leaves the choice to the client.
func (l LLM) ModelName() string {
	if l.Model != "" {
		return l.Model
	}
	if l.Provider == ProviderOpenAI {
		return "gpt-4o-mini"
	}
	return ""
}

type Embedding struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	Dimensions   int    `yaml:"dimensions"`
	APIKey       string `yaml:"apiKey"`
	BaseURL      string `yaml:"baseURL"`
	CacheEntries int64  `yaml:"cacheEntries"`

	// ONNX only.
	ModelPath     string `yaml:"modelPath"`
	TokenizerPath string `yaml:"tokenizerPath"`
	LibraryPath   string `yaml:"libraryPath"`
}

type Index struct {
	Backend  string        `yaml:"backend"`
	Name     string        `yaml:"name"`
	Path     string        `yaml:"path"`
	Compress bool          `yaml:"compress"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type Recall struct {
	TopK          int  `yaml:"topK"`
	ForceFallback bool `yaml:"forceFallback"`
}

type Jobs struct {
	Path             string        `yaml:"path"`
	Workers          int           `yaml:"workers"`
	MaxRetries       int           `yaml:"maxRetries"`
	Backoff          time.Duration `yaml:"backoff"`
	QueueSize        int           `yaml:"queueSize"`
	SerializePerUser bool          `yaml:"serializePerUser"`
}

type Server struct {
	HTTPAddr        string        `yaml:"httpAddr"`
	GRPCAddr        string        `yaml:"grpcAddr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Redis: Redis{Host: "localhost", Port: 6379},
		LLM: LLM{
			Provider:    ProviderOpenAI,
			Temperature: 0.1,
			Attempts:    2,
			MaxRetries:  2,
		},
		Embedding: Embedding{
			Provider:     ProviderOpenAI,
			Model:        "text-embedding-3-small",
			Dimensions:   1536,
			CacheEntries: 10000,
		},
		Index: Index{
			Backend:  BackendRedis,
			Name:     "recall-index",
			Cooldown: 30 * time.Second,
		},
		Recall: Recall{TopK: 2, ForceFallback: true},
		Jobs: Jobs{
			Path:             "recallkit-jobs.db",
			Workers:          4,
			MaxRetries:       2,
			Backoff:          time.Second,
			QueueSize:        256,
			SerializePerUser: true,
		},
		Server: Server{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. A .env file in the working directory is
// applied to the environment first if present. path may be empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Redis.Host, "REDIS_HOST")
	setString(&c.Redis.Username, "REDIS_USERNAME")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	if err := setInt(&c.Redis.Port, "REDIS_PORT"); err != nil {
		return err
	}
	if err := setInt(&c.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}

	setString(&c.LLM.Provider, "RECALL_LLM_PROVIDER")
	setString(&c.LLM.Model, "RECALL_LLM_MODEL")
	setString(&c.Embedding.Provider, "RECALL_EMBED_PROVIDER")
	setString(&c.Embedding.Model, "RECALL_EMBED_MODEL")
	if err := setInt(&c.Embedding.Dimensions, "RECALL_EMBED_DIMENSIONS"); err != nil {
		return err
	}
	setString(&c.Index.Backend, "RECALL_INDEX_BACKEND")
	setString(&c.Jobs.Path, "RECALL_JOBS_DB")
	setString(&c.Server.HTTPAddr, "RECALL_HTTP_ADDR")
	setString(&c.Server.GRPCAddr, "RECALL_GRPC_ADDR")
	setString(&c.Log.Level, "RECALL_LOG_LEVEL")
	setString(&c.Log.Format, "RECALL_LOG_FORMAT")

	openaiKey := os.Getenv("OPENAI_API_KEY")
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case ProviderAnthropic:
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case ProviderOpenAI:
			c.LLM.APIKey = openaiKey
		}
	}
	if c.Embedding.APIKey == "" && c.Embedding.Provider == ProviderOpenAI {
		c.Embedding.APIKey = openaiKey
	}
	return nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Embedding.Provider {
	case ProviderOpenAI, ProviderONNX, ProviderMock:
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	switch c.Index.Backend {
	case BackendRedis, BackendChromem, BackendNone:
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Recall.TopK <= 0 {
		return fmt.Errorf("recall topK must be positive, got %d", c.Recall.TopK)
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("jobs maxRetries must not be negative")
	}
	if c.Embedding.Provider == ProviderONNX && (c.Embedding.ModelPath == "" || c.Embedding.TokenizerPath == "") {
		return errors.New("onnx embedding requires modelPath and tokenizerPath")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
