package serv

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting of the service. All values come from
// the environment; there is no config file.
type Config struct {
	// Application name is used in log and debug messages
	AppName string `mapstructure:"app_name"`

	// The host and port the service runs on. Example localhost:8080
	HostPort string `mapstructure:"host_port"`

	// Host to run the service on
	Host string `mapstructure:"host"`

	// Port to run the service on
	Port string `mapstructure:"port"`

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level"`

	// Logging Format: "auto" (colored console in dev, JSON in production),
	// "json" or "simple"
	LogFormat string `mapstructure:"log_format"`

	// Database connection string, mysql or postgres URL
	DatabaseURL string `mapstructure:"database_url"`

	// Redis connection URL; empty falls back to the in-process cache
	RedisURL string `mapstructure:"redis_url"`

	// Accepted for deployment parity; nothing consumes it yet
	ElasticsearchURL string `mapstructure:"elasticsearch_url"`

	// Path to the schema manifest JSON file
	ManifestPath string `mapstructure:"manifest_path"`

	// OpenAI-compatible completions endpoint and credentials
	LLMBaseURL string `mapstructure:"llm_base_url"`
	LLMAPIKey  string `mapstructure:"llm_api_key"`
	LLMModel   string `mapstructure:"llm_model"`

	// Embeddings endpoint; shares the LLM credentials when unset
	EmbeddingsBaseURL string `mapstructure:"embeddings_base_url"`
	EmbeddingsModel   string `mapstructure:"embeddings_model"`

	// Request timeout against the model provider
	LLMTimeout time.Duration `mapstructure:"llm_timeout"`

	hostPort string
}

// NewConfig reads the configuration from the environment. Every key has a
// development-friendly default.
func NewConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("app_name", "tagserv")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "debug")
	v.SetDefault("log_format", "auto")
	v.SetDefault("manifest_path", "./config/schema_manifest.json")
	v.SetDefault("llm_base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm_model", "llama-3.3-70b-versatile")
	v.SetDefault("embeddings_model", "text-embedding-3-small")
	v.SetDefault("llm_timeout", 30*time.Second)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"app_name", "host_port", "host", "port", "log_level", "log_format",
		"database_url", "redis_url", "elasticsearch_url", "manifest_path",
		"llm_base_url", "llm_api_key", "llm_model",
		"embeddings_base_url", "embeddings_model", "llm_timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, err
	}

	// Providers expose their keys under their own names.
	if conf.LLMAPIKey == "" {
		conf.LLMAPIKey = os.Getenv("GROQ_API_KEY")
	}
	if conf.LLMAPIKey == "" {
		conf.LLMAPIKey = os.Getenv("OPENAI_API_KEY")
	}

	conf.hostPort = conf.HostPort
	if conf.hostPort == "" {
		conf.hostPort = conf.Host + ":" + conf.Port
	}
	return &conf, nil
}

// Production reports whether the service runs with production defaults.
// APP_ENV takes precedence over GO_ENV.
func (c *Config) Production() bool {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = os.Getenv("GO_ENV")
	}
	return strings.EqualFold(env, "production")
}

// ShouldUseJSONLogs resolves the effective log encoding.
func (c *Config) ShouldUseJSONLogs() bool {
	switch strings.ToLower(c.LogFormat) {
	case "json":
		return true
	case "simple":
		return false
	default:
		return c.Production()
	}
}
