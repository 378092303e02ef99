package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultLLMTimeout = 60 * time.Second
const defaultLLMTimeoutSeconds = int(defaultLLMTimeout / time.Second)

type Config struct {
	LLMProvider   string `yaml:"llm_provider"`
	LLMModel      string `yaml:"llm_model"`
	LLMBaseURL    string `yaml:"llm_base_url"`
	LLMMaxTokens  int    `yaml:"llm_max_tokens"`
	LLMTimeoutSec int    `yaml:"llm_timeout_seconds"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	DBPath       string `yaml:"db_path"`
	ExamplesPath string `yaml:"examples_path"`

	BatchSize     int     `yaml:"batch_size"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	RetryTimes    int     `yaml:"retry_times"` // retries after a unit's first attempt
	RetryDelaySec int     `yaml:"retry_delay_seconds"`
	PrescreenGate bool    `yaml:"prescreen_gate"`
	ScoreMode     string  `yaml:"score_mode"`
	SuspicionMin  float64 `yaml:"suspicion_threshold"`

	AnalysisSchedule string `yaml:"analysis_schedule"`
	CleanupSchedule  string `yaml:"cleanup_schedule"`
	RetentionDays    int    `yaml:"retention_days"`
	Timezone         string `yaml:"timezone"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.LLMBaseURL, "LLM_BASE_URL")
	envOverrideInt(&cfg.LLMMaxTokens, "LLM_MAX_TOKENS")
	envOverrideInt(&cfg.LLMTimeoutSec, "LLM_TIMEOUT_SECONDS")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.ExamplesPath, "EXAMPLES_PATH")
	envOverrideInt(&cfg.BatchSize, "BATCH_SIZE")
	envOverrideInt(&cfg.MaxConcurrent, "MAX_CONCURRENT")
	envOverrideInt(&cfg.RetryTimes, "RETRY_TIMES")
	envOverrideInt(&cfg.RetryDelaySec, "RETRY_DELAY_SECONDS")
	envOverrideBool(&cfg.PrescreenGate, "PRESCREEN_GATE")
	envOverride(&cfg.ScoreMode, "SCORE_MODE")
	envOverrideFloat(&cfg.SuspicionMin, "SUSPICION_THRESHOLD")
	envOverride(&cfg.AnalysisSchedule, "ANALYSIS_SCHEDULE")
	envOverride(&cfg.CleanupSchedule, "CLEANUP_SCHEDULE")
	envOverrideInt(&cfg.RetentionDays, "RETENTION_DAYS")
	envOverride(&cfg.Timezone, "TIMEZONE")

	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.LLMTimeoutSec == 0 {
		cfg.LLMTimeoutSec = defaultLLMTimeoutSeconds
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./analysis.db"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.RetryTimes == 0 {
		cfg.RetryTimes = 3
	}
	// Retrying sooner than the model timeout would re-fire a timed-out
	// call immediately, so the delay floor is the timeout itself.
	if cfg.RetryDelaySec == 0 {
		cfg.RetryDelaySec = cfg.LLMTimeoutSec
	}
	if cfg.ScoreMode == "" {
		cfg.ScoreMode = "max"
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 90
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when llm_provider=openai")
		}
	default:
		log.Fatalf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
	}

	if cfg.ScoreMode != "max" && cfg.ScoreMode != "sum" {
		log.Fatalf("score_mode must be 'max' or 'sum', got '%s'", cfg.ScoreMode)
	}
	if cfg.SuspicionMin < 0 {
		log.Fatalf("invalid suspicion_threshold '%f': must be >= 0", cfg.SuspicionMin)
	}
	if cfg.BatchSize < 1 {
		log.Fatalf("invalid batch_size '%d': must be >= 1", cfg.BatchSize)
	}
	if cfg.MaxConcurrent < 1 {
		log.Fatalf("invalid max_concurrent '%d': must be >= 1", cfg.MaxConcurrent)
	}
	if cfg.RetryTimes < 1 {
		log.Fatalf("invalid retry_times '%d': must be >= 1", cfg.RetryTimes)
	}
	if cfg.LLMTimeoutSec < 5 {
		log.Fatalf("invalid llm_timeout_seconds '%d': must be >= 5", cfg.LLMTimeoutSec)
	}
	if cfg.RetryDelaySec < cfg.LLMTimeoutSec {
		log.Fatalf("invalid retry_delay_seconds '%d': must be >= llm_timeout_seconds (%d)", cfg.RetryDelaySec, cfg.LLMTimeoutSec)
	}
	if cfg.RetentionDays < 1 {
		log.Fatalf("invalid retention_days '%d': must be >= 1", cfg.RetentionDays)
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	return cfg
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec) * time.Second
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
