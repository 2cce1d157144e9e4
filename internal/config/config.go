package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr       string `yaml:"addr"`
	CORSOrigin string `yaml:"cors_origin"`
	LogLevel   string `yaml:"log_level"`
	// Analysis engine
	AnalysisBackend     string        `yaml:"analysis_backend"`
	AnalysisURL         string        `yaml:"analysis_url"`
	GeminiAPIKey        string        `yaml:"gemini_api_key"`
	GeminiModel         string        `yaml:"gemini_model"`
	AnalysisTimeout     time.Duration `yaml:"analysis_timeout"`
	AnalysisConcurrency int           `yaml:"analysis_concurrency"`
	ChunkSize           int           `yaml:"chunk_size"`
	IDBucketSize        int           `yaml:"id_bucket_size"`
	// Sessions
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Redis analysis cache, disabled when empty
	RedisURL string        `yaml:"redis_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func Defaults() Config {
	return Config{
		Addr:                ":8787",
		CORSOrigin:          "*",
		LogLevel:            "info",
		AnalysisBackend:     "http",
		AnalysisURL:         "http://localhost:8790/analyze",
		GeminiModel:         "gemini-2.0-flash",
		AnalysisTimeout:     20 * time.Second,
		AnalysisConcurrency: 4,
		ChunkSize:           4000,
		IDBucketSize:        64,
		SessionTTL:          30 * time.Minute,
		SweepInterval:       time.Minute,
		CacheTTL:            24 * time.Hour,
	}
}

// Load returns the defaults overridden by the environment.
func Load() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadFile reads a YAML config file on top of the defaults; the environment still
// has the last word.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getenv("API_ADDR", cfg.Addr)
	cfg.CORSOrigin = getenv("CORS_ORIGIN", cfg.CORSOrigin)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.AnalysisBackend = getenv("ANALYSIS_BACKEND", cfg.AnalysisBackend)
	cfg.AnalysisURL = getenv("ANALYSIS_URL", cfg.AnalysisURL)
	cfg.GeminiAPIKey = getenv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiModel = getenv("GEMINI_MODEL", cfg.GeminiModel)
	cfg.AnalysisTimeout = getenvSeconds("ANALYSIS_TIMEOUT_SECONDS", cfg.AnalysisTimeout)
	cfg.AnalysisConcurrency = getenvInt("ANALYSIS_CONCURRENCY", cfg.AnalysisConcurrency)
	cfg.ChunkSize = getenvInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.IDBucketSize = getenvInt("ID_BUCKET_SIZE", cfg.IDBucketSize)
	cfg.SessionTTL = getenvSeconds("SESSION_TTL_SECONDS", cfg.SessionTTL)
	cfg.SweepInterval = getenvSeconds("SESSION_SWEEP_SECONDS", cfg.SweepInterval)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.CacheTTL = getenvSeconds("ANALYSIS_CACHE_TTL_SECONDS", cfg.CacheTTL)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvSeconds(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return time.Duration(parsed) * time.Second
}
