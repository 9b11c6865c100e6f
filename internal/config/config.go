package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Tavily    TavilyConfig    `yaml:"tavily"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Highlight HighlightConfig `yaml:"highlight"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type OpenAIConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	CompletionModel string `yaml:"completion_model"`
	EmbedModel      string `yaml:"embed_model"`
}

type TavilyConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type ChunkingConfig struct {
	MaxTokens     int `yaml:"max_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
	MaxUploadSize int `yaml:"max_upload_size"`
}

type RetrievalConfig struct {
	TopK         int     `yaml:"top_k"`
	MinRelevance float64 `yaml:"min_relevance"`
}

type HighlightConfig struct {
	MaxHighlights          int     `yaml:"max_highlights"`
	AbsentThreshold        float64 `yaml:"absent_threshold"`
	ContradictionThreshold float64 `yaml:"contradiction_threshold"`
	MinDeviation           float64 `yaml:"min_deviation"`
	DedupeThreshold        float64 `yaml:"dedupe_threshold"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		OpenAI: OpenAIConfig{
			BaseURL:         "https://api.openai.com/v1",
			CompletionModel: "gpt-4o-mini",
			EmbedModel:      "text-embedding-3-small",
		},
		Tavily: TavilyConfig{
			BaseURL: "https://api.tavily.com",
		},
		Chunking: ChunkingConfig{
			MaxTokens:     500,
			OverlapTokens: 50,
			MaxUploadSize: 50 << 20, // 50MB
		},
		Retrieval: RetrievalConfig{
			TopK:         5,
			MinRelevance: 0.4,
		},
		Highlight: HighlightConfig{
			MaxHighlights:          5,
			AbsentThreshold:        0.35,
			ContradictionThreshold: 0.60,
			MinDeviation:           0.30,
			DedupeThreshold:        0.92,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(home, ".policylens")
}

// Load reads configuration in layers: built-in defaults, an optional YAML
// file (POLICYLENS_CONFIG or ./policylens.yaml), a .env file in the working
// directory, and finally PL_* environment variables. Later layers win.
//
// The OpenAI API key is the only required value.
func Load() (Config, error) {
	cfg := defaults()

	path := os.Getenv("POLICYLENS_CONFIG")
	if path == "" {
		path = "policylens.yaml"
	}
	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}

	// .env is optional; ignore absence but not parse errors.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.OpenAI.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenAI API key. Set it via PL_OPENAI_API_KEY or the openai.api_key config field")
	}
	if cfg.Chunking.OverlapTokens >= cfg.Chunking.MaxTokens {
		return Config{}, fmt.Errorf("chunking overlap (%d) must be smaller than max tokens (%d)", cfg.Chunking.OverlapTokens, cfg.Chunking.MaxTokens)
	}

	return cfg, nil
}

// applyFile merges a YAML config file into cfg. A missing file is not an error.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setInt("PL_PORT", &cfg.Server.Port)
	setString("PL_API_TOKEN", &cfg.Server.APIToken)
	setString("PL_LOG_LEVEL", &cfg.Log.Level)
	setString("PL_DATA_DIR", &cfg.Storage.DataDir)
	setString("PL_OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	setString("PL_OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	setString("PL_COMPLETION_MODEL", &cfg.OpenAI.CompletionModel)
	setString("PL_EMBED_MODEL", &cfg.OpenAI.EmbedModel)
	setString("PL_TAVILY_BASE_URL", &cfg.Tavily.BaseURL)
	setString("PL_TAVILY_API_KEY", &cfg.Tavily.APIKey)
	setInt("PL_CHUNK_MAX_TOKENS", &cfg.Chunking.MaxTokens)
	setInt("PL_CHUNK_OVERLAP_TOKENS", &cfg.Chunking.OverlapTokens)
	setInt("PL_MAX_UPLOAD_SIZE", &cfg.Chunking.MaxUploadSize)
	setInt("PL_RETRIEVAL_TOP_K", &cfg.Retrieval.TopK)
	setFloat("PL_MIN_RELEVANCE", &cfg.Retrieval.MinRelevance)
	setInt("PL_MAX_HIGHLIGHTS", &cfg.Highlight.MaxHighlights)
	setFloat("PL_ABSENT_THRESHOLD", &cfg.Highlight.AbsentThreshold)
	setFloat("PL_CONTRADICTION_THRESHOLD", &cfg.Highlight.ContradictionThreshold)
	setFloat("PL_MIN_DEVIATION", &cfg.Highlight.MinDeviation)
	setFloat("PL_DEDUPE_THRESHOLD", &cfg.Highlight.DedupeThreshold)
}
