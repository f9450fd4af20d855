package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Model   ModelConfig   `mapstructure:"model"`
	Doubao  DoubaoConfig  `mapstructure:"doubao"`
	Qwen    QwenConfig    `mapstructure:"qwen"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Image   ImageConfig   `mapstructure:"image"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Upload  UploadConfig  `mapstructure:"upload"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Log     LogConfig     `mapstructure:"log"`
	Session SessionConfig `mapstructure:"session"`
	Storage StorageConfig `mapstructure:"storage"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type ModelConfig struct {
	Provider string `mapstructure:"provider"` // doubao | qwen | openai
	General  string `mapstructure:"general"`  // 通用变体对应的模型标识
	Coder    string `mapstructure:"coder"`    // 编程变体对应的模型标识
}

type DoubaoConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type QwenConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	TopP        float32       `mapstructure:"top_p"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ImageConfig struct {
	Model string `mapstructure:"model"` // 图片生成模型标识
	Size  string `mapstructure:"size"`
}

type QuotaConfig struct {
	DailyImageLimit int    `mapstructure:"daily_image_limit"`
	DBPath          string `mapstructure:"db_path"`
}

type AuthConfig struct {
	UserID      string `mapstructure:"user_id"`
	Email       string `mapstructure:"email"`
	DisplayName string `mapstructure:"display_name"`
}

type UploadConfig struct {
	MaxSizeBytes int64    `mapstructure:"max_size_bytes"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxHistory      int           `mapstructure:"max_history"` // 重放历史的最大消息数
}

type StorageConfig struct {
	Type      string `mapstructure:"type"`
	DataDir   string `mapstructure:"data_dir"`
	CacheSize int    `mapstructure:"cache_size"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LUMINA")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// 配置文件优先，配置文件中没有设置时回退到环境变量
	if cfg.Doubao.APIKey == "" {
		if apiKey := os.Getenv("ARK_API_KEY"); apiKey != "" {
			cfg.Doubao.APIKey = apiKey
		}
	}
	if cfg.Qwen.APIKey == "" {
		if apiKey := os.Getenv("DASHSCOPE_API_KEY"); apiKey != "" {
			cfg.Qwen.APIKey = apiKey
		}
	}
	if cfg.OpenAI.APIKey == "" {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			cfg.OpenAI.APIKey = apiKey
		}
	}

	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Quota.DailyImageLimit <= 0 {
		c.Quota.DailyImageLimit = 3
	}
	if c.Upload.MaxSizeBytes <= 0 {
		c.Upload.MaxSizeBytes = 4 << 20
	}
	if len(c.Upload.AllowedTypes) == 0 {
		c.Upload.AllowedTypes = []string{"image/png", "image/jpeg", "image/webp", "image/gif"}
	}
	if c.Session.MaxHistory <= 0 {
		c.Session.MaxHistory = 20
	}
	if c.Storage.CacheSize <= 0 {
		c.Storage.CacheSize = 100
	}
	if c.Image.Size == "" {
		c.Image.Size = "1024x1024"
	}
}

func Get() *Config {
	return cfg
}

// APIKey 返回当前会话提供方的凭证，未配置时为空串（降级为本地只读会话）
func (c *Config) APIKey() string {
	switch c.Model.Provider {
	case "qwen":
		return c.Qwen.APIKey
	case "openai":
		return c.OpenAI.APIKey
	default:
		return c.Doubao.APIKey
	}
}
