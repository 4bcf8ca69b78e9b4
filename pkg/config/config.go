package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/screamatthewind/novel/pkg/attributes"
	"github.com/screamatthewind/novel/pkg/storyboard"
	"github.com/screamatthewind/novel/pkg/tools/drawthings"
	"github.com/screamatthewind/novel/pkg/tools/llm"
	"github.com/screamatthewind/novel/pkg/tools/tts"
	"github.com/screamatthewind/novel/pkg/tools/video"
)

// EnvPrefix 环境变量前缀，例如 NOVEL_LLM_API_KEY 覆盖 llm.api_key
const EnvPrefix = "NOVEL"

// FileName 默认配置文件名
const FileName = "config.yaml"

type Config struct {
	Paths      PathsConfig            `mapstructure:"paths"`
	LLM        llm.Config             `mapstructure:"llm"`
	Pricing    storyboard.Pricing     `mapstructure:"pricing"`
	Storyboard StoryboardConfig       `mapstructure:"storyboard"`
	Cache      CacheConfig            `mapstructure:"cache"`
	Image      ImageConfig            `mapstructure:"image"`
	TTS        TTSConfig              `mapstructure:"tts"`
	Video      video.Options          `mapstructure:"video"`
	Database   DatabaseConfig         `mapstructure:"database"`
	Server     ServerConfig           `mapstructure:"server"`
	Metrics    MetricsConfig          `mapstructure:"metrics"`
	Characters []attributes.Canonical `mapstructure:"characters"`
}

type PathsConfig struct {
	InputDir    string `mapstructure:"input_dir"`
	ImagesDir   string `mapstructure:"images_dir"`
	AudioDir    string `mapstructure:"audio_dir"`
	MetadataDir string `mapstructure:"metadata_dir"`
	VideoDir    string `mapstructure:"video_dir"`
}

type StoryboardConfig struct {
	// Mode storyboard 或 keyword
	Mode            string        `mapstructure:"mode"`
	WarmConcurrency int           `mapstructure:"warm_concurrency"`
	BackendTimeout  time.Duration `mapstructure:"backend_timeout"`
	TokenEncoding   string        `mapstructure:"token_encoding"`
}

type CacheConfig struct {
	Dir       string        `mapstructure:"dir"`
	MemoryTTL time.Duration `mapstructure:"memory_ttl"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

// RedisConfig Addr 为空时不启用共享缓存
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Namespace string        `mapstructure:"namespace"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type ImageConfig struct {
	// Backend drawthings 或 placeholder
	Backend    string            `mapstructure:"backend"`
	Width      int               `mapstructure:"width"`
	Height     int               `mapstructure:"height"`
	Steps      int               `mapstructure:"steps"`
	Guidance   float64           `mapstructure:"guidance"`
	FontPath   string            `mapstructure:"font_path"`
	DrawThings drawthings.Config `mapstructure:"drawthings"`
}

type TTSConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	BaseURL string            `mapstructure:"base_url"`
	Voices  map[string]string `mapstructure:"voices"`
}

// DatabaseConfig Path 为空时使用用户数据目录下的 database.sqlite
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.input_dir", "chapters")
	v.SetDefault("paths.images_dir", "images")
	v.SetDefault("paths.audio_dir", "audio")
	v.SetDefault("paths.metadata_dir", "audio_cache")
	v.SetDefault("paths.video_dir", "videos")

	v.SetDefault("llm.provider", llm.ProviderOllama)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "qwen3:4b")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.requests_per_second", 2.0)

	p := storyboard.DefaultPricing()
	v.SetDefault("pricing.input_per_million", p.InputPerMillion)
	v.SetDefault("pricing.output_per_million", p.OutputPerMillion)

	v.SetDefault("storyboard.mode", "storyboard")
	v.SetDefault("storyboard.warm_concurrency", 0)
	v.SetDefault("storyboard.backend_timeout", 90*time.Second)
	v.SetDefault("storyboard.token_encoding", "cl100k_base")

	v.SetDefault("cache.dir", "cache/storyboard")
	v.SetDefault("cache.memory_ttl", time.Hour)
	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.namespace", "novel:storyboard")
	v.SetDefault("cache.redis.ttl", 0)

	v.SetDefault("image.backend", "drawthings")
	v.SetDefault("image.width", 1080)
	v.SetDefault("image.height", 1920)
	v.SetDefault("image.steps", 30)
	v.SetDefault("image.guidance", 7.5)
	v.SetDefault("image.font_path", "")
	v.SetDefault("image.drawthings.base_url", "http://localhost:7860")
	v.SetDefault("image.drawthings.model", "")
	v.SetDefault("image.drawthings.sampler", "DPM++ 2M Karras")
	v.SetDefault("image.drawthings.timeout", 300*time.Second)
	v.SetDefault("image.drawthings.max_retries", 2)

	v.SetDefault("tts.enabled", false)
	v.SetDefault("tts.base_url", "http://localhost:7861")

	v.SetDefault("video.ffmpeg_path", "ffmpeg")
	v.SetDefault("video.width", video.DefaultWidth)
	v.SetDefault("video.height", video.DefaultHeight)
	v.SetDefault("video.fps", video.DefaultFPS)
	v.SetDefault("video.crf", video.DefaultCRF)
	v.SetDefault("video.preset", "medium")

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.path", "")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("metrics.pushgateway_url", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default 仅包含默认值（及环境变量覆盖）的配置
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// 默认值本身可以解码，出错说明代码有误
		panic(err)
	}
	return cfg
}

// Load 读取配置文件。path 为空时依次查找工作目录和可执行文件目录下的 config.yaml，都不存在则只用默认值。
func Load(path string) (*Config, error) {
	v := newViper()
	explicit := path != ""
	if !explicit {
		path = FindConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
				return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
			}
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FindConfigFile 先找工作目录，再找可执行文件所在目录
func FindConfigFile() string {
	if wd, err := os.Getwd(); err == nil {
		p := filepath.Join(wd, FileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), FileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	switch c.Storyboard.Mode {
	case "storyboard", "keyword":
	default:
		return fmt.Errorf("无效的 storyboard.mode: %q", c.Storyboard.Mode)
	}
	switch c.Image.Backend {
	case "drawthings", "placeholder":
	default:
		return fmt.Errorf("无效的 image.backend: %q", c.Image.Backend)
	}
	if c.Image.Width <= 0 || c.Image.Height <= 0 || c.Image.Width%8 != 0 || c.Image.Height%8 != 0 {
		return fmt.Errorf("图像尺寸必须为正且是 8 的倍数: %dx%d", c.Image.Width, c.Image.Height)
	}
	if c.Pricing.InputPerMillion < 0 || c.Pricing.OutputPerMillion < 0 {
		return fmt.Errorf("价格不能为负")
	}
	return nil
}

// Roster 配置了 characters 时使用配置的角色表
func (c *Config) Roster() *attributes.Roster {
	if len(c.Characters) > 0 {
		return attributes.NewRoster(c.Characters...)
	}
	return attributes.DefaultRoster()
}

// Voices 配置了 tts.voices 时使用配置的音色表
func (c *Config) Voices() tts.Voices {
	if len(c.TTS.Voices) > 0 {
		return tts.NewVoices(c.TTS.Voices)
	}
	return tts.DefaultVoices()
}
