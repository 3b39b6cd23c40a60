package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/napryag/fitness_portal_bot/pkg/domain/bot/sender"
	"github.com/napryag/fitness_portal_bot/pkg/domain/schedule"
	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

var DefaultPath = filepath.Join("cmd/bot/etc", "app.yml")

// Env — секреты и адреса, только из окружения (.env подхватывается, если есть).
type Env struct {
	BotToken      string `env:"TG_TOKEN,required,notEmpty"`
	APIHost       string `env:"API_HOSTNAME,required,notEmpty"`
	APIPort       string `env:"API_PORT"`
	APIPath       string `env:"API_PATH"`
	APIKey        string `env:"API_KEY"`
	SecretKey     string `env:"SECRET_KEY,required,notEmpty"`
	Authorization string `env:"AUTHORIZATION"`
	CachePhone    string `env:"CACHE_PHONE"`
	DatabaseURI   string `env:"DATABASE_URI"`
}

type CRM struct {
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	PricelistPaths     []string      `yaml:"pricelist_paths" validate:"dive,required"`
}

type RateLimit struct {
	PerSecond float64 `yaml:"per_second" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

type Config struct {
	HTTPPort        int                    `yaml:"http_port" validate:"required,gt=0,lte=65535"`
	LogLevel        string                 `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	Timezone        string                 `yaml:"timezone"`
	StorePath       string                 `yaml:"store_path" validate:"required"`
	CachePath       string                 `yaml:"cache_path" validate:"required"`
	CacheInterval   time.Duration          `yaml:"cache_interval" validate:"gte=0"`
	ScheduleHorizon time.Duration          `yaml:"schedule_horizon" validate:"gte=0"`
	CacheHorizon    time.Duration          `yaml:"cache_horizon" validate:"gte=0"`
	PurchaseOptions int                    `yaml:"purchase_options" validate:"gte=0"`
	CRM             CRM                    `yaml:"crm"`
	RateLimit       RateLimit              `yaml:"rate_limit"`
	ChatIdle        time.Duration          `yaml:"chat_idle" validate:"gte=0"`
	Sender          sender.ProcessorConfig `yaml:"sender"`
	Directions      schedule.Directions    `yaml:"directions" validate:"unique=Key,dive"`

	Env Env `yaml:"-"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("failed to read config file").Arg("path", path).Wrap(err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.New("failed to unmarshal YAML").Wrap(err)
	}
	cfg.applyDefaults()

	if err = validator.New().Struct(cfg); err != nil {
		return nil, errs.New("config validation failed").Wrap(err)
	}

	// .env необязателен: в контейнере переменные приходят снаружи
	if err = godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errs.New("failed to load .env").Wrap(err)
	}
	if err = env.Parse(&cfg.Env); err != nil {
		return nil, errs.New("failed to parse environment").Wrap(err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Moscow"
	}
	if c.CacheInterval == 0 {
		c.CacheInterval = 15 * time.Minute
	}
	if c.ScheduleHorizon == 0 {
		c.ScheduleHorizon = 72 * time.Hour
	}
	if c.CacheHorizon == 0 {
		c.CacheHorizon = 72 * time.Hour
	}
	if c.PurchaseOptions == 0 {
		c.PurchaseOptions = 5
	}
	if c.ChatIdle == 0 {
		c.ChatIdle = time.Minute
	}
	if c.CRM.Timeout == 0 {
		c.CRM.Timeout = 15 * time.Second
	}
	if c.RateLimit.PerSecond == 0 {
		c.RateLimit.PerSecond = 3
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
}

// Location resolves Timezone; schedule times from the CRM are local to it.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errs.New("unknown timezone").Arg("timezone", c.Timezone).Wrap(err)
	}
	return loc, nil
}
