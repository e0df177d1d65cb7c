package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    Server
	JWT       JWT
	Database  Database
	Redis     Redis
	RateLimit RateLimit
	Delivery  Delivery
}

type Server struct {
	Port        string
	LogLevel    string
	CORSOrigins []string
}

type JWT struct {
	Secret string
}

type Database struct {
	DSN string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type RateLimit struct {
	Max    int
	Window time.Duration
}

type Delivery struct {
	PersistTimeout  time.Duration
	NotifyTimeout   time.Duration
	HistoryPageSize int
}

var ErrMissingSecret = errors.New("JWT_SECRET is required")

// Load reads .env when present, then the environment, then CONFIG_FILE.
// Environment variables win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	return Parse(viper.New())
}

func Parse(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{
		Server: Server{
			Port:        v.GetString("PORT"),
			LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
			CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
		},
		JWT:      JWT{Secret: v.GetString("JWT_SECRET")},
		Database: Database{DSN: v.GetString("DATABASE_DSN")},
		Redis: Redis{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		RateLimit: RateLimit{
			Max:    v.GetInt("RATE_LIMIT_MAX"),
			Window: v.GetDuration("RATE_LIMIT_WINDOW"),
		},
		Delivery: Delivery{
			PersistTimeout:  v.GetDuration("PERSIST_TIMEOUT"),
			NotifyTimeout:   v.GetDuration("NOTIFY_TIMEOUT"),
			HistoryPageSize: v.GetInt("HISTORY_PAGE_SIZE"),
		},
	}
	if c.JWT.Secret == "" {
		return nil, ErrMissingSecret
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("PERSIST_TIMEOUT", 5*time.Second)
	v.SetDefault("NOTIFY_TIMEOUT", 3*time.Second)
	v.SetDefault("HISTORY_PAGE_SIZE", 50)
	v.SetDefault("CORS_ORIGINS", "*")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
