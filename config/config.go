package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// relay
	Port         int    `env:"MSIM_PORT"`
	HTTPAddr     string `env:"MSIM_HTTP_ADDR"`
	DBPath       string `env:"MSIM_DB_PATH"`
	ReadTimeout  int    `env:"MSIM_READ_TIMEOUT"`  // seconds
	WriteTimeout int    `env:"MSIM_WRITE_TIMEOUT"` // seconds
	ControlPath  string `env:"MSIM_CONTROL_SOCKET"`

	LogLevel  string `env:"MSIM_LOG_LEVEL"`
	LogFormat string `env:"MSIM_LOG_FORMAT"`

	// chat client
	Transport      string        `env:"MSIM_TRANSPORT"`
	RelayAddr      string        `env:"MSIM_RELAY_ADDR"`
	WSURL          string        `env:"MSIM_WS_URL"`
	NATSURL        string        `env:"MSIM_NATS_URL"`
	NATSPrefix     string        `env:"MSIM_NATS_PREFIX"`
	UserID         string        `env:"MSIM_USER"`
	Token          string        `env:"MSIM_TOKEN"`
	HistoryPath    string        `env:"MSIM_HISTORY_PATH"`
	BlobPath       string        `env:"MSIM_BLOB_PATH"`
	TypingWindow   time.Duration `env:"MSIM_TYPING_WINDOW"`
	TypingThrottle time.Duration `env:"MSIM_TYPING_THROTTLE"`
	SimPeers       []string      `env:"MSIM_SIM_PEERS" envSeparator:","`
}

func Default() *Config {
	return &Config{
		Port:         3215,
		HTTPAddr:     ":3216",
		DBPath:       "msim.db",
		ReadTimeout:  120,
		WriteTimeout: 30,
		ControlPath:  "/tmp/msim.sock",

		LogLevel:  "info",
		LogFormat: "text",

		Transport:      "line",
		RelayAddr:      "localhost:3215",
		WSURL:          "ws://localhost:3216/ws",
		NATSURL:        "nats://127.0.0.1:4222",
		NATSPrefix:     "chat",
		HistoryPath:    "msim-history.db",
		BlobPath:       "msim-blobs",
		TypingWindow:   5 * time.Second,
		TypingThrottle: 3 * time.Second,
	}
}

// Load returns defaults overlaid with .env in the working directory and
// then the process environment.
func Load() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom is Load with an explicit dotenv file. A missing file is not an
// error.
func LoadFrom(dotenv string) (*Config, error) {
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotenv, err)
	}

	cfg := Default()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

func (c *Config) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}
