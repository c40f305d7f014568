package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int    `yaml:"port"`
	DBPath       string `yaml:"db_path"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	PingInterval int    `yaml:"ping_interval"` // seconds

	// Outbound events buffered per connection before new ones are dropped.
	SendQueueSize int   `yaml:"send_queue_size"`
	ReadLimit     int64 `yaml:"read_limit"` // bytes per inbound frame

	JWTSecret    string `yaml:"jwt_secret"`
	RequireToken bool   `yaml:"require_token"`

	WSInsecureSkipVerify bool     `yaml:"ws_insecure_skip_verify"`
	AllowedOrigins       []string `yaml:"allowed_origins"`

	// Inbound live events per second per connection.
	EventRate  float64 `yaml:"event_rate"`
	EventBurst int     `yaml:"event_burst"`

	ControlSocket string `yaml:"control_socket"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		Port:          8080,
		DBPath:        "flowchat.db",
		ReadTimeout:   120,
		WriteTimeout:  10,
		PingInterval:  25,
		SendQueueSize: 64,
		ReadLimit:     1 << 20,
		EventRate:     20,
		EventBurst:    40,
		ControlSocket: "/tmp/flowchat.sock",
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load builds the configuration from defaults, then the YAML file at path (if any),
// then a .env file in the working directory, then FLOWCHAT_* environment variables.
func Load(path string) (*Config, error) {
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

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if portStr := os.Getenv("FLOWCHAT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	} else if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("FLOWCHAT_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("FLOWCHAT_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("FLOWCHAT_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if intervalStr := os.Getenv("FLOWCHAT_PING_INTERVAL"); intervalStr != "" {
		if interval, err := strconv.Atoi(intervalStr); err == nil {
			cfg.PingInterval = interval
		}
	}

	if sizeStr := os.Getenv("FLOWCHAT_SEND_QUEUE_SIZE"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil {
			cfg.SendQueueSize = size
		}
	}

	if secret := os.Getenv("FLOWCHAT_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	} else if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if v := os.Getenv("FLOWCHAT_REQUIRE_TOKEN"); v != "" {
		cfg.RequireToken = v == "true" || v == "1"
	}

	if os.Getenv("FLOWCHAT_WS_INSECURE_SKIP_VERIFY") == "true" {
		cfg.WSInsecureSkipVerify = true
	}

	if origins := os.Getenv("FLOWCHAT_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if rateStr := os.Getenv("FLOWCHAT_EVENT_RATE"); rateStr != "" {
		if rate, err := strconv.ParseFloat(rateStr, 64); err == nil {
			cfg.EventRate = rate
		}
	}

	if burstStr := os.Getenv("FLOWCHAT_EVENT_BURST"); burstStr != "" {
		if burst, err := strconv.Atoi(burstStr); err == nil {
			cfg.EventBurst = burst
		}
	}

	if sock := os.Getenv("FLOWCHAT_CONTROL_SOCKET"); sock != "" {
		cfg.ControlSocket = sock
	}

	if lvl := os.Getenv("FLOWCHAT_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}

	if format := os.Getenv("FLOWCHAT_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	if c.RequireToken && c.JWTSecret == "" {
		return errors.New("config: require_token needs jwt_secret")
	}
	if c.SendQueueSize <= 0 {
		return errors.New("config: send_queue_size must be positive")
	}
	if c.EventRate <= 0 || c.EventBurst <= 0 {
		return errors.New("config: event_rate and event_burst must be positive")
	}
	return nil
}
