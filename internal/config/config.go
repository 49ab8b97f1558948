// Package config loads the exam server and client configuration file.
//
// The file is YAML; a JSON file is accepted as well since JSON is a subset of
// YAML. Missing keys keep their defaults.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	PublicHost        string `yaml:"public_host"`
	DataPortMin       int    `yaml:"data_port_min"`
	DataPortMax       int    `yaml:"data_port_max"`
	BindAttempts      int    `yaml:"bind_attempts"`
	MaxConnections    int    `yaml:"max_connections"`
	BufferSize        int    `yaml:"buffer_size"`
	ConnectionTimeout int    `yaml:"connection_timeout"` // seconds
	DataTimeout       int    `yaml:"data_timeout"`       // seconds
	MaxFileSizeMB     int    `yaml:"max_file_size_mb"`
	BandwidthLimitKB  int    `yaml:"bandwidth_limit_kb"` // per transfer, 0 = unlimited
}

type ClientConfig struct {
	ServerIP          string `yaml:"server_ip"`
	Port              int    `yaml:"port"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
	ReconnectDelay    int    `yaml:"reconnect_delay"`    // seconds
	HeartbeatInterval int    `yaml:"heartbeat_interval"` // seconds
}

type ExamConfig struct {
	DefaultDurationMinutes int `yaml:"default_duration_minutes"`
	SyncIntervalSeconds    int `yaml:"sync_interval_seconds"`
}

type PathsConfig struct {
	StudentsFile string `yaml:"students_file"`
	QuestionsDir string `yaml:"questions_dir"`
	AnswersDir   string `yaml:"answers_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// Config is the root of the configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Exam    ExamConfig    `yaml:"exam"`
	Paths   PathsConfig   `yaml:"paths"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              2121,
			DataPortMin:       49152,
			DataPortMax:       65535,
			BindAttempts:      10,
			MaxConnections:    50,
			BufferSize:        65536,
			ConnectionTimeout: 300,
			DataTimeout:       30,
			MaxFileSizeMB:     50,
		},
		Client: ClientConfig{
			ServerIP:          "127.0.0.1",
			Port:              2121,
			ReconnectAttempts: 5,
			ReconnectDelay:    3,
			HeartbeatInterval: 30,
		},
		Exam: ExamConfig{
			DefaultDurationMinutes: 120,
			SyncIntervalSeconds:    30,
		},
		Paths: PathsConfig{
			StudentsFile: "students.txt",
			QuestionsDir: "Sorular",
			AnswersDir:   "Cevaplar",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate fills zero values with defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	def := Default()
	s := &c.Server
	if s.Port == 0 {
		s.Port = def.Server.Port
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", s.Port)
	}
	if s.DataPortMin < 0 || s.DataPortMax > 65535 || s.DataPortMin > s.DataPortMax {
		return fmt.Errorf("invalid data port range [%d, %d]", s.DataPortMin, s.DataPortMax)
	}
	if s.BindAttempts <= 0 {
		s.BindAttempts = def.Server.BindAttempts
	}
	if s.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	if s.BufferSize <= 0 {
		s.BufferSize = def.Server.BufferSize
	}
	if s.ConnectionTimeout <= 0 {
		s.ConnectionTimeout = def.Server.ConnectionTimeout
	}
	if s.DataTimeout <= 0 {
		s.DataTimeout = def.Server.DataTimeout
	}
	if s.MaxFileSizeMB <= 0 {
		s.MaxFileSizeMB = def.Server.MaxFileSizeMB
	}
	if s.BandwidthLimitKB < 0 {
		return fmt.Errorf("server.bandwidth_limit_kb must not be negative")
	}

	if c.Client.Port == 0 {
		c.Client.Port = def.Client.Port
	}
	if c.Client.HeartbeatInterval <= 0 {
		c.Client.HeartbeatInterval = def.Client.HeartbeatInterval
	}

	if c.Exam.DefaultDurationMinutes <= 0 {
		c.Exam.DefaultDurationMinutes = def.Exam.DefaultDurationMinutes
	}
	if c.Exam.SyncIntervalSeconds <= 0 {
		c.Exam.SyncIntervalSeconds = def.Exam.SyncIntervalSeconds
	}

	if c.Paths.QuestionsDir == "" {
		c.Paths.QuestionsDir = def.Paths.QuestionsDir
	}
	if c.Paths.AnswersDir == "" {
		c.Paths.AnswersDir = def.Paths.AnswersDir
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Addr is the control-channel listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeout) * time.Second
}

func (s ServerConfig) DataAcceptTimeout() time.Duration {
	return time.Duration(s.DataTimeout) * time.Second
}

func (s ServerConfig) MaxFileSize() int64 {
	return int64(s.MaxFileSizeMB) * 1024 * 1024
}

// Addr is the server address a client dials.
func (c ClientConfig) Addr() string {
	return net.JoinHostPort(c.ServerIP, strconv.Itoa(c.Port))
}

// ParseLevel maps a level name to a slog.Level. An empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}
