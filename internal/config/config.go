package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	ListenPort   int               `json:"listen_port"`
	DataDir      string            `json:"data_dir"`
	SynthesisURL string            `json:"synthesis_url"`
	SynthesisKey string            `json:"synthesis_key"`
	Headers      map[string]string `json:"headers"`
	LogFile      string            `json:"log_file"`
	LogLevel     string            `json:"log_level"`
}

// Default returns the built-in configuration used when no file is present.
func Default() Config {
	return Config{
		ListenPort:   8086,
		DataDir:      "./data",
		SynthesisURL: "http://localhost:9090/v1/speech",
		Headers:      map[string]string{},
		LogFile:      "./data/accelerator.log",
		LogLevel:     "INFO",
	}
}

// Load reads configuration from a JSON file, falling back to defaults
// if the file does not exist.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Level converts the configured log level string to a slog.Level.
func (c Config) Level() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
