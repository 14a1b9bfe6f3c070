// Package log builds the process logger.
package log

import (
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config selects where and how the logger writes.
type Config struct {
	File      string `env:"LOG_FILE" envDefault:"-"` // "-" is stderr
	Formatter string `env:"LOG_FORMAT" envDefault:"text"`
	Level     string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadEnvironmentVariables reads the logger settings from the environment.
func LoadEnvironmentVariables() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parse log env")
	}
	return cfg, nil
}

// New returns a logrus logger configured by cfg. Log files are rotated.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()

	var writer io.Writer
	if cfg.File == "-" || cfg.File == "" {
		writer = os.Stderr
	} else {
		writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     28,
		}
	}
	logger.Out = writer

	switch cfg.Formatter {
	case "json":
		logger.Formatter = &logrus.JSONFormatter{}
	case "text", "":
		logger.Formatter = &logrus.TextFormatter{}
	default:
		return nil, errors.Errorf("unknown LOG_FORMAT %q", cfg.Formatter)
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "LOG_LEVEL")
	}
	logger.Level = lvl

	return logger, nil
}
