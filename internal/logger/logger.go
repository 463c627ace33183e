// Package logger configures the gateway's structured logging (zerolog),
// modeled on minder's internal/logger.FromFlags.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/neurogate/gateway/internal/config"
)

// FromFlags builds a root logger matching cfg, performing the package-level
// zerolog field renaming FromFlags always does (zerolog only exposes these
// as globals).
func FromFlags(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimestampFieldName = "timestamp"
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixNano

	var writers []io.Writer
	if cfg.LogFile != "" {
		path := filepath.Clean(cfg.LogFile)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Err(err).Msg("failed to open log file, defaulting to stdout")
		} else {
			writers = append(writers, file)
		}
	}

	if cfg.Format == string(config.LogFormatText) {
		writers = append(writers, zerolog.NewConsoleWriter())
	} else {
		writers = append(writers, os.Stdout)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}
