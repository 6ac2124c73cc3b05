// Package platform adapts the indexer's ambient logging and
// configuration stack: a zerolog logger that switches between pretty
// console and JSON output, and a koanf-backed config loader combining a
// TOML base file with environment variable overrides. This generalizes
// internal/util/init.go from the teacher's single-service setup to a
// multi-package runtime where every component receives a pre-scoped
// logger.
package platform

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// ServiceName is stamped onto every JSON log line, and into the
// koanf env-var provider's replacer below.
const ServiceName = "indexcore"

// NewLogger returns a root zerolog.Logger: pretty console output when
// stdout is a TTY (development), structured JSON otherwise
// (production). Callers scope it per component with
// logger.With().Str("component", name).Logger(), mirroring
// syncer.New's pattern in the teacher.
func NewLogger() *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", ServiceName).
			Logger()
	}
	return &logger
}

// LoadConfig loads TOML configuration from configPath, then overlays
// environment variables (CHAIN_RPC_ENDPOINT → chain.rpc_endpoint).
func LoadConfig(logger *zerolog.Logger, configPath string) (*koanf.Koanf, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, err
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment variable overrides")
	}

	logger.Info().Str("config_file", configPath).Msg("configuration loaded")
	return ko, nil
}

// UpdateLogLevel applies the "logging.level" config key to the global
// zerolog level.
func UpdateLogLevel(ko *koanf.Koanf, logger *zerolog.Logger) {
	levelStr := ko.String("logging.level")
	if levelStr == "" {
		levelStr = "info"
	}

	var level zerolog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().Str("configured_level", levelStr).Msg("unknown log level, defaulting to info")
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
