// Package netconfig holds the small pieces of ambient CLI plumbing shared
// by every cmd/* binary: a colorized slog handler and an optional .env
// preload for flag defaults.
package netconfig

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

// InitLogging installs a tint-backed slog.Logger as the default logger and
// returns it. verbose lowers the level to Debug.
func InitLogging(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))
	slog.SetDefault(log)
	return log
}

// LoadDotEnv preloads os.Environ() from a .env file if one is present in
// the working directory, so flag defaults can read it via os.Getenv before
// pflag.Parse runs. A missing file is not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("netconfig: failed to load .env", "error", err)
	}
}
