package app

import (
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// initLogger installs the default logger. Output is plain text unless
// UNSTRUCTURED_LOGS is set to false, and debug level when --debug is set.
// Logs never go to stdout, which carries the stdio transport.
func initLogger(w io.Writer) {
	slog.SetDefault(newLogger(w, os.Getenv("UNSTRUCTURED_LOGS"), viper.GetBool("debug")))
}

func newLogger(w io.Writer, unstructuredEnv string, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if unstructuredLogs(unstructuredEnv) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func unstructuredLogs(value string) bool {
	unstructured, err := strconv.ParseBool(value)
	if err != nil {
		// unset or unparsable
		return true
	}
	return unstructured
}
