// Package logging constructs the single *zap.Logger each binary builds
// at startup and threads explicitly through every constructor, in the
// style gocardless/theatre's cmd package builds its logger: level
// switched by a --debug/--verbose flag, always writing to stderr.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a Logger that writes JSON lines to stderr at info level,
// or debug level when verbose is true, matching §6's "All logging goes
// to stderr; level via --verbose".
func New(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		level,
	)
	return zap.New(core)
}
