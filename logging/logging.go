// Package logging provides the process-wide structured logger. The original
// used the standard library's "log" package everywhere (timestamped
// Printf/Println/Fatal calls with no structure); this replaces that with
// zap's SugaredLogger, kept behind a package-level instance so call sites
// read the same as the log.Printf/Println/Fatalf they replace.
package logging

import (
	"go.uber.org/zap"
)

// L is the shared sugared logger. Init (or InitDevelopment) replaces it;
// until then it's a no-op-safe production logger writing to stderr.
var L = mustBuild(zap.NewProductionConfig())

func mustBuild(cfg zap.Config) *zap.SugaredLogger {
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

// Init installs a production JSON logger at the given level ("debug",
// "info", "warn", "error"). Called once from each cmd/ entrypoint's main.
func Init(level string) error {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	L = mustBuild(cfg)
	return nil
}

// InitDevelopment installs a human-readable console logger, for local runs
// and tests where JSON output is just noise.
func InitDevelopment() {
	L = mustBuild(zap.NewDevelopmentConfig())
}

// Sync flushes any buffered log entries. Call from main before exit.
func Sync() {
	_ = L.Sync()
}
