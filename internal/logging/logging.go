// Package logging builds the root logr.Logger every long-running Loom
// process threads through its components, mirroring the teacher's
// `d.logger *log.Logger` field on Daemon but generalized to structured,
// leveled logging: zap is the backend, logr is the interface components
// depend on, zapr bridges the two (all three grounded on the pack's
// jordigilh-kubernaut, which wires the same trio for its own daemon-ish
// controllers).
package logging

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logr.Logger that writes JSON lines to the file at path
// (created/appended, 0600) and, when pretty is true (LOOM_LOG_PRETTY=1),
// also writes a human-readable console copy to stderr. name becomes the
// logger's base name (e.g. "daemon", "shepherd.builder").
func New(path string, pretty bool, name string) (logr.Logger, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return logr.Discard(), func() {}, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), zapcore.InfoLevel),
	}
	if pretty {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stderr), zapcore.InfoLevel))
	}

	zl := zap.New(zapcore.NewTee(cores...))
	logger := zapr.NewLogger(zl).WithName(name)

	closer := func() {
		_ = zl.Sync()
		_ = f.Close()
	}
	return logger, closer, nil
}

// Pretty reports whether LOOM_LOG_PRETTY requests a console-mirrored logger,
// the typical interactive-use setting.
func Pretty() bool {
	return os.Getenv("LOOM_LOG_PRETTY") == "1"
}
