package logger

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"

	"clinical-kb-platform/internal/config"
)

var Logger *slog.Logger

var redactedKeys = []string{"token", "secret", "password", "authorization", "email", "phone", "api_key"}

var hashedKeys = map[string]bool{
	"user_id":    true,
	"owner_id":   true,
	"session_id": true,
}

// InitLogger initializes structured logging based on configuration
func InitLogger(cfg *config.Config) {
	Logger = New(os.Stdout, cfg.GinMode == "debug")

	if cfg.GinMode == "debug" {
		Logger.Debug("Structured logging initialized", "level", slog.LevelDebug.String())
	} else {
		Logger.Info("Structured logging initialized", "level", slog.LevelInfo.String())
	}
}

// New builds a JSON logger that scrubs sensitive attributes.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   debug,
		ReplaceAttr: scrub,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func scrub(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if hashedKeys[key] {
		if s := a.Value.String(); s != "" {
			return slog.String(a.Key, HashID(s))
		}
		return a
	}
	for _, k := range redactedKeys {
		if strings.Contains(key, k) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// HashID returns a short stable digest used in place of raw identifiers.
func HashID(id string) string {
	sum := blake2b.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}

// With returns a child logger, falling back to the default logger before init.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		return slog.Default().With(args...)
	}
	return Logger.With(args...)
}

// Helper functions for common log operations
func Info(msg string, args ...any) {
	if Logger != nil {
		Logger.Info(msg, args...)
	}
}

func Error(msg string, args ...any) {
	if Logger != nil {
		Logger.Error(msg, args...)
	}
}

func Debug(msg string, args ...any) {
	if Logger != nil {
		Logger.Debug(msg, args...)
	}
}

func Warn(msg string, args ...any) {
	if Logger != nil {
		Logger.Warn(msg, args...)
	}
}
