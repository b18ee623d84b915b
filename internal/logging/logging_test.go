package logging_test

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/snehjoshi/epochtick/internal/config"
	"github.com/snehjoshi/epochtick/internal/logging"
)

func TestNew_Levels(t *testing.T) {
	for _, tc := range []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	} {
		log, err := logging.New(config.LogConfig{Level: tc.level, Format: config.LogJSON})
		if err != nil {
			t.Fatalf("New(%s): %v", tc.level, err)
		}
		if !log.Core().Enabled(tc.want) {
			t.Errorf("level %s: %s should be enabled", tc.level, tc.want)
		}
		if tc.want > zapcore.DebugLevel && log.Core().Enabled(tc.want-1) {
			t.Errorf("level %s: %s should be disabled", tc.level, tc.want-1)
		}
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	if _, err := logging.New(config.LogConfig{Level: "info", Format: config.LogConsole}); err != nil {
		t.Fatalf("console logger: %v", err)
	}
}

func TestNew_RejectsUnknown(t *testing.T) {
	if _, err := logging.New(config.LogConfig{Level: "loud", Format: config.LogJSON}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := logging.New(config.LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}
