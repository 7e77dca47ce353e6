package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		level       string
		wantDebug   bool
		wantInfo    bool
	}{
		{"production default", "production", "", false, true},
		{"production warn", "production", "warn", false, false},
		{"development default", "development", "", true, true},
		{"development info", "dev", "info", false, true},
		{"bad level ignored", "production", "loud", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := New("paygate", tt.environment, tt.level)
			defer log.Sync()

			if got := log.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := log.Core().Enabled(zapcore.InfoLevel); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}
