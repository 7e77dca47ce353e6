// pkg/logger/logger.go
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New picks the production or development logger for the environment and
// applies the requested level ("debug", "info", "warn", "error").
func New(serviceName, environment, level string) *zap.Logger {
	var config zap.Config
	if strings.EqualFold(environment, "development") || strings.EqualFold(environment, "dev") {
		config = developmentConfig(serviceName)
	} else {
		config = productionConfig(serviceName)
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}

func productionConfig(serviceName string) zap.Config {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}
	return config
}

func developmentConfig(serviceName string) zap.Config {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}
	return config
}
