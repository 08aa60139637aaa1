// Package config loads runtime settings for the exam parser from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cabazares/automated-exam-parser/internal/omr"
)

// Config holds settings that vary between installations. Form geometry lives in the
// calibration file, not here.
type Config struct {
	// Calibration JSON file; empty means the built-in form geometry
	CalibrationPath string
	// Overrides the marker template named by the calibration
	MarkerTemplate string

	Workers             int
	MergePolicy         omr.MergePolicy
	MinMarkerConfidence float64

	// PostgreSQL connection string; empty disables persistence
	DatabaseURL string

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	policy, err := omr.ParseMergePolicy(getEnvOrDefault("EXAM_MERGE_POLICY", "parts"))
	if err != nil {
		return nil, fmt.Errorf("EXAM_MERGE_POLICY: %w", err)
	}
	workers, err := getEnvAsIntOrDefault("EXAM_WORKERS", 1)
	if err != nil {
		return nil, err
	}
	confidence, err := getEnvAsFloatOrDefault("EXAM_MIN_MARKER_CONFIDENCE", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		CalibrationPath:     os.Getenv("EXAM_CALIBRATION"),
		MarkerTemplate:      os.Getenv("EXAM_MARKER_TEMPLATE"),
		Workers:             workers,
		MergePolicy:         policy,
		MinMarkerConfidence: confidence,
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "console"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("EXAM_WORKERS must be between 1 and 64, got %d", c.Workers)
	}
	if c.MinMarkerConfidence < 0 || c.MinMarkerConfidence > 1 {
		return fmt.Errorf("EXAM_MIN_MARKER_CONFIDENCE must be between 0 and 1, got %f", c.MinMarkerConfidence)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// Calibration loads the form geometry and applies the environment overrides.
func (c *Config) Calibration() (omr.Calibration, error) {
	cal := omr.DefaultCalibration()
	if c.CalibrationPath != "" {
		var err error
		cal, err = omr.LoadCalibration(c.CalibrationPath)
		if err != nil {
			return cal, err
		}
	}
	if c.MarkerTemplate != "" {
		cal.MarkerTemplate = c.MarkerTemplate
	}
	if c.MinMarkerConfidence > 0 {
		cal.MinMarkerConfidence = c.MinMarkerConfidence
	}
	return cal, cal.Validate()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault returns defaultValue only when key is unset. A value that does
// not parse is an error.
func getEnvAsIntOrDefault(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}
