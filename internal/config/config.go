package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Converse configuration
type Config struct {
	// Storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Boundary holds default conversational boundary policy
	Boundary BoundaryConfig `json:"boundary" mapstructure:"boundary"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Engine
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Lifecycle
	Lifecycle LifecycleConfig `json:"lifecycle" mapstructure:"lifecycle"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// StorageConfig holds checkpoint store configuration
type StorageConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// BoundaryConfig holds default boundary policy applied when an intent graph
// does not override it
type BoundaryConfig struct {
	MaxTurns        int      `json:"max_turns" mapstructure:"max_turns"`
	ForbiddenTopics []string `json:"forbidden_topics" mapstructure:"forbidden_topics"`
	AllowedTopics   []string `json:"allowed_topics" mapstructure:"allowed_topics"`
	ClosingPhrases  []string `json:"closing_phrases" mapstructure:"closing_phrases"`
}

// ToolsConfig holds tool relay configuration
type ToolsConfig struct {
	SpecsPath      string `json:"specs_path" mapstructure:"specs_path"`
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	RequestTimeout int    `json:"request_timeout" mapstructure:"request_timeout"` // seconds
	WatchSpecs     bool   `json:"watch_specs" mapstructure:"watch_specs"`
}

// EngineConfig holds execution engine configuration
type EngineConfig struct {
	InvokeTimeout int `json:"invoke_timeout" mapstructure:"invoke_timeout"` // seconds
}

// LifecycleConfig holds session maintenance configuration
type LifecycleConfig struct {
	StaleAfterHours int    `json:"stale_after_hours" mapstructure:"stale_after_hours"`
	ReaperSchedule  string `json:"reaper_schedule" mapstructure:"reaper_schedule"` // cron expression
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Boundary: BoundaryConfig{
			MaxTurns: 20,
			ClosingPhrases: []string{
				"goodbye", "bye", "see you", "that's all", "thanks, bye",
			},
		},
		Tools: ToolsConfig{
			RequestTimeout: 30,
			WatchSpecs:     true,
		},
		Engine: EngineConfig{
			InvokeTimeout: 60,
		},
		Lifecycle: LifecycleConfig{
			StaleAfterHours: 24,
			ReaperSchedule:  "*/30 * * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage db_path is required")
	}

	if c.Boundary.MaxTurns <= 0 {
		return fmt.Errorf("boundary max_turns must be positive, got: %d", c.Boundary.MaxTurns)
	}

	if c.Tools.RequestTimeout <= 0 {
		return fmt.Errorf("tools request_timeout must be positive, got: %d", c.Tools.RequestTimeout)
	}

	if c.Engine.InvokeTimeout <= 0 {
		return fmt.Errorf("engine invoke_timeout must be positive, got: %d", c.Engine.InvokeTimeout)
	}

	if c.Lifecycle.StaleAfterHours <= 0 {
		return fmt.Errorf("lifecycle stale_after_hours must be positive, got: %d", c.Lifecycle.StaleAfterHours)
	}

	if c.Lifecycle.ReaperSchedule == "" {
		return fmt.Errorf("lifecycle reaper_schedule is required")
	}

	validLevels := []string{"", "debug", "info", "warn", "error"}
	valid := false
	for _, lvl := range validLevels {
		if c.Logging.Level == lvl {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}
