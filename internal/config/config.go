// Package config provides configuration for the work loop.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the work loop configuration.
type Config struct {
	Database     DatabaseConfig  `mapstructure:"database"`
	Gateway      GatewayConfig   `mapstructure:"gateway"`
	Sessions     SessionsConfig  `mapstructure:"sessions"`
	WorkLoop     WorkLoopConfig  `mapstructure:"workloop"`
	Reconcile    ReconcileConfig `mapstructure:"reconcile"`
	HTTP         HTTPConfig      `mapstructure:"http"`
	Log          LogConfig       `mapstructure:"log"`
	Review       ReviewConfig    `mapstructure:"review"`
	ProjectsFile string          `mapstructure:"projects_file"`
}

// DatabaseConfig points at the system-of-record datastore.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// GatewayConfig controls the connection to the agent execution gateway.
type GatewayConfig struct {
	URL                   string `mapstructure:"url"`
	Token                 string `mapstructure:"token"`
	ClientName            string `mapstructure:"client_name"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	RequestTimeoutMinutes int    `mapstructure:"request_timeout_minutes"`
}

// ConnectTimeout returns the handshake timeout.
func (c *GatewayConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// RequestTimeout returns the default RPC timeout.
func (c *GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMinutes) * time.Minute
}

// SessionsConfig locates agent transcripts on local disk.
type SessionsConfig struct {
	// IndexPath is the JSON file mapping session keys to transcript files.
	IndexPath string `mapstructure:"index_path"`
	// Dir holds transcript files. Defaults to the index file's directory.
	Dir       string `mapstructure:"dir"`
	TailLines int    `mapstructure:"tail_lines"`
}

// TranscriptDir returns the directory transcripts live in.
func (c *SessionsConfig) TranscriptDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Dir(c.IndexPath)
}

// WorkLoopConfig controls the per-project phase loop.
type WorkLoopConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	IntervalSeconds     int            `mapstructure:"interval_seconds"`
	MaxAgents           int            `mapstructure:"max_agents"`
	MaxAgentsPerProject int            `mapstructure:"max_agents_per_project"`
	RoleLimits          map[string]int `mapstructure:"role_limits"`

	StaleTaskMinutes   int `mapstructure:"stale_task_minutes"`
	StaleReviewMinutes int `mapstructure:"stale_review_minutes"`

	MaxRetries            int `mapstructure:"max_retries"`
	MaxConflictRetries    int `mapstructure:"max_conflict_retries"`
	MaxTriageAttempts     int `mapstructure:"max_triage_attempts"`
	TriageIntervalMinutes int `mapstructure:"triage_interval_minutes"`

	AnalyzeSuccessSampleRate float64 `mapstructure:"analyze_success_sample_rate"`
	AnalyzeLookbackHours     int     `mapstructure:"analyze_lookback_hours"`

	// HumanSessionKey receives notifications and triage messages.
	HumanSessionKey string `mapstructure:"human_session_key"`
	// ReapMode is "transcript" or "gateway".
	ReapMode         string            `mapstructure:"reap_mode"`
	WakeOnTranscript bool              `mapstructure:"wake_on_transcript"`
	DefaultModel     string            `mapstructure:"default_model"`
	RoleModels       map[string]string `mapstructure:"role_models"`
}

// Interval returns the inter-cycle sleep.
func (c *WorkLoopConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StaleTaskThreshold returns how long a transcript may sit idle before the agent is stale.
func (c *WorkLoopConfig) StaleTaskThreshold() time.Duration {
	return time.Duration(c.StaleTaskMinutes) * time.Minute
}

// StaleReviewThreshold returns how long a task may sit in review before triage.
func (c *WorkLoopConfig) StaleReviewThreshold() time.Duration {
	return time.Duration(c.StaleReviewMinutes) * time.Minute
}

// TriageInterval returns the minimum gap between triage sends for one task.
func (c *WorkLoopConfig) TriageInterval() time.Duration {
	return time.Duration(c.TriageIntervalMinutes) * time.Minute
}

// AnalyzeLookback returns how far back the analyze phase looks for finished tasks.
func (c *WorkLoopConfig) AnalyzeLookback() time.Duration {
	return time.Duration(c.AnalyzeLookbackHours) * time.Hour
}

// RoleLimit returns the per-role ceiling, 0 meaning unlimited.
func (c *WorkLoopConfig) RoleLimit(role string) int {
	return c.RoleLimits[role]
}

// ModelFor returns the model override for a role, if any.
func (c *WorkLoopConfig) ModelFor(role string) string {
	if m, ok := c.RoleModels[role]; ok && m != "" {
		return m
	}
	return c.DefaultModel
}

// ReconcileConfig controls the background reconciliation pass.
type ReconcileConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	IntervalSeconds     int  `mapstructure:"interval_seconds"`
	StartupStaleMinutes int  `mapstructure:"startup_stale_minutes"`
	StaleMinutes        int  `mapstructure:"stale_minutes"`
	ListWindowMinutes   int  `mapstructure:"list_window_minutes"`
}

// Interval returns the reconciliation period.
func (c *ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StartupStaleThreshold returns the staleness threshold used by the first pass.
func (c *ReconcileConfig) StartupStaleThreshold() time.Duration {
	return time.Duration(c.StartupStaleMinutes) * time.Minute
}

// StaleThreshold returns the staleness threshold used by later passes.
func (c *ReconcileConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleMinutes) * time.Minute
}

// HTTPConfig controls the operational HTTP server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ReviewConfig controls the version-control review tool.
type ReviewConfig struct {
	// Command is the gh binary to invoke.
	Command string `mapstructure:"command"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL: "file:workloop.db?cache=shared&mode=rwc",
		},
		Gateway: GatewayConfig{
			URL:                   "ws://127.0.0.1:18789",
			ClientName:            "workloop",
			ConnectTimeoutSeconds: 10,
			RequestTimeoutMinutes: 10,
		},
		Sessions: SessionsConfig{
			IndexPath: filepath.Join(homeDir(), ".workloop", "sessions", "sessions.json"),
			TailLines: 50,
		},
		WorkLoop: WorkLoopConfig{
			Enabled:             true,
			IntervalSeconds:     30,
			MaxAgents:           6,
			MaxAgentsPerProject: 3,
			RoleLimits: map[string]int{
				"reviewer":          2,
				"conflict_resolver": 1,
				"analyzer":          1,
			},
			StaleTaskMinutes:         5,
			StaleReviewMinutes:       60,
			MaxRetries:               3,
			MaxConflictRetries:       3,
			MaxTriageAttempts:        3,
			TriageIntervalMinutes:    30,
			AnalyzeSuccessSampleRate: 0.2,
			AnalyzeLookbackHours:     24,
			HumanSessionKey:          "agent:main:main",
			ReapMode:                 "transcript",
			WakeOnTranscript:         true,
			RoleModels:               map[string]string{},
		},
		Reconcile: ReconcileConfig{
			Enabled:             true,
			IntervalSeconds:     300,
			StartupStaleMinutes: 2,
			StaleMinutes:        15,
			ListWindowMinutes:   120,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Review: ReviewConfig{
			Command: "gh",
		},
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("database.url", defaults.Database.URL)

	viper.SetDefault("gateway.url", defaults.Gateway.URL)
	viper.SetDefault("gateway.token", defaults.Gateway.Token)
	viper.SetDefault("gateway.client_name", defaults.Gateway.ClientName)
	viper.SetDefault("gateway.connect_timeout_seconds", defaults.Gateway.ConnectTimeoutSeconds)
	viper.SetDefault("gateway.request_timeout_minutes", defaults.Gateway.RequestTimeoutMinutes)

	viper.SetDefault("sessions.index_path", defaults.Sessions.IndexPath)
	viper.SetDefault("sessions.dir", defaults.Sessions.Dir)
	viper.SetDefault("sessions.tail_lines", defaults.Sessions.TailLines)

	viper.SetDefault("workloop.enabled", defaults.WorkLoop.Enabled)
	viper.SetDefault("workloop.interval_seconds", defaults.WorkLoop.IntervalSeconds)
	viper.SetDefault("workloop.max_agents", defaults.WorkLoop.MaxAgents)
	viper.SetDefault("workloop.max_agents_per_project", defaults.WorkLoop.MaxAgentsPerProject)
	viper.SetDefault("workloop.role_limits", defaults.WorkLoop.RoleLimits)
	viper.SetDefault("workloop.stale_task_minutes", defaults.WorkLoop.StaleTaskMinutes)
	viper.SetDefault("workloop.stale_review_minutes", defaults.WorkLoop.StaleReviewMinutes)
	viper.SetDefault("workloop.max_retries", defaults.WorkLoop.MaxRetries)
	viper.SetDefault("workloop.max_conflict_retries", defaults.WorkLoop.MaxConflictRetries)
	viper.SetDefault("workloop.max_triage_attempts", defaults.WorkLoop.MaxTriageAttempts)
	viper.SetDefault("workloop.triage_interval_minutes", defaults.WorkLoop.TriageIntervalMinutes)
	viper.SetDefault("workloop.analyze_success_sample_rate", defaults.WorkLoop.AnalyzeSuccessSampleRate)
	viper.SetDefault("workloop.analyze_lookback_hours", defaults.WorkLoop.AnalyzeLookbackHours)
	viper.SetDefault("workloop.human_session_key", defaults.WorkLoop.HumanSessionKey)
	viper.SetDefault("workloop.reap_mode", defaults.WorkLoop.ReapMode)
	viper.SetDefault("workloop.wake_on_transcript", defaults.WorkLoop.WakeOnTranscript)
	viper.SetDefault("workloop.default_model", defaults.WorkLoop.DefaultModel)
	viper.SetDefault("workloop.role_models", defaults.WorkLoop.RoleModels)

	viper.SetDefault("reconcile.enabled", defaults.Reconcile.Enabled)
	viper.SetDefault("reconcile.interval_seconds", defaults.Reconcile.IntervalSeconds)
	viper.SetDefault("reconcile.startup_stale_minutes", defaults.Reconcile.StartupStaleMinutes)
	viper.SetDefault("reconcile.stale_minutes", defaults.Reconcile.StaleMinutes)
	viper.SetDefault("reconcile.list_window_minutes", defaults.Reconcile.ListWindowMinutes)

	viper.SetDefault("http.addr", defaults.HTTP.Addr)

	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.format", defaults.Log.Format)

	viper.SetDefault("review.command", defaults.Review.Command)

	viper.SetDefault("projects_file", defaults.ProjectsFile)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Init wires viper to the config file and WORKLOOP_ environment variables.
// An empty cfgFile searches the working directory and ConfigDir for workloop.yaml.
func Init(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("workloop")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(ConfigDir())
	}

	viper.SetEnvPrefix("WORKLOOP")
	viper.SetEnvKeyReplacer(newKeyReplacer())
	viper.AutomaticEnv()
	SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func newKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "workloop")
	}
	return filepath.Join(homeDir(), ".config", "workloop")
}
