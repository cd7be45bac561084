package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log output formats
func ValidLogFormats() []string {
	return []string{"json", "console"}
}

// ValidReapModes returns the list of valid reap modes
func ValidReapModes() []string {
	return []string{"transcript", "gateway"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateGateway()...)
	errors = append(errors, c.validateSessions()...)
	errors = append(errors, c.validateWorkLoop()...)
	errors = append(errors, c.validateReconcile()...)
	errors = append(errors, c.validateLog()...)

	return errors
}

func (c *Config) validateGateway() []ValidationError {
	var errors []ValidationError

	if c.Gateway.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "gateway.url",
			Value:   c.Gateway.URL,
			Message: "must not be empty",
		})
	} else if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		errors = append(errors, ValidationError{
			Field:   "gateway.url",
			Value:   c.Gateway.URL,
			Message: "must use ws:// or wss://",
		})
	}
	if c.Gateway.ConnectTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "gateway.connect_timeout_seconds",
			Value:   c.Gateway.ConnectTimeoutSeconds,
			Message: "must be positive",
		})
	}
	if c.Gateway.RequestTimeoutMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "gateway.request_timeout_minutes",
			Value:   c.Gateway.RequestTimeoutMinutes,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateSessions() []ValidationError {
	var errors []ValidationError

	if c.Sessions.IndexPath == "" {
		errors = append(errors, ValidationError{
			Field:   "sessions.index_path",
			Value:   c.Sessions.IndexPath,
			Message: "must not be empty",
		})
	}
	if c.Sessions.TailLines <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sessions.tail_lines",
			Value:   c.Sessions.TailLines,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateWorkLoop() []ValidationError {
	var errors []ValidationError
	w := c.WorkLoop

	if w.IntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "workloop.interval_seconds",
			Value:   w.IntervalSeconds,
			Message: "must be positive",
		})
	}
	if w.StaleTaskMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "workloop.stale_task_minutes",
			Value:   w.StaleTaskMinutes,
			Message: "must be positive",
		})
	}
	for field, v := range map[string]int{
		"workloop.max_agents":             w.MaxAgents,
		"workloop.max_agents_per_project": w.MaxAgentsPerProject,
		"workloop.max_retries":            w.MaxRetries,
		"workloop.max_conflict_retries":   w.MaxConflictRetries,
		"workloop.max_triage_attempts":    w.MaxTriageAttempts,
	} {
		if v < 0 {
			errors = append(errors, ValidationError{Field: field, Value: v, Message: "must be non-negative"})
		}
	}
	if w.AnalyzeSuccessSampleRate < 0 || w.AnalyzeSuccessSampleRate > 1 {
		errors = append(errors, ValidationError{
			Field:   "workloop.analyze_success_sample_rate",
			Value:   w.AnalyzeSuccessSampleRate,
			Message: "must be between 0 and 1",
		})
	}
	if !slices.Contains(ValidReapModes(), w.ReapMode) {
		errors = append(errors, ValidationError{
			Field:   "workloop.reap_mode",
			Value:   w.ReapMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidReapModes(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateReconcile() []ValidationError {
	var errors []ValidationError

	if c.Reconcile.Enabled && c.Reconcile.IntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.interval_seconds",
			Value:   c.Reconcile.IntervalSeconds,
			Message: "must be positive when reconcile is enabled",
		})
	}

	return errors
}

func (c *Config) validateLog() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if !slices.Contains(ValidLogFormats(), c.Log.Format) {
		errors = append(errors, ValidationError{
			Field:   "log.format",
			Value:   c.Log.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}

	return errors
}
