package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"editlog/internal/history"
	"editlog/internal/logging"
)

// ErrInvalidConfig is wrapped by Load when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for i := range e {
		out = append(out, e[i].Field)
	}
	return out
}

// RangeError builds an out-of-range error.
func RangeError(field string, min, max any) ValidationError {
	return ValidationError{Field: field, Message: fmt.Sprintf("must be between %v and %v", min, max)}
}

// RequiredFieldError builds a missing-field error.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{Field: field, Message: "is required"}
}

// ValidateConfig checks every section and returns ValidationErrors, or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateHistory(&c.History)...)
	errs = append(errs, validateCommit(&c.Commit)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Backend {
	case "sqlite":
		if s.DataDir == "" && s.DBPath == "" {
			errs = append(errs, RequiredFieldError("storage.data_dir"))
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("unknown backend %q (want sqlite or memory)", s.Backend),
		})
	}

	if s.BusyTimeoutMs < 0 || s.BusyTimeoutMs > 600000 {
		errs = append(errs, RangeError("storage.busy_timeout_ms", 0, 600000))
	}
	if s.MaxOpenConns < 1 || s.MaxOpenConns > 64 {
		errs = append(errs, RangeError("storage.max_open_conns", 1, 64))
	}
	return errs
}

func validateHistory(h *HistoryConfig) ValidationErrors {
	var errs ValidationErrors

	if h.CacheSize < 1 || h.CacheSize > 1000000 {
		errs = append(errs, RangeError("history.cache_size", 1, 1000000))
	}
	if _, err := history.ParseIntegrityMode(h.IntegrityMode); err != nil {
		errs = append(errs, ValidationError{Field: "history.integrity_mode", Message: err.Error()})
	}
	return errs
}

func validateCommit(c *CommitConfig) ValidationErrors {
	var errs ValidationErrors

	if c.QuietPeriodMs < 50 || c.QuietPeriodMs > 600000 {
		errs = append(errs, RangeError("commit.quiet_period_ms", 50, 600000))
	}
	if c.CommitTimeoutMs < 100 {
		errs = append(errs, ValidationError{Field: "commit.commit_timeout_ms", Message: "must be at least 100"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{Field: "logging.format", Message: err.Error()})
	}

	switch strings.ToLower(l.Output) {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, RequiredFieldError("logging.file_path"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q", l.Output),
		})
	}

	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "must not be negative"})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_age_days", Message: "must not be negative"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "must not be negative"})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{Field: "metrics.listen_addr", Message: err.Error()}}
	}
	return nil
}
