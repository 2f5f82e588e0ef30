package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"imcontext/internal/logging"
)

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
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether any error concerns field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig validates every section and returns ValidationErrors, or
// nil when the configuration is usable.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateTransport(&c.Transport)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateTransport(t *TransportConfig) ValidationErrors {
	var errs ValidationErrors

	switch t.Kind {
	case TransportMaliit:
	case TransportWebSocket:
		if t.URL == "" {
			errs = append(errs, ValidationError{"transport.url", "required for the websocket transport"})
		} else if u, err := url.Parse(t.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, ValidationError{"transport.url", fmt.Sprintf("must be a ws:// or wss:// URL, got %q", t.URL)})
		}
	default:
		errs = append(errs, ValidationError{"transport.kind", fmt.Sprintf("unknown transport %q (want maliit or websocket)", t.Kind)})
	}

	if t.ReconnectBaseMs <= 0 {
		errs = append(errs, ValidationError{"transport.reconnect_base_ms", "must be positive"})
	}
	if t.ReconnectMaxMs < t.ReconnectBaseMs {
		errs = append(errs, ValidationError{"transport.reconnect_max_ms", "must not be less than reconnect_base_ms"})
	}
	if t.MaxAttempts < 0 {
		errs = append(errs, ValidationError{"transport.max_attempts", "must not be negative"})
	}
	if t.EventBuffer < 1 {
		errs = append(errs, ValidationError{"transport.event_buffer", "must be at least 1"})
	}
	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.ResetAck {
	case "auto", "explicit", "inferred":
	default:
		errs = append(errs, ValidationError{"session.reset_ack", fmt.Sprintf("unknown mode %q (want auto, explicit or inferred)", s.ResetAck)})
	}

	switch s.InitialOrientation {
	case 0, 90, 180, 270:
	default:
		errs = append(errs, ValidationError{"session.initial_orientation", fmt.Sprintf("must be 0, 90, 180 or 270, got %d", s.InitialOrientation)})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{"logging.level", err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{"logging.format", err.Error()})
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{"logging.file_path", "required when output includes a file"})
		}
	default:
		errs = append(errs, ValidationError{"logging.output", fmt.Sprintf("unknown output %q", l.Output)})
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{"logging", "rotation limits must not be negative"})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{"metrics.listen_addr", fmt.Sprintf("invalid address %q: %v", m.ListenAddr, err)}}
	}
	return nil
}
