package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits validation problems into fatals (abort startup)
// and warnings (logged, values clamped/defaulted in place).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just
// want a flat error list.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config for invalid values. A missing relay
// token or machine ID, a token with control characters, and a missing
// or non-ws(s) relay URL are fatal (the agent cannot do anything without
// them); everything else is a warning, with dangerous zero-values
// clamped to safe defaults so a malformed value never causes a panic
// downstream.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if strings.TrimSpace(c.Relay.Token) == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("relay.token is required"))
	} else {
		for _, r := range c.Relay.Token {
			if unicode.IsControl(r) {
				result.Fatals = append(result.Fatals, fmt.Errorf("relay.token contains control characters"))
				break
			}
		}
	}

	if strings.TrimSpace(c.Agent.MachineID) == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("agent.machineId is required"))
	}

	if c.Relay.URL == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("relay.url is required"))
	} else {
		u, err := url.Parse(c.Relay.URL)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("relay.url %q is not a valid URL: %w", c.Relay.URL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			result.Fatals = append(result.Fatals, fmt.Errorf("relay.url scheme must be ws or wss, got %q", u.Scheme))
		}
	}

	if c.Reconnect.InitialDelayMs <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("reconnect.initialDelay %d is invalid, clamping to 2000", c.Reconnect.InitialDelayMs))
		c.Reconnect.InitialDelayMs = 2000
	}
	if c.Reconnect.MaxDelayMs < c.Reconnect.InitialDelayMs {
		result.Warnings = append(result.Warnings, fmt.Errorf("reconnect.maxDelay %d is below initialDelay, clamping to 60000", c.Reconnect.MaxDelayMs))
		c.Reconnect.MaxDelayMs = 60000
	}
	if c.Reconnect.MaxAttempts <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("reconnect.maxAttempts %d is invalid, clamping to 5", c.Reconnect.MaxAttempts))
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.CircuitBreakerDurationS <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("reconnect.circuitBreakerDuration %d is invalid, clamping to 120", c.Reconnect.CircuitBreakerDurationS))
		c.Reconnect.CircuitBreakerDurationS = 120
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.CaptureWorkers < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("capture_workers %d is below minimum 1, clamping", c.CaptureWorkers))
		c.CaptureWorkers = 1
	} else if c.CaptureWorkers > 64 {
		result.Warnings = append(result.Warnings, fmt.Errorf("capture_workers %d exceeds maximum 64, clamping", c.CaptureWorkers))
		c.CaptureWorkers = 64
	}
	if c.CaptureQueueSize < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("capture_queue_size %d is below minimum 1, clamping", c.CaptureQueueSize))
		c.CaptureQueueSize = 1
	}
	if c.EventBusWorkers < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("eventbus_workers %d is below minimum 1, clamping", c.EventBusWorkers))
		c.EventBusWorkers = 1
	} else if c.EventBusWorkers > 64 {
		result.Warnings = append(result.Warnings, fmt.Errorf("eventbus_workers %d exceeds maximum 64, clamping", c.EventBusWorkers))
		c.EventBusWorkers = 64
	}
	if c.EventBusQueueSize < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("eventbus_queue_size %d is below minimum 1, clamping", c.EventBusQueueSize))
		c.EventBusQueueSize = 1
	}

	return result
}
