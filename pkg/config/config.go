// Package config holds the initiator core's tunable constants: timer
// intervals, retry bounds, and the negotiated error recovery level.
// These are local tunables rather than remote object-dictionary
// entries, so they are modeled as a plain struct instead of an
// SDO-backed configurator.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Config carries every constant referenced by the timer subsystem,
// retry bookkeeping, and error-recovery gating.
type Config struct {
	// MaxConnTimeouts is the number of consecutive idle-timer expiries
	// tolerated before a connection is declared fatally dead.
	MaxConnTimeouts int
	// MaxCCBTimeouts and MaxCCBTries bound how many times a single
	// command may time out / be retried before it is failed.
	MaxCCBTimeouts int
	MaxCCBTries    int

	// ConnectionTimeout is the idle-timer period; on expiry a NOP-Out
	// probe is sent (or the connection is failed past MaxConnTimeouts).
	ConnectionTimeout time.Duration
	// ConnectionIdleTimeout bounds how long a TERMINATING connection
	// waits for a recovery login before moving to DESTROY.
	ConnectionIdleTimeout time.Duration
	// CommandTimeout is the per-CCB command timer period.
	CommandTimeout time.Duration

	// ErrorRecoveryLevel gates SNACK and task-reassignment behavior
	// (0, 1, or 2 per RFC 3720).
	ErrorRecoveryLevel int
	// Time2Wait / Time2Retain are session-negotiated recovery timers.
	Time2Wait   time.Duration
	Time2Retain time.Duration
}

// DefaultConfig returns conservative defaults suitable for a first
// login before negotiation overrides anything.
func DefaultConfig() *Config {
	return &Config{
		MaxConnTimeouts:       3,
		MaxCCBTimeouts:        3,
		MaxCCBTries:           3,
		ConnectionTimeout:     15 * time.Second,
		ConnectionIdleTimeout: 10 * time.Second,
		CommandTimeout:        5 * time.Second,
		ErrorRecoveryLevel:    0,
		Time2Wait:             2 * time.Second,
		Time2Retain:           20 * time.Second,
	}
}

// Validate rejects configurations that would make the timer subsystem
// or recovery-level gating meaningless.
func (c *Config) Validate() error {
	if c.ErrorRecoveryLevel < 0 || c.ErrorRecoveryLevel > 2 {
		return fmt.Errorf("config: ErrorRecoveryLevel must be 0, 1 or 2, got %d", c.ErrorRecoveryLevel)
	}
	if c.MaxCCBTries < 1 {
		return fmt.Errorf("config: MaxCCBTries must be >= 1, got %d", c.MaxCCBTries)
	}
	if c.CommandTimeout <= 0 || c.ConnectionTimeout <= 0 {
		return fmt.Errorf("config: timer intervals must be positive")
	}
	return nil
}

// LoadConfigINI loads a Config from an INI file. Missing keys keep
// their DefaultConfig() value.
func LoadConfigINI(path string) (*Config, error) {
	cfg := DefaultConfig()
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	section := file.Section("timers")
	if section.HasKey("max_conn_timeouts") {
		cfg.MaxConnTimeouts = section.Key("max_conn_timeouts").MustInt(cfg.MaxConnTimeouts)
	}
	if section.HasKey("max_ccb_timeouts") {
		cfg.MaxCCBTimeouts = section.Key("max_ccb_timeouts").MustInt(cfg.MaxCCBTimeouts)
	}
	if section.HasKey("max_ccb_tries") {
		cfg.MaxCCBTries = section.Key("max_ccb_tries").MustInt(cfg.MaxCCBTries)
	}
	if section.HasKey("connection_timeout_ms") {
		cfg.ConnectionTimeout = time.Duration(section.Key("connection_timeout_ms").MustInt(int(cfg.ConnectionTimeout.Milliseconds()))) * time.Millisecond
	}
	if section.HasKey("connection_idle_timeout_ms") {
		cfg.ConnectionIdleTimeout = time.Duration(section.Key("connection_idle_timeout_ms").MustInt(int(cfg.ConnectionIdleTimeout.Milliseconds()))) * time.Millisecond
	}
	if section.HasKey("command_timeout_ms") {
		cfg.CommandTimeout = time.Duration(section.Key("command_timeout_ms").MustInt(int(cfg.CommandTimeout.Milliseconds()))) * time.Millisecond
	}
	recovery := file.Section("recovery")
	if recovery.HasKey("error_recovery_level") {
		cfg.ErrorRecoveryLevel = recovery.Key("error_recovery_level").MustInt(cfg.ErrorRecoveryLevel)
	}
	if recovery.HasKey("time2wait_ms") {
		cfg.Time2Wait = time.Duration(recovery.Key("time2wait_ms").MustInt(int(cfg.Time2Wait.Milliseconds()))) * time.Millisecond
	}
	if recovery.HasKey("time2retain_ms") {
		cfg.Time2Retain = time.Duration(recovery.Key("time2retain_ms").MustInt(int(cfg.Time2Retain.Milliseconds()))) * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
