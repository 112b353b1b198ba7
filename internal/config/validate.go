package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

var protocolVersionRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

var validAuthMethods = map[string]bool{
	"su":  true,
	"ssh": true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Result separates fatal misconfiguration, which aborts startup, from
// warnings, which are logged and do not.
type Result struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation error was found.
func (r Result) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just
// want to display everything found.
func (r Result) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks c and files every finding under Fatals or
// Warnings depending on severity: a bad protocol version, unknown auth
// method, or missing external tool path can't be worked around and is
// fatal; everything else (clamped timeouts, unknown log level) is a
// warning with a safe fallback already applied.
func (c *Config) ValidateTiered() Result {
	var r Result

	if !protocolVersionRe.MatchString(c.ProtocolVersion) {
		r.Fatals = append(r.Fatals, fmt.Errorf("protocol_version %q is not a dotted x.y.z version", c.ProtocolVersion))
	}

	if !validAuthMethods[c.AuthMethod] {
		r.Fatals = append(r.Fatals, fmt.Errorf("auth_method %q must be su or ssh", c.AuthMethod))
	}
	if c.AuthMethod == "ssh" {
		if c.SSHHost == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("ssh_host is required when auth_method is ssh"))
		}
		if c.SSHPort < 1 || c.SSHPort > 65535 {
			r.Fatals = append(r.Fatals, fmt.Errorf("ssh_port %d is out of range", c.SSHPort))
		}
	}

	for _, tool := range []struct{ name, path string }{
		{"nxagent_path", c.NxAgentPath},
		{"xauth_path", c.XauthPath},
		{"xrdb_path", c.XRdbPath},
		{"su_path", c.SuPath},
		{"ssh_path", c.SSHPath},
		{"nxdialog_path", c.NxDialogPath},
	} {
		if tool.path == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s must not be empty", tool.name))
			continue
		}
		if _, err := os.Stat(tool.path); err != nil {
			r.Warnings = append(r.Warnings, fmt.Errorf("%s %q: %w", tool.name, tool.path, err))
		}
	}

	if c.DataDir == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("data_dir must not be empty"))
	}
	if c.SessionSocket == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("session_socket must not be empty"))
	}

	if c.IdleTimeoutSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("idle_timeout_seconds %d is below minimum 1, clamping", c.IdleTimeoutSeconds))
		c.IdleTimeoutSeconds = 1
	}
	if c.RetryAttempts < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("retry_attempts %d is negative, clamping to 0", c.RetryAttempts))
		c.RetryAttempts = 0
	}
	if c.RetryIntervalSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("retry_interval_seconds %d is below minimum 1, clamping", c.RetryIntervalSeconds))
		c.RetryIntervalSeconds = 1
	}

	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid, defaulting to info", c.LogLevel))
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid, defaulting to text", c.LogFormat))
		c.LogFormat = "text"
	}

	// Struct-tag validation is a safety net on top of the field-specific
	// checks above: by the time it runs, every field it covers has
	// already been clamped or defaulted, so a failure here means a
	// constraint the hand-rolled checks don't know about yet.
	if err := structValidator.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				r.Warnings = append(r.Warnings, fmt.Errorf("%s fails %q constraint", fe.Field(), fe.Tag()))
			}
		}
	}

	return r
}
