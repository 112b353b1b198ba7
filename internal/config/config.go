// Package config loads and validates neatxd's process-wide configuration:
// protocol version, authentication method, external tool paths, and the
// ambient logging/storage settings shared by the front-end, broker, and
// node daemon processes.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/neatx/neatxd/internal/logging"
	"github.com/spf13/viper"
)

var log = logging.L("config")

// Config is neatxd's process-wide configuration, loaded from YAML with
// NEATX_-prefixed environment overrides.
type Config struct {
	ProtocolVersion string `mapstructure:"protocol_version"`

	AuthMethod string `mapstructure:"auth_method" validate:"oneof=su ssh"`
	SSHHost    string `mapstructure:"ssh_host"`
	SSHPort    int    `mapstructure:"ssh_port" validate:"min=1,max=65535"`

	NxAgentPath  string `mapstructure:"nxagent_path"`
	XauthPath    string `mapstructure:"xauth_path"`
	XRdbPath     string `mapstructure:"xrdb_path"`
	SuPath       string `mapstructure:"su_path"`
	SSHPath      string `mapstructure:"ssh_path"`
	RelayPath    string `mapstructure:"relay_path"` // netcat/data-relay binary
	NxDialogPath string `mapstructure:"nxdialog_path"`

	StartKDECommand     []string `mapstructure:"start_kde_command"`
	StartGnomeCommand   []string `mapstructure:"start_gnome_command"`
	StartConsoleCommand []string `mapstructure:"start_console_command"`

	DataDir       string `mapstructure:"data_dir"`
	SessionSocket string `mapstructure:"session_socket"` // socket file name within a session directory

	IdleTimeoutSeconds   int `mapstructure:"idle_timeout_seconds" validate:"min=1"`
	RetryAttempts        int `mapstructure:"retry_attempts" validate:"min=0"`
	RetryIntervalSeconds int `mapstructure:"retry_interval_seconds" validate:"min=1"`

	LogLevel      string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat     string `mapstructure:"log_format" validate:"omitempty,oneof=text json"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
}

// Default returns a Config with the same defaults a fresh NX 3.x
// installation would carry.
func Default() *Config {
	return &Config{
		ProtocolVersion: "3.5.0",

		AuthMethod: "su",
		SSHPort:    22,

		NxAgentPath:  "/usr/lib/nx/nxagent",
		XauthPath:    "/usr/bin/xauth",
		XRdbPath:     "/usr/bin/xrdb",
		SuPath:       "/bin/su",
		SSHPath:      "/usr/bin/ssh",
		RelayPath:    "/usr/bin/nc",
		NxDialogPath: "/usr/lib/nx/nxdialog",

		StartKDECommand:     []string{"/etc/X11/Xsession", "startkde"},
		StartGnomeCommand:   []string{"/etc/X11/Xsession", "gnome-session"},
		StartConsoleCommand: []string{"/usr/bin/xterm"},

		DataDir:       "/var/lib/neatx",
		SessionSocket: "node.sock",

		IdleTimeoutSeconds:   300,
		RetryAttempts:        3,
		RetryIntervalSeconds: 2,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		AuditEnabled:    true,
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 3,

		MetricsEnabled: false,
		MetricsAddr:    "127.0.0.1:9399",
	}
}

// Load reads configuration from cfgFile (or the default search path when
// empty), applies NEATX_-prefixed environment overrides, and runs tiered
// validation. Fatal errors abort startup; warnings are logged and
// startup continues.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("neatxd")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("NEATX")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// SessionsDir returns the directory under DataDir holding per-session
// state.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

func configDir() string {
	return "/etc/neatx"
}
