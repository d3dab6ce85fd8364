// Package config manages configuration for the vault daemon using
// command-line flags, environment variables and an optional JSON file.
// Precedence: flags, then environment, then file, then defaults.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Options holds the configuration values for the daemon.
type Options struct {
	// VaultDir is the root directory of the vault on disk.
	VaultDir string `json:"vault_dir"`

	// TransferAddr is the listen address (ip:port) for inbound transfers.
	TransferAddr string `json:"transfer_addr"`

	// ControlAddr is the loopback listen address for the local control API
	// used by UI collaborators.
	ControlAddr string `json:"control_addr"`

	// KDFTargetMillis is the unlock-time target for KDF calibration at
	// vault creation. Zero keeps the library defaults.
	KDFTargetMillis int `json:"kdf_target_millis"`

	// LockoutMaxAttempts is the number of consecutive failed unlocks
	// before the lockout window engages.
	LockoutMaxAttempts int `json:"lockout_max_attempts"`

	// LockoutSeconds is the length of the lockout window.
	LockoutSeconds int `json:"lockout_seconds"`

	// DefaultRetentionDays applies to recycled items whose category has
	// no entry in RetentionDays.
	DefaultRetentionDays int `json:"default_retention_days"`

	// RetentionDays maps a category name to its recycle bin window.
	RetentionDays map[string]int `json:"retention_days"`

	// SweepIntervalSeconds is how often the background sweeper purges
	// expired recycled items.
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`

	// TransferIdleSeconds closes a transfer session with no activity.
	TransferIdleSeconds int `json:"transfer_idle_seconds"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// Config is the path to the JSON config file.
	Config string `json:"-"`
}

// Default returns the built-in configuration values.
func Default() *Options {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Options{
		VaultDir:             filepath.Join(home, ".acevault"),
		TransferAddr:         "127.0.0.1:8930",
		ControlAddr:          "127.0.0.1:8931",
		LockoutMaxAttempts:   5,
		LockoutSeconds:       3600,
		DefaultRetentionDays: 30,
		RetentionDays: map[string]int{
			"photo":    30,
			"video":    7,
			"document": 60,
			"audio":    14,
			"contact":  45,
		},
		SweepIntervalSeconds: 3600,
		TransferIdleSeconds:  120,
		LogLevel:             "info",
	}
}

// BindFlags registers the daemon's flags on fs against o.
func (o *Options) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.VaultDir, "vault", o.VaultDir, "vault directory")
	fs.StringVar(&o.TransferAddr, "transfer-addr", o.TransferAddr, "transfer listen address (ip:port)")
	fs.StringVar(&o.ControlAddr, "control-addr", o.ControlAddr, "local control API listen address (ip:port)")
	fs.IntVar(&o.KDFTargetMillis, "kdf-target", o.KDFTargetMillis, "KDF calibration target in milliseconds (0 = defaults)")
	fs.IntVar(&o.LockoutMaxAttempts, "lockout-attempts", o.LockoutMaxAttempts, "failed unlocks before lockout")
	fs.IntVar(&o.LockoutSeconds, "lockout-seconds", o.LockoutSeconds, "lockout window in seconds")
	fs.IntVar(&o.SweepIntervalSeconds, "sweep-interval", o.SweepIntervalSeconds, "recycle sweep interval in seconds")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&o.Config, "config", o.Config, "path to JSON config file")
	fs.StringVar(&o.Config, "c", o.Config, "path to JSON config file (shorthand)")
}

// ApplyFile merges values from the JSON file at path into o.
func (o *Options) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, o); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides o from VAULT_* environment variables.
func (o *Options) ApplyEnv() {
	if v := os.Getenv("VAULT_DIR"); v != "" {
		o.VaultDir = v
	}
	if v := os.Getenv("VAULT_TRANSFER_ADDR"); v != "" {
		o.TransferAddr = v
	}
	if v := os.Getenv("VAULT_CONTROL_ADDR"); v != "" {
		o.ControlAddr = v
	}
	if v := os.Getenv("VAULT_LOG_LEVEL"); v != "" {
		o.LogLevel = v
	}
	if v := os.Getenv("VAULT_CONFIG"); v != "" {
		o.Config = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_LOCKOUT_ATTEMPTS")); err == nil {
		o.LockoutMaxAttempts = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_LOCKOUT_SECONDS")); err == nil {
		o.LockoutSeconds = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_SWEEP_INTERVAL")); err == nil {
		o.SweepIntervalSeconds = v
	}
}

// Parse resolves the full configuration from args and the environment.
func Parse(args []string) (*Options, error) {
	o := Default()
	fs := flag.NewFlagSet("vaultd", flag.ContinueOnError)
	o.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// the file fills in whatever flags and env left untouched, so parse it
	// into defaults first and re-apply the explicit sources on top
	if o.Config != "" {
		merged := Default()
		if err := merged.ApplyFile(o.Config); err != nil {
			return nil, err
		}
		merged.Config = o.Config
		merged.ApplyEnv()
		fs2 := flag.NewFlagSet("vaultd", flag.ContinueOnError)
		merged.BindFlags(fs2)
		if err := fs2.Parse(args); err != nil {
			return nil, err
		}
		o = merged
	} else {
		o.ApplyEnv()
		fs3 := flag.NewFlagSet("vaultd", flag.ContinueOnError)
		o.BindFlags(fs3)
		if err := fs3.Parse(args); err != nil {
			return nil, err
		}
	}
	return o, o.Validate()
}

// Validate rejects values the engine cannot run with.
func (o *Options) Validate() error {
	if o.VaultDir == "" {
		return fmt.Errorf("config: vault directory is required")
	}
	if o.LockoutMaxAttempts <= 0 {
		return fmt.Errorf("config: lockout attempts must be positive")
	}
	if o.DefaultRetentionDays <= 0 {
		return fmt.Errorf("config: default retention must be positive")
	}
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", o.LogLevel)
	}
	return nil
}

// Lockout returns the lockout window as a duration.
func (o *Options) Lockout() time.Duration {
	return time.Duration(o.LockoutSeconds) * time.Second
}

// SweepInterval returns the sweep interval as a duration.
func (o *Options) SweepInterval() time.Duration {
	return time.Duration(o.SweepIntervalSeconds) * time.Second
}

// TransferIdle returns the transfer idle timeout as a duration.
func (o *Options) TransferIdle() time.Duration {
	return time.Duration(o.TransferIdleSeconds) * time.Second
}

// KDFTarget returns the KDF calibration target as a duration.
func (o *Options) KDFTarget() time.Duration {
	return time.Duration(o.KDFTargetMillis) * time.Millisecond
}

// Retention returns the recycle window for a category name.
func (o *Options) Retention(category string) time.Duration {
	if d, ok := o.RetentionDays[category]; ok && d > 0 {
		return time.Duration(d) * 24 * time.Hour
	}
	return time.Duration(o.DefaultRetentionDays) * 24 * time.Hour
}
