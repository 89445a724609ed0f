/*
PACS Edge Gateway - DICOM edge gateway for medical imaging pipelines.
Copyright © 2024 The pacsedge contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config provides the typed view of the gateway YAML
// configuration.
//
// Everything except the fault_injection section is loaded once at
// startup. The fault view is re-read by the fault injector on every
// stage check so the operator can perturb a running gateway (see
// internal/faults).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Forwarder modes.
const (
	ModeDummy    = "dummy"
	ModeArchive  = "archive"
	ModeWorkers  = "workers"
	ModeGateway  = "gateway"
	ModeParallel = "parallel"
)

// StateDirs are the data_root subdirectories an artifact moves through,
// in lock-step with its queue record state.
var StateDirs = []string{"incoming", "queued", "sent", "failed"}

type Config struct {
	Edge           Edge      `yaml:"edge"`
	Forwarder      Forwarder `yaml:"forwarder"`
	FaultInjection Faults    `yaml:"fault_injection"`

	path string
}

type Edge struct {
	AETitle            string   `yaml:"ae_title"`
	Port               int      `yaml:"port"`
	DataRoot           string   `yaml:"data_root"`
	LogPath            string   `yaml:"log_path"`
	StorePath          string   `yaml:"store_path"`
	AllowedCallingAETs []string `yaml:"allowed_calling_aets"`
}

// Endpoint identifies a remote DIMSE peer (the archive or a worker).
type Endpoint struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	AETitle string `yaml:"ae_title"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.AETitle, e.Host, e.Port)
}

type Forwarder struct {
	Mode                string     `yaml:"mode"`
	MaxRetries          int        `yaml:"max_retries"`
	BackoffBaseSeconds  int        `yaml:"backoff_base_seconds"`
	PollIntervalSeconds int        `yaml:"poll_interval_seconds"`
	TimeoutSeconds      int        `yaml:"timeout_seconds"`
	Archive             Endpoint   `yaml:"archive"`
	Workers             []Endpoint `yaml:"workers"`
}

// Faults is the fault_injection snapshot. Unlike the rest of the
// configuration it is mutated at runtime by the operator CLI.
type Faults struct {
	RejectAll      bool    `yaml:"reject_all"`
	DiskFull       bool    `yaml:"disk_full"`
	IODelayMS      int     `yaml:"io_delay_ms"`
	RandomFailRate float64 `yaml:"random_fail_rate"`
}

// ConfigError indicates an invalid configuration. It is fatal at
// startup and never retryable.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string {
	return "config: " + e.Reason
}

func (ConfigError) Temporary() bool {
	return false
}

func errf(format string, args ...interface{}) error {
	return ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Load reads, defaults and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errf("cannot read %s: %v", path, err)
	}

	cfg := &Config{path: path}
	if err := yaml.Unmarshal(blob, cfg); err != nil {
		return nil, errf("cannot parse %s: %v", path, err)
	}

	if cfg.Forwarder.Mode == "" {
		cfg.Forwarder.Mode = ModeDummy
	}
	if cfg.Forwarder.TimeoutSeconds == 0 {
		cfg.Forwarder.TimeoutSeconds = 10
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from. The fault
// injector watches it for fault_injection updates.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) Validate() error {
	switch c.Forwarder.Mode {
	case ModeDummy, ModeArchive, ModeWorkers, ModeGateway, ModeParallel:
	default:
		return errf("unknown forwarder mode %q", c.Forwarder.Mode)
	}
	if c.Edge.AETitle == "" {
		return errf("edge.ae_title is required")
	}
	if c.Edge.Port <= 0 || c.Edge.Port > 65535 {
		return errf("edge.port %d out of range", c.Edge.Port)
	}
	if c.Edge.DataRoot == "" {
		return errf("edge.data_root is required")
	}
	if c.Forwarder.MaxRetries < 1 {
		return errf("forwarder.max_retries must be at least 1")
	}
	if c.Forwarder.BackoffBaseSeconds < 0 {
		return errf("forwarder.backoff_base_seconds must not be negative")
	}
	if c.Forwarder.PollIntervalSeconds < 0 {
		return errf("forwarder.poll_interval_seconds must not be negative")
	}
	if c.Forwarder.RequiresWorkers() && len(c.Forwarder.Workers) == 0 {
		return errf("forwarder.workers must not be empty in %s mode", c.Forwarder.Mode)
	}
	if r := c.FaultInjection.RandomFailRate; r < 0 || r > 1 {
		return errf("fault_injection.random_fail_rate %v outside [0,1]", r)
	}
	if c.FaultInjection.IODelayMS < 0 {
		return errf("fault_injection.io_delay_ms must not be negative")
	}
	return nil
}

// RequiresWorkers reports whether the mode cannot operate with an empty
// worker list.
func (f Forwarder) RequiresWorkers() bool {
	switch f.Mode {
	case ModeWorkers, ModeGateway, ModeParallel:
		return true
	}
	return false
}

// Timeout is the single timeout applied to outbound connect,
// association and message exchange.
func (f Forwarder) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// PollInterval is the forwarder idle sleep.
func (f Forwarder) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalSeconds) * time.Second
}

// AllowedCaller reports whether the calling AE title passes the
// allow-list. An empty list allows any caller.
func (e Edge) AllowedCaller(callingAET string) bool {
	if len(e.AllowedCallingAETs) == 0 {
		return true
	}
	for _, ae := range e.AllowedCallingAETs {
		if ae == callingAET {
			return true
		}
	}
	return false
}

// StateDir returns the directory artifacts in the given state live in.
func (e Edge) StateDir(state string) string {
	return filepath.Join(e.DataRoot, state)
}

// EnsureDirectories creates the data_root state directories and the
// parents of the log and store paths.
func (c *Config) EnsureDirectories() error {
	for _, sub := range StateDirs {
		if err := os.MkdirAll(filepath.Join(c.Edge.DataRoot, sub), 0o755); err != nil {
			return err
		}
	}
	for _, p := range []string{c.Edge.LogPath, c.Edge.StorePath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// LoadFaults re-reads only the fault_injection section of the
// configuration file. Used by the fault injector on reload; a parse
// failure leaves the previous snapshot in place.
func LoadFaults(path string) (Faults, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return Faults{}, err
	}
	var partial struct {
		FaultInjection Faults `yaml:"fault_injection"`
	}
	if err := yaml.Unmarshal(blob, &partial); err != nil {
		return Faults{}, err
	}
	return partial.FaultInjection, nil
}
