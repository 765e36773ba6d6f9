// Package config loads the controller configuration from one YAML file plus
// a small set of environment overrides for secrets and paths.
//
// The file path comes from --config or MINION_CONFIG. A missing file is not
// an error; Validate then decides whether the defaults are usable.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/model"
	"github.com/micro-ha/minion-fleet/controller/internal/subnet"
)

const (
	DefaultPath = "config/config.yaml"

	defaultStorePath        = "config/minions.yaml"
	defaultHTTPAddr         = ":8099"
	defaultLeasesPath       = "/var/lib/misc/dnsmasq.leases"
	defaultLeasesCache      = "config/leases.txt"
	defaultSystemName       = "lilo"
	defaultCaptureCommand   = "./minion-capture"
	defaultCaptureTimeout   = 5 * time.Minute
	defaultMarker           = "requestLocation.file"
	defaultPollInterval     = 2 * time.Second
	defaultErrorBackoff     = 5 * time.Second
	defaultConnectTimeout   = 10 * time.Second
	defaultCommandTimeout   = 2 * time.Minute
	defaultSSHPort          = 22
	defaultUpdateInterval   = time.Hour
	defaultFilesDir         = "files"
	defaultDiscoverySource  = SourceDnsmasq
	defaultFleetWorkerCount = 1
)

// Lease sources understood by discovery.
const (
	SourceDnsmasq  = model.SourceDnsmasq
	SourceRouterOS = model.SourceRouterOS
)

// Config is the master configuration for the controller.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Log         LogConfig         `yaml:"log"`
	HTTP        HTTPConfig        `yaml:"http"`
	Minion      SSHConfig         `yaml:"minion"`
	Router      SSHConfig         `yaml:"router"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Imaging     ImagingConfig     `yaml:"imaging"`
	Positioning PositioningConfig `yaml:"positioning"`
	Update      UpdateConfig      `yaml:"update"`
	Fleet       FleetConfig       `yaml:"fleet"`
}

// StoreConfig selects the fleet store. Paths ending in .yaml or .yml use the
// YAML document backend, anything else sqlite.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// IsYAML reports whether Path selects the YAML document backend.
func (s StoreConfig) IsYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.Path))
	return ext == ".yaml" || ext == ".yml"
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File, when set, receives a copy of every log line.
	File string `yaml:"file"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() slog.Level {
	return parseLogLevel(l.Level)
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SSHConfig is one remote endpoint credential profile. Host is only used for
// the router; minions are addressed by lease address.
type SSHConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	User                  string        `yaml:"user"`
	Password              string        `yaml:"password"`
	KeyFile               string        `yaml:"key_file"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`
}

// Configured reports whether the profile carries a user and a credential.
func (s SSHConfig) Configured() bool {
	return strings.TrimSpace(s.User) != "" && (s.Password != "" || strings.TrimSpace(s.KeyFile) != "")
}

type DiscoveryConfig struct {
	Source      string             `yaml:"source"`
	LeasesPath  string             `yaml:"leases_path"`
	CachePath   string             `yaml:"cache_path"`
	Hostname    string             `yaml:"hostname"`
	Vendor      string             `yaml:"vendor"`
	Subnets     []string           `yaml:"subnets"`
	IncludeSelf bool               `yaml:"include_self"`
	RouterOS    model.RouterConfig `yaml:"routeros"`
}

type ImagingConfig struct {
	System       string        `yaml:"system"`
	Command      string        `yaml:"command"`
	Timeout      time.Duration `yaml:"timeout"`
	StrictOutput bool          `yaml:"strict_output"`
}

type PositioningConfig struct {
	Marker       string        `yaml:"marker"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	StateDir     string        `yaml:"state_dir"`
}

type UpdateConfig struct {
	FilesDir string        `yaml:"files_dir"`
	Stages   []StageConfig `yaml:"stages"`
}

type StageConfig struct {
	Name  string       `yaml:"name"`
	Steps []StepConfig `yaml:"steps"`
}

// StepConfig is either a file push (Push + To) or a command (Run).
type StepConfig struct {
	Push string `yaml:"push,omitempty"`
	To   string `yaml:"to,omitempty"`
	Run  string `yaml:"run,omitempty"`
	Sudo bool   `yaml:"sudo,omitempty"`
}

type FleetConfig struct {
	Workers        int           `yaml:"workers"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// ValidationError describes an unusable configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Path resolves the config file location from the flag value and environment.
func Path(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return getenv("MINION_CONFIG", DefaultPath)
}

// Load reads path, applies environment overrides and defaults.
func Load(path string) (Config, error) {
	var cfg Config
	body, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(body, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.Path = getenv("STORE_PATH", c.Store.Path)
	c.HTTP.Addr = getenv("HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getenv("LOG_FILE", c.Log.File)
	c.Minion.User = getenv("MINION_USER", c.Minion.User)
	c.Minion.Password = getenv("MINION_PASSWORD", c.Minion.Password)
	c.Router.Host = getenv("ROUTER_HOST", c.Router.Host)
	c.Router.User = getenv("ROUTER_USER", c.Router.User)
	c.Router.Password = getenv("ROUTER_PASSWORD", c.Router.Password)
	c.Discovery.RouterOS.Password = getenv("ROUTEROS_PASSWORD", c.Discovery.RouterOS.Password)
	c.Fleet.UpdateInterval = parseDuration("FLEET_UPDATE_INTERVAL", c.Fleet.UpdateInterval)
}

func (c *Config) applyDefaults() {
	c.Store.Path = fallback(c.Store.Path, defaultStorePath)
	c.HTTP.Addr = fallback(c.HTTP.Addr, defaultHTTPAddr)
	c.Log.Level = fallback(c.Log.Level, "info")
	c.Minion.applyDefaults()
	c.Router.applyDefaults()

	c.Discovery.Source = strings.ToLower(fallback(c.Discovery.Source, defaultDiscoverySource))
	c.Discovery.LeasesPath = fallback(c.Discovery.LeasesPath, defaultLeasesPath)
	c.Discovery.CachePath = fallback(c.Discovery.CachePath, defaultLeasesCache)

	c.Imaging.System = fallback(c.Imaging.System, defaultSystemName)
	c.Imaging.Command = fallback(c.Imaging.Command, defaultCaptureCommand)
	if c.Imaging.Timeout <= 0 {
		c.Imaging.Timeout = defaultCaptureTimeout
	}

	c.Positioning.Marker = fallback(c.Positioning.Marker, defaultMarker)
	if c.Positioning.PollInterval <= 0 {
		c.Positioning.PollInterval = defaultPollInterval
	}
	if c.Positioning.ErrorBackoff <= 0 {
		c.Positioning.ErrorBackoff = defaultErrorBackoff
	}
	c.Positioning.StateDir = fallback(c.Positioning.StateDir, filepath.Join(os.TempDir(), "minion-positioning"))

	c.Update.FilesDir = fallback(c.Update.FilesDir, defaultFilesDir)
	if len(c.Update.Stages) == 0 {
		c.Update.Stages = DefaultStages()
	}

	if c.Fleet.Workers <= 0 {
		c.Fleet.Workers = defaultFleetWorkerCount
	}
	if c.Fleet.UpdateInterval <= 0 {
		c.Fleet.UpdateInterval = defaultUpdateInterval
	}
}

func (s *SSHConfig) applyDefaults() {
	if s.Port <= 0 {
		s.Port = defaultSSHPort
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = defaultCommandTimeout
	}
}

// DefaultStages is the update plan the minions have always received.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{Name: fleet.StageConfig, Steps: []StepConfig{
			{Push: "logind.conf", To: "logind.conf"},
			{Run: "mv logind.conf /etc/systemd/logind.conf", Sudo: true},
			{Push: "wayfire.ini", To: ".config/wayfire.ini"},
			{Push: "button.sh", To: "button.sh"},
			{Run: "chmod +x button.sh", Sudo: true},
		}},
		{Name: fleet.StageCore, Steps: []StepConfig{
			{Push: "minion-capture", To: "minion-capture"},
			{Run: "chmod +x minion-capture"},
			{Run: "raspi-config nonint do_wayland W2", Sudo: true},
		}},
		{Name: fleet.StageServices, Steps: []StepConfig{
			{Run: "systemctl restart systemd-logind", Sudo: true},
			{Run: "reboot", Sudo: true},
		}},
	}
}

// Validate fails on settings without which no operation is possible.
func (c Config) Validate() error {
	if !c.Minion.Configured() {
		return &ValidationError{Field: "minion", Reason: "user and password or key_file are required"}
	}
	if !c.Minion.InsecureIgnoreHostKey && strings.TrimSpace(c.Minion.KnownHosts) == "" {
		return &ValidationError{Field: "minion.known_hosts", Reason: "required unless insecure_ignore_host_key is set"}
	}
	switch c.Discovery.Source {
	case SourceDnsmasq:
		if !c.Router.Configured() || strings.TrimSpace(c.Router.Host) == "" {
			return &ValidationError{Field: "router", Reason: "host, user and a credential are required for dnsmasq discovery"}
		}
		if !c.Router.InsecureIgnoreHostKey && strings.TrimSpace(c.Router.KnownHosts) == "" {
			return &ValidationError{Field: "router.known_hosts", Reason: "required unless insecure_ignore_host_key is set"}
		}
	case SourceRouterOS:
		if strings.TrimSpace(c.Discovery.RouterOS.Host) == "" || strings.TrimSpace(c.Discovery.RouterOS.Username) == "" {
			return &ValidationError{Field: "discovery.routeros", Reason: "host and username are required"}
		}
	default:
		return &ValidationError{Field: "discovery.source", Reason: fmt.Sprintf("unknown source %q", c.Discovery.Source)}
	}
	if _, err := subnet.Parse(c.Discovery.Subnets); err != nil {
		return &ValidationError{Field: "discovery.subnets", Reason: err.Error()}
	}
	seen := map[string]bool{}
	for _, stage := range c.Update.Stages {
		if strings.TrimSpace(stage.Name) == "" {
			return &ValidationError{Field: "update.stages", Reason: "stage name is required"}
		}
		if seen[stage.Name] {
			return &ValidationError{Field: "update.stages", Reason: fmt.Sprintf("duplicate stage %q", stage.Name)}
		}
		seen[stage.Name] = true
		for i, step := range stage.Steps {
			hasPush := strings.TrimSpace(step.Push) != ""
			hasRun := strings.TrimSpace(step.Run) != ""
			if hasPush == hasRun {
				return &ValidationError{Field: fmt.Sprintf("update.stages.%s.steps[%d]", stage.Name, i), Reason: "exactly one of push or run is required"}
			}
			if hasPush && strings.TrimSpace(step.To) == "" {
				return &ValidationError{Field: fmt.Sprintf("update.stages.%s.steps[%d].to", stage.Name, i), Reason: "is required for push"}
			}
		}
	}
	return nil
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
