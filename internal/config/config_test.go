package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != defaultStorePath || !cfg.Store.IsYAML() {
		t.Fatalf("unexpected store path %q", cfg.Store.Path)
	}
	if cfg.Imaging.Timeout != 5*time.Minute {
		t.Fatalf("expected 5m capture timeout, got %v", cfg.Imaging.Timeout)
	}
	if cfg.Positioning.PollInterval != 2*time.Second || cfg.Positioning.ErrorBackoff != 5*time.Second {
		t.Fatalf("unexpected positioning delays %+v", cfg.Positioning)
	}
	if len(cfg.Update.Stages) != 3 || cfg.Update.Stages[0].Name != "config" || cfg.Update.Stages[2].Name != "services" {
		t.Fatalf("unexpected default stages %+v", cfg.Update.Stages)
	}
	if cfg.Minion.Port != 22 || cfg.Fleet.Workers != 1 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Minion, cfg.Fleet)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error without credentials")
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
store:
  path: state/fleet.db
minion:
  user: pi
  password: from-file
  insecure_ignore_host_key: true
  connect_timeout: 3s
router:
  host: 192.168.1.1
  user: root
  password: admin
  insecure_ignore_host_key: true
discovery:
  hostname: minionpi
  subnets: [10.0.0.0/24]
imaging:
  system: lilo
  timeout: 90s
  strict_output: true
update:
  stages:
    - name: core
      steps:
        - push: minion-capture
          to: minion-capture
        - run: chmod +x minion-capture
`)
	t.Setenv("MINION_PASSWORD", "from-env")
	t.Setenv("HTTP_ADDR", ":9000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.IsYAML() {
		t.Fatalf("expected sqlite store for %q", cfg.Store.Path)
	}
	if cfg.Minion.Password != "from-env" {
		t.Fatalf("expected env password override, got %q", cfg.Minion.Password)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("expected env http addr, got %q", cfg.HTTP.Addr)
	}
	if cfg.Minion.ConnectTimeout != 3*time.Second {
		t.Fatalf("expected 3s connect timeout, got %v", cfg.Minion.ConnectTimeout)
	}
	if cfg.Imaging.Timeout != 90*time.Second || !cfg.Imaging.StrictOutput {
		t.Fatalf("unexpected imaging config %+v", cfg.Imaging)
	}
	if len(cfg.Update.Stages) != 1 || len(cfg.Update.Stages[0].Steps) != 2 {
		t.Fatalf("unexpected stages %+v", cfg.Update.Stages)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_RejectsAmbiguousStep(t *testing.T) {
	path := writeConfig(t, `
minion: {user: pi, password: x, insecure_ignore_host_key: true}
router: {host: 192.168.1.1, user: root, password: y, insecure_ignore_host_key: true}
update:
  stages:
    - name: config
      steps:
        - push: a.conf
          run: echo both
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var verr *ValidationError
	if err := cfg.Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidate_RouterOSSource(t *testing.T) {
	path := writeConfig(t, `
minion: {user: pi, key_file: /home/ctl/.ssh/id_ed25519, known_hosts: /home/ctl/.ssh/known_hosts}
discovery:
  source: RouterOS
  routeros: {host: 192.168.88.1, username: api}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Discovery.Source != SourceRouterOS {
		t.Fatalf("expected normalized source, got %q", cfg.Discovery.Source)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "minion: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}
