package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/incant-go/incant/internal/backend/localssh"
)

// Settings are user-level tool settings, independent of any project.
type Settings struct {
	Backend     string `yaml:"backend"`
	Concurrency int    `yaml:"concurrency"`
	Readiness   struct {
		Timeout  time.Duration `yaml:"timeout"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"readiness"`
	Incus struct {
		Binary string `yaml:"binary"`
	} `yaml:"incus"`
	SSH struct {
		KeyPath    string        `yaml:"key_path"`
		KnownHosts string        `yaml:"known_hosts"`
		Timeout    time.Duration `yaml:"timeout"`
		Retries    int           `yaml:"retries"`
	} `yaml:"ssh"`
	LocalSSH struct {
		Hosts []localssh.Host `yaml:"hosts"`
	} `yaml:"localssh"`
	// Journal is the SQLite run history; "off" disables it.
	Journal   string `yaml:"journal"`
	Telemetry bool   `yaml:"telemetry"`
}

// ConfigDir is $XDG_CONFIG_HOME/incant or ~/.config/incant.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "incant")
}

func DefaultSettings() Settings {
	var s Settings
	s.Backend = "incus"
	s.Concurrency = 4
	s.Readiness.Timeout = 5 * time.Minute
	s.Readiness.Interval = time.Second
	s.SSH.Timeout = 10 * time.Second
	s.SSH.Retries = 2
	home, _ := os.UserHomeDir()
	s.SSH.KeyPath = filepath.Join(home, ".ssh", "id_ed25519")
	s.SSH.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
	s.Journal = filepath.Join(ConfigDir(), "journal.db")
	return s
}

// LoadSettings reads settings from path, or from ConfigDir()/config.yaml when
// path is empty. A missing file yields the defaults. INCANT_BACKEND and
// INCANT_CONCURRENCY override the file.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &s); err != nil {
			return s, fmt.Errorf("parse settings %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return s, fmt.Errorf("read settings: %w", err)
	}

	if v := os.Getenv("INCANT_BACKEND"); v != "" {
		s.Backend = v
	}
	if v := os.Getenv("INCANT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("INCANT_CONCURRENCY: %w", err)
		}
		s.Concurrency = n
	}
	return s, s.validate()
}

func (s Settings) validate() error {
	if s.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", s.Concurrency)
	}
	if s.Readiness.Timeout <= 0 {
		return fmt.Errorf("readiness timeout must be positive")
	}
	if s.Readiness.Interval <= 0 {
		return fmt.Errorf("readiness interval must be positive")
	}
	for _, h := range s.LocalSSH.Hosts {
		if h.Name == "" || h.IP == "" {
			return fmt.Errorf("localssh hosts need a name and an ip")
		}
	}
	return nil
}
