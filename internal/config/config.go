// Package config loads site and user configuration: external tool paths,
// mandatory packages, workspace search paths. Configuration is YAML,
// discovered in /etc/mashru3 and ~/.config/mashru3, with later files
// overriding earlier ones.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ToolName is used for lock file names and config discovery directories.
const ToolName = "mashru3"

// Programs holds external tool paths. Bare names resolve via $PATH.
type Programs struct {
	Guix        string `yaml:"guix"`
	Rsync       string `yaml:"rsync"`
	Setfacl     string `yaml:"setfacl"`
	Getfacl     string `yaml:"getfacl"`
	Nfs4Setfacl string `yaml:"nfs4_setfacl"`
	Nfs4Getfacl string `yaml:"nfs4_getfacl"`
	Zip         string `yaml:"zip"`
	Unzip       string `yaml:"unzip"`
	Tar         string `yaml:"tar"`
	Lzip        string `yaml:"lzip"`
	Conductor   string `yaml:"conductor"`
	Tini        string `yaml:"tini"`
}

// Config is the merged tool configuration.
type Config struct {
	Programs Programs `yaml:"programs"`

	// MandatoryPackages must be present in every workspace profile; the
	// engine reinstalls them when they go missing.
	MandatoryPackages []string `yaml:"mandatoryPackages"`

	// SearchPath lists directories scanned by workspace discovery.
	SearchPath []string `yaml:"searchPath"`

	// ConductorServer is the remote display server for conductor-capable
	// applications.
	ConductorServer string `yaml:"conductorServer"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Programs: Programs{
			Guix:        "guix",
			Rsync:       "rsync",
			Setfacl:     "setfacl",
			Getfacl:     "getfacl",
			Nfs4Setfacl: "nfs4_setfacl",
			Nfs4Getfacl: "nfs4_getfacl",
			Zip:         "zip",
			Unzip:       "unzip",
			Tar:         "tar",
			Lzip:        "lzip",
			Conductor:   "conductor",
			Tini:        "tini",
		},
		MandatoryPackages: []string{"tini"},
		LogLevel:          "INFO",
	}
}

// DiscoveryPaths returns the config file locations in merge order: system
// first, user second.
func DiscoveryPaths() []string {
	paths := []string{filepath.Join("/etc", ToolName, "config.yaml")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", ToolName, "config.yaml"))
	}
	return paths
}

// Load merges the files at paths over the defaults. Missing files are
// skipped; unreadable or malformed ones are errors.
func Load(paths ...string) (*Config, error) {
	cfg := Default()
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(interpolateEnv(string(b))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} with environment variable values. Unset
// variables are left as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.Programs.Guix == "" {
		return fmt.Errorf("programs.guix must not be empty")
	}
	if c.Programs.Rsync == "" {
		return fmt.Errorf("programs.rsync must not be empty")
	}
	for _, p := range c.MandatoryPackages {
		if p == "" {
			return fmt.Errorf("mandatoryPackages must not contain empty names")
		}
	}
	return nil
}
