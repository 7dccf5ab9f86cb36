package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".fdefind"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Modules loaded before the binary passed on the command line, one
	// per entry in the form "path [bias]". Paths containing spaces
	// must be surrounded by single quotes.
	Modules []string `yaml:"modules"`

	// Log enables logging when no --log flag is passed.
	Log bool `yaml:"log"`
	// LogOutput is the comma separated list of components that should
	// produce log output, used when --log-output is not passed.
	LogOutput string `yaml:"log-output,omitempty"`
	// LogDest is a file path or file descriptor number logs are
	// written to, used when --log-dest is not passed.
	LogDest string `yaml:"log-dest,omitempty"`

	// Strategy is the default finder used by the lookup command,
	// either "deferred" or "custom".
	Strategy string `yaml:"strategy,omitempty"`
	// Linear disables .eh_frame_hdr by default.
	Linear bool `yaml:"linear"`
}

// ModuleSpec is a parsed entry of Config.Modules.
type ModuleSpec struct {
	Path string
	Bias uint64
}

// ParseModuleSpec parses a module entry of the form "path [bias]".
func ParseModuleSpec(s string) (ModuleSpec, error) {
	fields := SplitQuotedFields(s, '\'')
	switch len(fields) {
	case 1:
		return ModuleSpec{Path: fields[0]}, nil
	case 2:
		bias, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return ModuleSpec{}, fmt.Errorf("module %q: bad bias: %v", s, err)
		}
		return ModuleSpec{Path: fields[0], Bias: bias}, nil
	}
	return ModuleSpec{}, fmt.Errorf("module %q: expected \"path [bias]\"", s)
}

// ModuleSpecs parses every entry of c.Modules.
func (c *Config) ModuleSpecs() ([]ModuleSpec, error) {
	specs := make([]ModuleSpec, 0, len(c.Modules))
	for _, s := range c.Modules {
		spec, err := ParseModuleSpec(s)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadConfig reads the config file at path. An empty path means the
// default config file, which is created if it does not exist.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		if err := createConfigPath(); err != nil {
			return &Config{}, fmt.Errorf("could not create config directory: %v", err)
		}
		fullConfigFile, err := GetConfigFilePath(configFile)
		if err != nil {
			return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
		}
		if _, err := os.Stat(fullConfigFile); errors.Is(err, fs.ErrNotExist) {
			if err := createDefaultConfig(fullConfigFile); err != nil {
				return &Config{}, fmt.Errorf("error creating default config file: %v", err)
			}
		}
		path = fullConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	if c.Strategy != "" && c.Strategy != "deferred" && c.Strategy != "custom" {
		return &Config{}, fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for fdefind.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Modules loaded before the binary passed to the lookup command, as "path [bias]".
# Use single quotes around paths containing spaces.
modules:
  # - "/usr/lib/x86_64-linux-gnu/libc.so.6 0x7f0000000000"

# Uncomment to enable logging when --log is not passed.
# log: true
# log-output: unwind,hostmod
# log-dest: /tmp/fdefind.log

# Default finder used by the lookup command, deferred or custom.
# strategy: custom

# Uncomment to ignore .eh_frame_hdr and always scan .eh_frame.
# linear: true
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
