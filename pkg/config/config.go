package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".regtap"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
// Command line flags take precedence over every option.
type Config struct {
	// Process is the name of the target executable used by the run
	// command when no name is given.
	Process string `yaml:"process,omitempty"`

	// Signature is the hex encoded byte sequence to search in the code of
	// the target.
	Signature string `yaml:"signature,omitempty"`
	// Section is the code section searched for Signature.
	Section string `yaml:"section,omitempty"`
	// Register is the general purpose register read on every hit.
	Register string `yaml:"register,omitempty"`
	// Gate is the function whose first call marks the end of the target's
	// initialization, when waiting for a launch.
	Gate string `yaml:"gate,omitempty"`

	// WaitInterval is the polling interval used while waiting for a launch.
	WaitInterval time.Duration `yaml:"wait-interval,omitempty"`
	// WaitTimeout bounds the wait for a launch.
	WaitTimeout time.Duration `yaml:"wait-timeout,omitempty"`

	// Label prefixes every output line.
	Label string `yaml:"label,omitempty"`
	// Dedup drops values equal to the previous one.
	Dedup bool `yaml:"dedup,omitempty"`
	// Min and Max enable level output when both are set.
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`
	// Idle is the time without values after which the target is
	// reported as idle.
	Idle time.Duration `yaml:"idle,omitempty"`
	// Script is the path of a starlark script defining on_hit(value).
	Script string `yaml:"script,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		f, err := createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
		f.Close()
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %w", err)
	}

	var c Config
	err = yaml.UnmarshalStrict(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %w", path, err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return SaveConfigFile(fullConfigFile, conf)
}

// SaveConfigFile writes conf to path.
func SaveConfigFile(path string, conf *Config) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for regtap.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item. Command line flags override
# every option.

# Name of the executable to instrument when "regtap run" is called without arguments.
# process: game

# Byte sequence searched in the code of the target, in hex.
# signature: "89 9c 88 dc 00 00 00"

# Code section searched for the signature.
# section: .text

# General purpose register read every time the instruction runs.
# register: ebx

# Function whose first call marks the end of the initialization of a newly
# launched target. No breakpoint is installed before it is called.
# gate: XOpenDisplay

# Polling interval and maximum duration of the wait for a launch.
# wait-interval: 100ms
# wait-timeout: 0s

# Prefix of every output line.
# label: metric

# Only print values that differ from the previous one.
# dedup: true

# Print the level of every value between min and max.
# min: 0
# max: 300

# Warn when no value is seen for this long.
# idle: 3s

# Starlark script defining on_hit(value), returning the line to print or None.
# script: ~/.regtap/format.star
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
	return path.Join(userHomeDir, configDir, file), nil
}
