package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".rttcom"
	configFile string = "config.yml"
)

// Backends
const (
	BackendGdb = "gdb"
	BackendSim = "sim"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Backend selects the transport: "gdb" for a gdb stub reached over TCP
	// or a serial port, "sim" for a simulated target.
	Backend string `yaml:"backend"`
	// Address is the host:port of the gdb stub.
	Address string `yaml:"address"`
	// Serial is the path of a serial port connected to a gdb stub. It
	// takes precedence over Address.
	Serial string `yaml:"serial,omitempty"`
	// Baud is the speed of the serial port.
	Baud int `yaml:"baud"`

	// Core is the index of the core to access.
	Core int `yaml:"core"`
	// Native64Bit reports that the target supports 64-bit accesses.
	Native64Bit bool `yaml:"native-64bit"`
	// EightBitTransfers reports that the target supports 8-bit accesses,
	// true if unset.
	EightBitTransfers *bool `yaml:"8bit-transfers,omitempty"`
	// BigEndian selects big endian word conversion.
	BigEndian bool `yaml:"big-endian"`
	// PacketSize overrides the packet size announced by the gdb stub.
	PacketSize int `yaml:"packet-size,omitempty"`

	// Read cache geometry, CacheLines = 0 disables the cache.
	CacheLines    int `yaml:"cache-lines"`
	CacheLineSize int `yaml:"cache-line-size"`

	// SimBase and SimSize describe the RAM of the simulated target.
	SimBase uint64 `yaml:"sim-base"`
	SimSize int    `yaml:"sim-size"`

	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Backend:       BackendGdb,
		Address:       "localhost:3333",
		Baud:          115200,
		CacheLineSize: 64,
		SimBase:       0x20000000,
		SimSize:       64 * 1024,
	}
}

// Supports8BitTransfers returns the effective value of EightBitTransfers.
func (c *Config) Supports8BitTransfers() bool {
	return c.EightBitTransfers == nil || *c.EightBitTransfers
}

// Validate checks that the configuration describes a usable target.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGdb:
		if c.Address == "" && c.Serial == "" {
			return errors.New("gdb backend needs an address or a serial port")
		}
	case BackendSim:
		if c.SimSize <= 0 {
			return errors.Errorf("invalid simulated RAM size %d", c.SimSize)
		}
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	if c.CacheLines > 0 && (c.CacheLineSize < 8 || c.CacheLineSize&(c.CacheLineSize-1) != 0) {
		return errors.Errorf("cache-line-size %d is not a power of two >= 8", c.CacheLineSize)
	}
	if c.Core < 0 {
		return errors.Errorf("invalid core %d", c.Core)
	}
	return nil
}

// LoadConfig reads config.yml from the user's configuration directory,
// creating it if it doesn't exist. On failure the problem is reported on
// stderr and the default configuration is returned.
func LoadConfig() *Config {
	file, err := GetConfigFilePath(configFile)
	if err == nil {
		var c *Config
		if c, err = LoadConfigFile(file); err == nil {
			return c
		}
	}
	fmt.Fprintf(os.Stderr, "Using the default configuration: %v.\n", err)
	return Default()
}

// LoadConfigFile reads the configuration at path. A missing file is
// created with the default configuration. Options missing from the file
// keep their default value.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := createDefaultConfig(path); err != nil {
			return nil, err
		}
		return Default(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config file")
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "unable to decode %s", path)
	}
	return c, nil
}

// SaveConfig writes conf to config.yml in the user's configuration
// directory.
func SaveConfig(conf *Config) error {
	file, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return SaveConfigFile(conf, file)
}

// SaveConfigFile writes conf to path.
func SaveConfigFile(conf *Config, path string) error {
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}

func createDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "unable to create config directory")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.Wrap(err, "unable to create config file")
	}
	if err := writeDefaultConfig(f); err != nil {
		f.Close()
		return errors.Wrap(err, "unable to write default configuration")
	}
	return f.Close()
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for rttcom.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Transport: "gdb" (a gdb stub such as OpenOCD, pyOCD or a Black Magic Probe)
# or "sim" (simulated RAM, for trying things out).
# backend: gdb

# Address of the gdb stub.
# address: localhost:3333

# Serial port of a gdb stub, used instead of address when set.
# serial: /dev/ttyACM0
# baud: 115200

# Index of the core to access.
# core: 0

# Capabilities of the target memory bus.
# native-64bit: false
# 8bit-transfers: true
# big-endian: false

# Read cache, in lines of cache-line-size bytes. Only enable it when reading
# memory that the target does not modify while halted.
# cache-lines: 256
# cache-line-size: 64

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]
`)
	return err
}

// GetConfigFilePath returns the path of file in the configuration
// directory: $RTTCOM_CONFIG_DIR if set, ~/.rttcom otherwise.
func GetConfigFilePath(file string) (string, error) {
	dir := os.Getenv("RTTCOM_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, configDir)
	}
	return filepath.Join(dir, file), nil
}
