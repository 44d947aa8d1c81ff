// Package config holds the unwinder's tunable knobs and loads them
// from a YAML config.yml under the user's home directory, falling
// back to built-in defaults whenever the file is absent or unreadable.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".breakpad"
	configFile string = "config.yml"
)

// Config holds every tunable named in the unwinder's stopping
// conditions and stack-scan heuristics. Zero values are not valid
// configuration; use Defaults() or LoadConfig().
type Config struct {
	// MaxFrames caps a single walk's frame count.
	MaxFrames int `yaml:"max-frames"`
	// ScanWindowInnermost is the stack-scan window, in machine words,
	// used only when recovering the caller of the context frame.
	ScanWindowInnermost int `yaml:"scan-window-innermost"`
	// ScanWindowOuter is the stack-scan window used for every other
	// frame.
	ScanWindowOuter int `yaml:"scan-window-outer"`
	// MaxThreadsPerDump truncates the processed thread list beyond
	// this count, always keeping the requesting thread. Zero means
	// no limit.
	MaxThreadsPerDump int `yaml:"max-threads-per-dump"`
	// ScanAllowed gates whether the stack-scan fallback strategy may
	// run at all.
	ScanAllowed bool `yaml:"scan-allowed"`
}

// Defaults returns the unwinder's built-in tunable values.
func Defaults() *Config {
	return &Config{
		MaxFrames:           1024,
		ScanWindowInnermost: 40,
		ScanWindowOuter:     30,
		MaxThreadsPerDump:   0,
		ScanAllowed:         true,
	}
}

// LoadConfig attempts to populate a Config from the config.yml file,
// creating a default one on first run. On any I/O or decode error it
// logs and falls back to Defaults() rather than failing the caller.
func LoadConfig() *Config {
	if err := createConfigPath(); err != nil {
		fmt.Printf("could not create config directory: %v\n", err)
		return Defaults()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("unable to get config file path: %v\n", err)
		return Defaults()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("error creating default config file: %v\n", err)
			return Defaults()
		}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("unable to read config data: %v\n", err)
		return Defaults()
	}

	c := Defaults()
	if err := yaml.Unmarshal(data, c); err != nil {
		fmt.Printf("unable to decode config file: %v\n", err)
		return Defaults()
	}
	return c
}

// SaveConfig marshals and saves c to disk.
func SaveConfig(c *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*c)
	if err != nil {
		return err
	}
	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(out)
	return err
}

func createDefaultConfig(p string) (*os.File, error) {
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	if err := writeDefaultConfig(f); err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	d := Defaults()
	out, err := yaml.Marshal(*d)
	if err != nil {
		return err
	}
	_, err = f.Write(out)
	return err
}

func createConfigPath() error {
	p, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0700)
}

// GetConfigFilePath returns the full path to the given config file
// name, under the current user's home directory.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
