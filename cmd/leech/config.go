package main

import (
	"io/ioutil"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config holds every knob the CLI flags can also set; a YAML file loaded
// via -config supplies defaults that flags then override.
type Config struct {
	Folder   string `yaml:"folder"`
	Resume   bool   `yaml:"resume"`
	Peers    int    `yaml:"peers"`
	Requests int    `yaml:"requests"`
	LogFile  string `yaml:"log_file"`
	Debug    bool   `yaml:"debug"`
}

var DefaultConfig = Config{
	Folder:   ".",
	Peers:    50,
	Requests: 50,
}

// LoadConfig reads a YAML config file, falling back to DefaultConfig when
// the file does not exist.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig
	if path == "" {
		return &c, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	b, err := ioutil.ReadFile(expanded)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
