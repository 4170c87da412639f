package blockproxy

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML configuration file of the blockproxy binary.
// Durations are written like "30s".
type FileConfig struct {
	Port          int           `yaml:"port"`
	Admin         string        `yaml:"admin"`
	Journal       string        `yaml:"journal"`
	LogFile       string        `yaml:"logFile"`
	ClientTimeout time.Duration `yaml:"clientTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	OriginTimeout time.Duration `yaml:"originTimeout"`
}

func ReadConfigFile(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
