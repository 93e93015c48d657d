package main

import (
	"os"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	responsetransformer "github.com/always-cache/offline-cache/pkg/response-transformer"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration file. CLI flags override its values.
type Config struct {
	App            string                          `yaml:"app"`
	Version        string                          `yaml:"version"`
	Origin         string                          `yaml:"origin"`
	Host           string                          `yaml:"host"`
	DB             string                          `yaml:"db"`
	Manifest       []string                        `yaml:"manifest"`
	NetworkTimeout *time.Duration                  `yaml:"networkTimeout"`
	Notification   offlinecache.NotificationConfig `yaml:"notification"`
	Rules          responsetransformer.Rules       `yaml:"rules"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
