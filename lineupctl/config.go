package main

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// file config with environment overrides. the environment wins so a jwt
// can be injected without editing the file.
type Config struct {
	ApiUrl    string `yaml:"apiUrl" envconfig:"LINEUP_API_URL"`
	PushUrl   string `yaml:"pushUrl" envconfig:"LINEUP_PUSH_URL"`
	ByJwt     string `yaml:"byJwt" envconfig:"LINEUP_BY_JWT"`
	Cookie    string `yaml:"cookie" envconfig:"LINEUP_COOKIE"`
	RetreatId int64  `yaml:"retreatId" envconfig:"LINEUP_RETREAT_ID"`
}

func DefaultConfig() *Config {
	return &Config{
		ApiUrl:  "https://api.retreat.example.com",
		PushUrl: "wss://push.retreat.example.com/lineup",
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		configBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := envconfig.Process("", config); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return config, nil
}
