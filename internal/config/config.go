package config

import (
	"log"

	"gopkg.in/yaml.v3"

	"milestone-service/pkg/config"
)

type Config struct {
	DB        config.DBConfig        `yaml:"db"`
	MQ        config.MQConfig        `yaml:"mq"`
	Redis     config.RedisConfig     `yaml:"redis"`
	JWT       config.JWTConfig       `yaml:"jwt"`
	Server    config.ServerConfig    `yaml:"server"`
	Chain     config.ChainConfig     `yaml:"chain"`
	Rates     config.RatesConfig     `yaml:"rates"`
	Uploads   config.UploadsConfig   `yaml:"uploads"`
	Whitelist config.WhitelistConfig `yaml:"whitelist"`
}

func Load() *Config {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var cfg Config
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		log.Fatalf("failed to marshal config: %v", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	// Environment variables win over every file layer.
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideChainFromEnv(&cfg.Chain)
	config.OverrideRatesFromEnv(&cfg.Rates)
	config.OverrideUploadsFromEnv(&cfg.Uploads)

	return &cfg
}
