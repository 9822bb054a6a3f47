package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type CatalogConfig struct {
	Conninfo string   `yaml:"conninfo"`
	Replicas []string `yaml:"replicas"`
}

type ShardsConfig struct {
	OpTimeoutMs      int `yaml:"op_timeout_ms"`
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
	CommitRetries    int `yaml:"commit_retries"`
}

type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	ShardMapTTLs int    `yaml:"shard_map_ttl_s"`
}

type RabbitConfig struct {
	URL string `yaml:"url"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SweeperConfig struct {
	IntervalS int `yaml:"interval_s"`
	StaleAgeS int `yaml:"stale_age_s"`
}

type ConfigSchema struct {
	Catalog CatalogConfig `yaml:"catalog"`
	Shards  ShardsConfig  `yaml:"shards"`
	Redis   RedisConfig   `yaml:"redis"`
	Rabbit  RabbitConfig  `yaml:"rabbitmq"`
	Chat    ListenConfig  `yaml:"chat"`
	Backend ListenConfig  `yaml:"backend"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Logs    struct {
		Level string `yaml:"level"`
	} `yaml:"logs"`
}

var AppConfig *ConfigSchema

func LoadConfig(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	var conf ConfigSchema
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return err
	}
	if conf.Catalog.Conninfo == "" {
		return fmt.Errorf("catalog.conninfo is required")
	}
	applyDefaults(&conf)
	AppConfig = &conf
	return nil
}

func applyDefaults(conf *ConfigSchema) {
	if conf.Shards.OpTimeoutMs <= 0 {
		conf.Shards.OpTimeoutMs = 500
	}
	if conf.Shards.ConnectTimeoutMs <= 0 {
		conf.Shards.ConnectTimeoutMs = 1000
	}
	if conf.Shards.CommitRetries <= 0 {
		conf.Shards.CommitRetries = 3
	}
	if conf.Sweeper.IntervalS <= 0 {
		conf.Sweeper.IntervalS = 60
	}
	if conf.Sweeper.StaleAgeS <= 0 {
		conf.Sweeper.StaleAgeS = 300
	}
	if conf.Redis.ShardMapTTLs <= 0 {
		conf.Redis.ShardMapTTLs = 60
	}
}

// OpTimeout - дедлайн на одну операцию с БД
func (s ShardsConfig) OpTimeout() time.Duration {
	return time.Duration(s.OpTimeoutMs) * time.Millisecond
}

func (s ShardsConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}
