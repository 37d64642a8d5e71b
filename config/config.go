package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	ParcelScope ParcelScopeConfig `yaml:"parcelscope"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	ScanRecordedTopicName  string `yaml:"scan_recorded_topic_name"`
	ParcelFlaggedTopicName string `yaml:"parcel_flagged_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ParcelScopeConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	// Stall threshold applied when the request doesn't bring its own.
	StallThresholdHours int `yaml:"stall_threshold_hours"`

	// Extraction endpoint throttle, per client per minute.
	ExtractRateLimitPerMinute int `yaml:"extract_rate_limit_per_minute"`

	// Postal rule binding for the carrier classifier (defaults: IE / An Post).
	PostalCountryCode string `yaml:"postal_country_code"`
	PostalCarrierName string `yaml:"postal_carrier_name"`

	// Watcher (scope-watch) settings.
	WatcherHTTPAddr                string `yaml:"watcher_http_addr"`
	WatcherSweepIntervalSeconds    int    `yaml:"watcher_sweep_interval_seconds"`
	WatcherBatchSize               int    `yaml:"watcher_batch_size"`
	WatcherConcurrency             int    `yaml:"watcher_concurrency"`
	WatcherSuppressWindowSeconds   int    `yaml:"watcher_suppress_window_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
