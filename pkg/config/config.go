// Package config loads the bridge configuration from a YAML file with
// environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-tsbridge/pkg/metrics"
	"github.com/illmade-knight/go-tsbridge/pkg/mqttsource"
)

// MQTTConfig locates the broker. Broker may be a bare hostname, combined
// with Port, or a full URL such as "tls://mqtt.example.com:8883".
type MQTTConfig struct {
	Broker         string `yaml:"broker"`
	Port           int    `yaml:"port"`
	ClientID       string `yaml:"client_id"`
	Topic          string `yaml:"topic"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	RootCA         string `yaml:"root_ca"`
	ClientCert     string `yaml:"client_cert"`
	ClientKey      string `yaml:"client_key"`
	InsecureVerify bool   `yaml:"insecure_skip_verify"`
}

// BrokerURL assembles a Paho broker URL from the broker and port fields.
func (m MQTTConfig) BrokerURL() string {
	if strings.Contains(m.Broker, "://") {
		return m.Broker
	}
	port := m.Port
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("tcp://%s:%d", m.Broker, port)
}

// TSDBConfig locates the time-series backend.
type TSDBConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	URI  string `yaml:"uri"`
	// VictoriaMetrics switches the sink to the line-protocol write
	// endpoint instead of OpenTSDB's /api/put.
	VictoriaMetrics bool `yaml:"victoria_metrics"`
}

// Config is the full bridge configuration surface.
type Config struct {
	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`

	MaxSendMessages int               `yaml:"max_send_messages"`
	MaxTimeSeconds  int               `yaml:"max_time"`
	MetricPrefix    string            `yaml:"metric_prefix"`
	MaxStrLen       int               `yaml:"max_str_len"`
	TagsExclude     string            `yaml:"tags_exclude"`
	AddHostTag      bool              `yaml:"add_host_tag"`
	StaticTags      map[string]string `yaml:"static_tags"`
	OverridePath    string            `yaml:"override_config"`

	MQTT MQTTConfig `yaml:"mqtt"`
	TSDB TSDBConfig `yaml:"tsdb"`
}

// Defaults returns a configuration matching the documented defaults.
func Defaults() *Config {
	return &Config{
		LogLevel:        "info",
		HTTPPort:        ":8080",
		MaxSendMessages: 100,
		MaxTimeSeconds:  5,
		MetricPrefix:    metrics.DefaultMetricPrefix,
		MaxStrLen:       metrics.DefaultMaxStrLen,
		TagsExclude:     "metric_prefix",
		MQTT:            MQTTConfig{Port: 1883, Topic: mqttsource.DefaultTopic},
		TSDB:            TSDBConfig{Host: "127.0.0.1", Port: 4242},
	}
}

// Load reads an optional YAML file over the defaults and then applies
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.MetricPrefix, "METRIC_PREFIX")
	setString(&c.TagsExclude, "TAGS_EXCLUDE")
	setString(&c.OverridePath, "OVERRIDE_CONFIG")
	setInt(&c.MaxSendMessages, "MAX_SEND_MESSAGES")
	setInt(&c.MaxTimeSeconds, "MAX_TIME")
	setInt(&c.MaxStrLen, "MAX_STR_LEN")
	setBool(&c.AddHostTag, "ADD_HOST_TAG")

	setString(&c.MQTT.Broker, "MQTT_BROKER")
	setInt(&c.MQTT.Port, "MQTT_PORT")
	setString(&c.MQTT.ClientID, "MQTT_CLIENT_ID")
	setString(&c.MQTT.Topic, "MQTT_TOPIC")
	setString(&c.MQTT.Username, "MQTT_USERNAME")
	setString(&c.MQTT.Password, "MQTT_PASSWORD")
	setString(&c.MQTT.RootCA, "MQTT_ROOT_CA")
	setString(&c.MQTT.ClientCert, "MQTT_CLIENT_CERT")
	setString(&c.MQTT.ClientKey, "MQTT_CLIENT_KEY")

	setString(&c.TSDB.Host, "OPEN_TSDB_HOST")
	setInt(&c.TSDB.Port, "OPEN_TSDB_PORT")
	setString(&c.TSDB.URI, "OPEN_TSDB_URI")
	setBool(&c.TSDB.VictoriaMetrics, "VICTORIA_METRICS")

	if raw := os.Getenv("STATIC_TAGS"); raw != "" {
		tags := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return fmt.Errorf("parsing STATIC_TAGS: %w", err)
		}
		c.StaticTags = tags
	}
	return nil
}

// MaxTime returns the flush interval as a duration.
func (c *Config) MaxTime() time.Duration {
	return time.Duration(c.MaxTimeSeconds) * time.Second
}

// TagsExcludeList splits the comma-separated exclusion setting.
func (c *Config) TagsExcludeList() []string {
	parts := strings.Split(c.TagsExclude, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
