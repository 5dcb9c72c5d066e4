// Package mqttsource implements the pipeline.Consumer interface on top of
// the Eclipse Paho MQTT client.
package mqttsource

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ClientConfig holds all necessary configuration for the Paho MQTT client:
// connection parameters, security settings and the topic subscriptions.
type ClientConfig struct {
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "tls://mqtt.example.com:8883"
	BrokerURL string
	// Topics are the subscription filters, wildcards allowed. Defaults to
	// the device-telemetry root "dt/#".
	Topics []string
	// ClientIDPrefix is a prefix for the MQTT client ID. A unique suffix is
	// added automatically, which most brokers require.
	ClientIDPrefix string
	// Username and Password authenticate with the broker. Both may be empty
	// for brokers that allow anonymous access.
	Username string
	Password string
	// KeepAlive is the interval at which the client pings the broker.
	KeepAlive time.Duration
	// ConnectTimeout is the timeout for the initial connection attempt.
	ConnectTimeout time.Duration
	// ReconnectWaitMax caps the automatic reconnect backoff.
	ReconnectWaitMax time.Duration
	// CACertFile is an optional path to a CA certificate for verifying the
	// broker's certificate.
	CACertFile string
	// ClientCertFile and ClientKeyFile enable mTLS authentication.
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification. Not
	// recommended for production environments.
	InsecureSkipVerify bool
}

// Env constants for MQTT settings.
const (
	EnvMqttSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	EnvMqttKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	EnvMqttConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
	EnvMqttTopics                = "MQTT_TOPIC"
)

// DefaultTopic is the subscription used when none is configured.
const DefaultTopic = "dt/#"

// LoadClientConfigWithEnv loads MQTT operational configuration from
// environment variables, with sensible defaults where unset.
func LoadClientConfigWithEnv() *ClientConfig {
	cfg := &ClientConfig{
		Topics:           []string{DefaultTopic},
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
		ClientIDPrefix:   "tsbridge-",
	}
	if skipVerify := os.Getenv(EnvMqttSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}
	if topics := os.Getenv(EnvMqttTopics); topics != "" {
		cfg.Topics = SplitTopics(topics)
	}

	if ka := os.Getenv(EnvMqttKeepAliveSeconds); ka != "" {
		s, err := time.ParseDuration(ka + "s")
		if err == nil {
			cfg.KeepAlive = s
		} else {
			log.Printf("mqttsource: error parsing keepAlive seconds: %s, using default", err)
		}
	}
	if ct := os.Getenv(EnvMqttConnectTimeoutSeconds); ct != "" {
		s, err := time.ParseDuration(ct + "s")
		if err == nil {
			cfg.ConnectTimeout = s
		} else {
			log.Printf("mqttsource: error parsing connect timeout seconds: %s, using default", err)
		}
	}

	return cfg
}

// SplitTopics parses a comma-separated subscription list.
func SplitTopics(topics string) []string {
	parts := strings.Split(topics, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
