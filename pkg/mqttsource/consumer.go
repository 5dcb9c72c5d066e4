package mqttsource

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-tsbridge/pkg/pipeline"
)

// Consumer implements pipeline.Consumer for an MQTT source.
type Consumer struct {
	pahoClient mqtt.Client
	logger     zerolog.Logger
	outputChan chan pipeline.Message
	doneChan   chan struct{}
	cfg        *ClientConfig
	stopOnce   sync.Once
}

// NewConsumer creates a new Consumer. It does not connect until Start is
// called.
func NewConsumer(cfg *ClientConfig, logger zerolog.Logger) (*Consumer, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{DefaultTopic}
	}
	return &Consumer{
		logger:     logger.With().Str("component", "MqttConsumer").Logger(),
		outputChan: make(chan pipeline.Message, 1000),
		doneChan:   make(chan struct{}),
		cfg:        cfg,
	}, nil
}

// Messages returns the read-only channel of received messages.
func (c *Consumer) Messages() <-chan pipeline.Message {
	return c.outputChan
}

// Start launches the connection logic and begins consuming messages. The
// Paho client keeps retrying in the background if the broker is not
// reachable at startup.
func (c *Consumer) Start(ctx context.Context) error {
	opts := c.createMqttOptions()
	opts.SetDefaultPublishHandler(c.handleIncomingMessage(ctx))
	c.pahoClient = mqtt.NewClient(opts)

	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Attempting to connect to MQTT broker...")
	if token := c.pahoClient.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("Failed to connect to MQTT broker on startup. The Paho client will continue to retry in the background.")
	} else if token.Error() == nil {
		c.logger.Info().Msg("Initial connection to MQTT broker successful.")
	}

	go func() {
		<-ctx.Done()
		c.logger.Info().Msg("Shutdown signal received, ensuring consumer is stopped.")
		_ = c.Stop(context.Background())
	}()

	return nil
}

// Stop gracefully ceases message consumption.
func (c *Consumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MQTT consumer...")
		if c.pahoClient != nil && c.pahoClient.IsConnected() {
			for _, topic := range c.cfg.Topics {
				if token := c.pahoClient.Unsubscribe(topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
					c.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to unsubscribe from MQTT topic.")
				}
			}
			c.pahoClient.Disconnect(500) // 500ms grace period
			c.logger.Info().Msg("Paho MQTT client disconnected.")
		}
		close(c.outputChan)
		close(c.doneChan)
		c.logger.Info().Msg("MQTT consumer stopped.")
	})
	return nil
}

// Done returns a channel that is closed when the consumer has fully stopped.
func (c *Consumer) Done() <-chan struct{} {
	return c.doneChan
}

// MessageHandlerForTest returns the internal message handler for unit tests.
func (c *Consumer) MessageHandlerForTest(ctx context.Context) mqtt.MessageHandler {
	return c.handleIncomingMessage(ctx)
}

// handleIncomingMessage converts Paho messages to the pipeline format.
// With QoS > 0 the ack is handled at the protocol level by the Paho client,
// so nothing further is needed once the message is on the channel.
func (c *Consumer) handleIncomingMessage(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		c.logger.Debug().Str("topic", msg.Topic()).Msg("Received MQTT message")
		payloadCopy := make([]byte, len(msg.Payload()))
		copy(payloadCopy, msg.Payload())

		consumed := pipeline.Message{
			ID:         fmt.Sprintf("%d", msg.MessageID()),
			Topic:      msg.Topic(),
			Payload:    payloadCopy,
			ReceivedAt: time.Now().UTC(),
		}
		select {
		case c.outputChan <- consumed:
		case <-ctx.Done():
			c.logger.Warn().Str("topic", msg.Topic()).Msg("Consumer is shutting down, dropping MQTT message.")
		}
	}
}

// createMqttOptions assembles the Paho client options from the config.
func (c *Consumer) createMqttOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.cfg.ClientIDPrefix + uuid.NewString()[:8])
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")
		filters := make(map[string]byte, len(c.cfg.Topics))
		for _, topic := range c.cfg.Topics {
			filters[topic] = 1 // QoS 1
		}
		token := client.SubscribeMultiple(filters, nil)
		go func() {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				c.logger.Error().Err(token.Error()).Strs("topics", c.cfg.Topics).Msg("Failed to subscribe to MQTT topics.")
			} else {
				c.logger.Info().Strs("topics", c.cfg.Topics).Msg("Successfully subscribed to MQTT topics.")
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	})

	if strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "tls://") || strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "ssl://") {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
			c.logger.Info().Msg("TLS configured for MQTT client.")
		}
	}
	return opts
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
