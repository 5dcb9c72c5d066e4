// tsbridge subscribes to an MQTT topic tree, derives time-series records
// from each telemetry message and batches them to an OpenTSDB-compatible or
// VictoriaMetrics backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-tsbridge/pkg/config"
	"github.com/illmade-knight/go-tsbridge/pkg/dispatch"
	"github.com/illmade-knight/go-tsbridge/pkg/metrics"
	"github.com/illmade-knight/go-tsbridge/pkg/mqttsource"
	"github.com/illmade-knight/go-tsbridge/pkg/pipeline"
	"github.com/illmade-knight/go-tsbridge/pkg/service"
	"github.com/illmade-knight/go-tsbridge/pkg/tsdb"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Str("log_level", cfg.LogLevel).Msg("Invalid log level")
	}
	logger = logger.Level(level)

	overrides := metrics.NewOverrideConfig(nil)
	if cfg.OverridePath != "" {
		overrides, err = metrics.LoadOverrides(cfg.OverridePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load override configuration")
		}
	}

	builder := metrics.NewBuilder(metrics.BuilderConfig{
		MetricPrefix: cfg.MetricPrefix,
		MaxStrLen:    cfg.MaxStrLen,
		TagsExclude:  cfg.TagsExcludeList(),
		StaticTags:   cfg.StaticTags,
		AddHostTag:   cfg.AddHostTag,
	}, overrides)

	var sink dispatch.Sink
	if cfg.TSDB.VictoriaMetrics {
		url := cfg.TSDB.URI
		if url == "" {
			url = "http://" + cfg.TSDB.Host + ":8428/write"
		}
		sink, err = tsdb.NewLineProtocolSink(tsdb.LineProtocolConfig{URL: url}, logger)
	} else {
		sink, err = tsdb.NewOpenTSDBSink(tsdb.OpenTSDBConfig{
			Host: cfg.TSDB.Host,
			Port: cfg.TSDB.Port,
			URI:  cfg.TSDB.URI,
		}, logger)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create TSDB sink")
	}

	registry := prometheus.NewRegistry()

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		MaxSendMessages: cfg.MaxSendMessages,
		MaxTime:         cfg.MaxTime(),
	}, sink, dispatch.NewObservations(registry), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create dispatcher")
	}

	mqttCfg := mqttsource.LoadClientConfigWithEnv()
	mqttCfg.BrokerURL = cfg.MQTT.BrokerURL()
	mqttCfg.Topics = mqttsource.SplitTopics(cfg.MQTT.Topic)
	mqttCfg.Username = cfg.MQTT.Username
	mqttCfg.Password = cfg.MQTT.Password
	mqttCfg.CACertFile = cfg.MQTT.RootCA
	mqttCfg.ClientCertFile = cfg.MQTT.ClientCert
	mqttCfg.ClientKeyFile = cfg.MQTT.ClientKey
	if cfg.MQTT.InsecureVerify {
		mqttCfg.InsecureSkipVerify = true
	}
	if cfg.MQTT.ClientID != "" {
		mqttCfg.ClientIDPrefix = cfg.MQTT.ClientID + "-"
	}

	consumer, err := mqttsource.NewConsumer(mqttCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create MQTT consumer")
	}

	svc, err := pipeline.NewService(
		pipeline.ServiceConfig{},
		consumer,
		builder,
		dispatcher,
		pipeline.NewObservations(registry),
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create pipeline service")
	}

	server := service.NewServer(logger, cfg.HTTPPort, registry)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start HTTP server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Start(ctx)
	if err := svc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start pipeline")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()

	if err := svc.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("Pipeline did not stop cleanly")
	}
	if err := dispatcher.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("Dispatcher did not stop cleanly")
	}
	if err := server.Shutdown(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not stop cleanly")
	}
	cancel()
	logger.Info().Msg("Bridge stopped.")
}
