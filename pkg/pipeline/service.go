package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-tsbridge/pkg/metrics"
)

// RecordSink receives finished records for batching and delivery. It is
// implemented by dispatch.Dispatcher.
type RecordSink interface {
	Add(record metrics.Record)
}

// ServiceConfig holds the configuration for a pipeline Service.
type ServiceConfig struct {
	NumWorkers int
}

// Observations are the pipeline's self-metrics.
type Observations struct {
	messagesReceived prometheus.Counter
	recordsBuilt     prometheus.Counter
}

// NewObservations registers the pipeline counters with the given registerer.
func NewObservations(reg prometheus.Registerer) *Observations {
	factory := promauto.With(reg)
	return &Observations{
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsbridge_messages_received_total",
			Help: "Total number of telemetry messages taken from the source.",
		}),
		recordsBuilt: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsbridge_records_built_total",
			Help: "Total number of metric records produced by the engine.",
		}),
	}
}

// Service runs a pool of workers that decode inbound messages through the
// metric engine and hand the resulting records to the sink.
type Service struct {
	numWorkers int
	consumer   Consumer
	builder    *metrics.Builder
	sink       RecordSink
	obs        *Observations
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewService creates a pipeline Service.
func NewService(
	cfg ServiceConfig,
	consumer Consumer,
	builder *metrics.Builder,
	sink RecordSink,
	obs *Observations,
	logger zerolog.Logger,
) (*Service, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if builder == nil {
		return nil, fmt.Errorf("builder cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	return &Service{
		numWorkers: cfg.NumWorkers,
		consumer:   consumer,
		builder:    builder,
		sink:       sink,
		obs:        obs,
		logger:     logger.With().Str("service", "Pipeline").Logger(),
	}, nil
}

// Start begins the service operation: it starts the consumer and spawns the
// worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting pipeline service...")

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	s.logger.Info().Int("worker_count", s.numWorkers).Msg("Starting pipeline workers...")
	s.wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(ctx, i)
	}

	s.logger.Info().Msg("Pipeline service started.")
	return nil
}

// Stop shuts the service down in order: consumer first, so no new messages
// arrive, then the workers drain what is left on the channel.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping pipeline service...")

	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	workersDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		s.logger.Info().Msg("All pipeline workers completed gracefully.")
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for pipeline workers to finish.")
		return ctx.Err()
	}

	s.logger.Info().Msg("Pipeline service stopped.")
	return nil
}

func (s *Service) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Pipeline worker started.")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Debug().Int("worker_id", workerID).Msg("Consumer channel closed, worker exiting.")
				return
			}
			s.process(msg)
		}
	}
}

// process runs one message through the engine. The engine never fails; any
// payload shape degrades to an info point rather than halting the batch.
func (s *Service) process(msg Message) {
	if s.obs != nil {
		s.obs.messagesReceived.Inc()
	}
	records := s.builder.Build(msg.Topic, msg.Payload, msg.ReceivedAt)
	for _, record := range records {
		s.sink.Add(record)
	}
	if s.obs != nil {
		s.obs.recordsBuilt.Add(float64(len(records)))
	}
	s.logger.Debug().
		Str("msg_id", msg.ID).
		Str("topic", msg.Topic).
		Int("records", len(records)).
		Msg("Message processed.")
}
