// Package dispatch accumulates metric records and flushes them to a sink
// when a count threshold or a time interval is reached, whichever comes
// first. A failed flush keeps the batch and retries it as a unit.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-tsbridge/pkg/metrics"
)

// Sink delivers one batch of records to the backend. Implementations handle
// serialization only; retry policy belongs to the Dispatcher.
type Sink interface {
	Send(ctx context.Context, records []metrics.Record) error
}

// Config holds the accumulation and retry policy.
type Config struct {
	// MaxSendMessages flushes the batch as soon as it holds this many
	// records. Defaults to 100.
	MaxSendMessages int
	// MaxTime flushes whatever has accumulated when it elapses. Defaults
	// to 5 seconds.
	MaxTime time.Duration
	// SendTimeout bounds a single sink call. Defaults to 30 seconds.
	SendTimeout time.Duration
	// MaxAttempts bounds how often one flush retries the sink before the
	// batch is parked until the next trigger. Defaults to 3.
	MaxAttempts int
	// RetryBackoff is the wait between attempts within one flush. Defaults
	// to 1 second.
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSendMessages <= 0 {
		c.MaxSendMessages = 100
	}
	if c.MaxTime <= 0 {
		c.MaxTime = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
}

// Observations are the dispatcher's self-metrics.
type Observations struct {
	recordsDispatched prometheus.Counter
	flushFailures     prometheus.Counter
	flushes           prometheus.Counter
}

// NewObservations registers the dispatcher counters with the registerer.
func NewObservations(reg prometheus.Registerer) *Observations {
	factory := promauto.With(reg)
	return &Observations{
		recordsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsbridge_records_dispatched_total",
			Help: "Total number of metric records delivered to the sink.",
		}),
		flushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsbridge_flush_failures_total",
			Help: "Total number of failed sink calls.",
		}),
		flushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsbridge_flushes_total",
			Help: "Total number of successful batch flushes.",
		}),
	}
}

// Dispatcher owns the shared batch and its timer. Records enter through a
// buffered channel so the decode pipeline is never blocked by an in-flight
// flush; a single worker goroutine serializes batch access.
type Dispatcher struct {
	cfg       Config
	sink      Sink
	obs       *Observations
	logger    zerolog.Logger
	inputChan chan metrics.Record
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewDispatcher creates a Dispatcher for the given sink.
func NewDispatcher(cfg Config, sink Sink, obs *Observations, logger zerolog.Logger) (*Dispatcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:       cfg,
		sink:      sink,
		obs:       obs,
		logger:    logger.With().Str("component", "Dispatcher").Logger(),
		inputChan: make(chan metrics.Record, cfg.MaxSendMessages*2),
	}, nil
}

// Add submits one record for batching. Safe for concurrent use.
func (d *Dispatcher) Add(record metrics.Record) {
	d.inputChan <- record
}

// Start launches the batching worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info().
		Int("max_send_messages", d.cfg.MaxSendMessages).
		Dur("max_time", d.cfg.MaxTime).
		Msg("Starting dispatcher worker...")
	d.wg.Add(1)
	go d.worker(ctx)
}

// Stop closes the input and waits for the worker to flush what remains,
// respecting the context deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.logger.Info().Msg("Stopping dispatcher...")
	d.stopOnce.Do(func() {
		close(d.inputChan)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("Dispatcher stopped gracefully.")
		return nil
	case <-ctx.Done():
		d.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for dispatcher worker to stop.")
		return ctx.Err()
	}
}

// worker is the only goroutine touching the batch. A flush hands the whole
// accumulated slice to the sink; on failure the batch is kept and retried as
// a unit on the next trigger, never partially drained.
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	batch := make([]metrics.Record, 0, d.cfg.MaxSendMessages)
	ticker := time.NewTicker(d.cfg.MaxTime)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if d.deliver(ctx, batch) {
			batch = make([]metrics.Record, 0, d.cfg.MaxSendMessages)
		}
		ticker.Reset(d.cfg.MaxTime)
	}

	for {
		select {
		case <-ctx.Done():
			// Shutdown: best-effort final flush outside the cancelled context.
			d.drain(&batch)
			flushCtx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
			flush(flushCtx)
			cancel()
			return

		case record, ok := <-d.inputChan:
			if !ok {
				flushCtx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
				flush(flushCtx)
				cancel()
				return
			}
			batch = append(batch, record)
			if len(batch) >= d.cfg.MaxSendMessages {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

// deliver makes bounded attempts to hand the batch to the sink. It reports
// whether the batch was accepted.
func (d *Dispatcher) deliver(ctx context.Context, batch []metrics.Record) bool {
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.sink.Send(sendCtx, batch)
		cancel()

		if err == nil {
			if d.obs != nil {
				d.obs.flushes.Inc()
				d.obs.recordsDispatched.Add(float64(len(batch)))
			}
			d.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed batch.")
			return true
		}

		if d.obs != nil {
			d.obs.flushFailures.Inc()
		}
		d.logger.Error().Err(err).
			Int("batch_size", len(batch)).
			Int("attempt", attempt).
			Msg("Sink rejected batch.")

		if attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(d.cfg.RetryBackoff):
		case <-ctx.Done():
			return false
		}
	}
	d.logger.Warn().Int("batch_size", len(batch)).Msg("Batch retained for the next flush trigger.")
	return false
}

// drain moves any records still sitting in the input buffer into the batch
// so the final flush covers them.
func (d *Dispatcher) drain(batch *[]metrics.Record) {
	for {
		select {
		case record, ok := <-d.inputChan:
			if !ok {
				return
			}
			*batch = append(*batch, record)
		default:
			return
		}
	}
}
