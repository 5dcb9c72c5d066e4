// Package tsdb contains the outbound sinks: the OpenTSDB JSON put endpoint
// and the Influx-style line protocol used by VictoriaMetrics. Sinks only
// serialize and deliver; batching and retry live in the dispatcher.
package tsdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-tsbridge/pkg/metrics"
)

// OpenTSDBConfig holds the connection settings for an OpenTSDB-compatible
// HTTP endpoint.
type OpenTSDBConfig struct {
	// Host and Port locate the server when URI is not given.
	Host string
	Port int
	// URI overrides the assembled endpoint completely, e.g.
	// "https://tsdb.example.com/api/put".
	URI string
	// Timeout bounds one HTTP exchange. Defaults to 30 seconds.
	Timeout time.Duration
}

// OpenTSDBSink delivers record batches as a JSON array of put objects to
// the /api/put endpoint.
type OpenTSDBSink struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewOpenTSDBSink creates a sink for the configured endpoint.
func NewOpenTSDBSink(cfg OpenTSDBConfig, logger zerolog.Logger) (*OpenTSDBSink, error) {
	endpoint := cfg.URI
	if endpoint == "" {
		if cfg.Host == "" {
			return nil, fmt.Errorf("OpenTSDB host is required")
		}
		port := cfg.Port
		if port == 0 {
			port = 4242
		}
		endpoint = fmt.Sprintf("http://%s:%d/api/put", cfg.Host, port)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenTSDBSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "OpenTSDBSink").Logger(),
	}, nil
}

// Send posts the batch as one JSON array. Any non-2xx response is an error;
// the dispatcher decides whether to retry.
func (s *OpenTSDBSink) Send(ctx context.Context, records []metrics.Record) error {
	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding put batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", s.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opentsdb returned %d: %s", resp.StatusCode, string(detail))
	}

	s.logger.Debug().Int("records", len(records)).Msg("Batch accepted.")
	return nil
}
