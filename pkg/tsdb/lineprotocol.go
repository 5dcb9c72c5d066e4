package tsdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-tsbridge/pkg/metrics"
)

// LineProtocolConfig holds the settings for a line-protocol write endpoint
// such as VictoriaMetrics' /write.
type LineProtocolConfig struct {
	// URL is the full write endpoint, e.g. "http://victoria:8428/write".
	URL string
	// Timeout bounds one HTTP exchange. Defaults to 30 seconds.
	Timeout time.Duration
}

// LineProtocolSink delivers record batches as Influx line protocol with
// second precision.
type LineProtocolSink struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewLineProtocolSink creates a sink for the configured write endpoint.
func NewLineProtocolSink(cfg LineProtocolConfig, logger zerolog.Logger) (*LineProtocolSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("line protocol URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LineProtocolSink{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "LineProtocolSink").Logger(),
	}, nil
}

// Send posts the batch as newline-separated protocol lines.
func (s *LineProtocolSink) Send(ctx context.Context, records []metrics.Record) error {
	if len(records) == 0 {
		return nil
	}

	var body bytes.Buffer
	for _, record := range records {
		writeLine(&body, record)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"?precision=s", &body)
	if err != nil {
		return fmt.Errorf("building write request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", s.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("write endpoint returned %d: %s", resp.StatusCode, string(detail))
	}

	s.logger.Debug().Int("records", len(records)).Msg("Batch accepted.")
	return nil
}

// writeLine renders one record as `name,tag=value value=<v> <ts>`. Tags are
// sorted so output is deterministic.
func writeLine(w *bytes.Buffer, record metrics.Record) {
	w.WriteString(escapeIdent(record.Name))

	keys := make([]string, 0, len(record.Tags))
	for k := range record.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.WriteByte(',')
		w.WriteString(escapeIdent(k))
		w.WriteByte('=')
		w.WriteString(escapeIdent(record.Tags[k]))
	}

	w.WriteString(" value=")
	w.WriteString(strconv.FormatFloat(record.Value, 'f', -1, 64))
	w.WriteByte(' ')
	w.WriteString(strconv.FormatInt(record.Timestamp, 10))
	w.WriteByte('\n')
}

// escapeIdent escapes the characters that delimit measurement names, tag
// keys and tag values in line protocol.
func escapeIdent(s string) string {
	if !strings.ContainsAny(s, ", =") {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ',', ' ', '=':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
