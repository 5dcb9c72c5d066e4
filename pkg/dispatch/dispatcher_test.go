package dispatch_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-tsbridge/pkg/dispatch"
	"github.com/illmade-knight/go-tsbridge/pkg/metrics"
)

// mockSink records every batch it receives and can be told to fail the
// first N calls.
type mockSink struct {
	mu        sync.Mutex
	batches   [][]metrics.Record
	failFirst int
	calls     int
}

func (s *mockSink) Send(_ context.Context, records []metrics.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return errors.New("sink unavailable")
	}
	batch := make([]metrics.Record, len(records))
	copy(batch, records)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *mockSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *mockSink) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, b := range s.batches {
		total += len(b)
	}
	return total
}

func (s *mockSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testRecord(i int) metrics.Record {
	return metrics.Record{
		Name:      "mqtt__temperature",
		Value:     float64(i),
		Timestamp: 1700000000,
		Tags:      map[string]string{"seq": strconv.Itoa(i)},
	}
}

func TestDispatcher_FlushesOnBatchSize(t *testing.T) {
	// Arrange
	sink := &mockSink{}
	d, err := dispatch.NewDispatcher(dispatch.Config{
		MaxSendMessages: 5,
		MaxTime:         time.Minute, // only the count trigger should fire
	}, sink, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	// Act
	for i := 0; i < 5; i++ {
		d.Add(testRecord(i))
	}

	// Assert
	require.Eventually(t, func() bool {
		return sink.batchCount() == 1
	}, time.Second, 10*time.Millisecond, "batch should flush once the size threshold is reached")
	assert.Equal(t, 5, sink.totalRecords())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, d.Stop(stopCtx))
}

func TestDispatcher_FlushesOnInterval(t *testing.T) {
	// Arrange
	sink := &mockSink{}
	d, err := dispatch.NewDispatcher(dispatch.Config{
		MaxSendMessages: 100, // never reached
		MaxTime:         50 * time.Millisecond,
	}, sink, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	// Act
	d.Add(testRecord(1))
	d.Add(testRecord(2))

	// Assert
	require.Eventually(t, func() bool {
		return sink.totalRecords() == 2
	}, time.Second, 10*time.Millisecond, "partial batch should flush on the interval")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, d.Stop(stopCtx))
}

func TestDispatcher_StopFlushesRemainder(t *testing.T) {
	// Arrange
	sink := &mockSink{}
	d, err := dispatch.NewDispatcher(dispatch.Config{
		MaxSendMessages: 100,
		MaxTime:         time.Minute,
	}, sink, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	for i := 0; i < 3; i++ {
		d.Add(testRecord(i))
	}

	// Act
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, d.Stop(stopCtx))

	// Assert
	assert.Equal(t, 3, sink.totalRecords(), "Stop should flush the partial batch")
}

func TestDispatcher_RetainsBatchOnFailure(t *testing.T) {
	// Arrange: a sink that fails more times than one flush's attempt budget,
	// so the batch has to survive into the next trigger.
	sink := &mockSink{failFirst: 2}
	d, err := dispatch.NewDispatcher(dispatch.Config{
		MaxSendMessages: 2,
		MaxTime:         time.Minute,
		MaxAttempts:     1,
		RetryBackoff:    time.Millisecond,
	}, sink, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	// Act: the first two records trigger a failing flush; the batch must be
	// kept intact and delivered together with the later records.
	d.Add(testRecord(1))
	d.Add(testRecord(2))

	require.Eventually(t, func() bool {
		return sink.callCount() >= 1
	}, time.Second, 10*time.Millisecond)

	d.Add(testRecord(3))
	d.Add(testRecord(4))

	// Assert: a successful flush eventually carries all four records.
	require.Eventually(t, func() bool {
		return sink.totalRecords() == 4
	}, 2*time.Second, 10*time.Millisecond, "retained records should be redelivered")
	assert.Equal(t, 1, sink.batchCount(), "the retained batch should be flushed as one unit")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, d.Stop(stopCtx))
}

func TestDispatcher_RetriesWithinOneFlush(t *testing.T) {
	// Arrange
	sink := &mockSink{failFirst: 2}
	d, err := dispatch.NewDispatcher(dispatch.Config{
		MaxSendMessages: 2,
		MaxTime:         time.Minute,
		MaxAttempts:     3,
		RetryBackoff:    time.Millisecond,
	}, sink, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	// Act
	d.Add(testRecord(1))
	d.Add(testRecord(2))

	// Assert: the third attempt of the same flush succeeds.
	require.Eventually(t, func() bool {
		return sink.totalRecords() == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, sink.callCount())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, d.Stop(stopCtx))
}

func TestDispatcher_ContextCancelDrainsBuffer(t *testing.T) {
	// Arrange
	sink := &mockSink{}
	d, err := dispatch.NewDispatcher(dispatch.Config{
		MaxSendMessages: 100,
		MaxTime:         time.Minute,
	}, sink, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	for i := 0; i < 4; i++ {
		d.Add(testRecord(i))
	}

	// Act: cancel instead of Stop; buffered records must still go out.
	cancel()

	// Assert
	require.Eventually(t, func() bool {
		return sink.totalRecords() == 4
	}, 2*time.Second, 10*time.Millisecond, "cancellation should drain and flush the buffer")
}

func TestDispatcher_NilSinkRejected(t *testing.T) {
	_, err := dispatch.NewDispatcher(dispatch.Config{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
