package observability

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingLogger) Debug(msg string, _ ...Field) { r.add(msg) }
func (r *recordingLogger) Info(msg string, _ ...Field)  { r.add(msg) }
func (r *recordingLogger) Error(msg string, _ ...Field) { r.add(msg) }

func (r *recordingLogger) add(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, msg)
}

func TestDeadLetterQueueDropsOldest(t *testing.T) {
	q := NewDeadLetterQueue(2)
	payload := []byte("a")
	q.Offer(DroppedFrame{Reason: "first", Payload: payload})
	payload[0] = 'z'
	q.Offer(DroppedFrame{Reason: "second"})
	q.Offer(DroppedFrame{Reason: "third"})

	require.Equal(t, 2, q.Len())
	drained := q.Drain()
	require.Equal(t, "second", drained[0].Reason)
	require.Equal(t, "third", drained[1].Reason)
	require.Equal(t, 0, q.Len())
}

func TestDeadLetterQueueCopiesPayload(t *testing.T) {
	q := NewDeadLetterQueue(0)
	payload := []byte("frame")
	q.Offer(DroppedFrame{Payload: payload})
	payload[0] = 'X'
	require.Equal(t, []byte("frame"), q.Drain()[0].Payload)
}

func TestStepFailuresNamesFailedSteps(t *testing.T) {
	rec := &recordingLogger{}
	SetLogger(rec)
	t.Cleanup(func() { SetLogger(nil) })

	failures := StepFailures{Operation: "shutdown"}
	require.False(t, failures.Record("closing push channels", nil))
	require.NoError(t, failures.Err())
	require.Empty(t, rec.entries)

	poolErr := errors.New("pool busy")
	require.True(t, failures.Record("closing database pool", poolErr))
	require.True(t, failures.Record("closing identity store", errors.New("redis gone")))
	require.Equal(t, []string{"closing database pool", "closing identity store"}, failures.Steps())

	err := failures.Err()
	require.ErrorIs(t, err, poolErr)
	require.Contains(t, err.Error(), "shutdown: 2 step(s) failed [closing database pool, closing identity store]")
	var step StepFailure
	require.ErrorAs(t, err, &step)
	require.Equal(t, "closing database pool", step.Step)
	require.Equal(t, []string{"shutdown steps failed"}, rec.entries)
}

func TestStdLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Debug("hidden")
	logger.Info("connected", Field{Key: "role", Value: "vendor"}, Field{Key: " ", Value: 1})

	require.Equal(t, "INFO connected role=vendor\n", buf.String())
}
