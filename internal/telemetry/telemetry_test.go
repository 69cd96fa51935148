package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSinkWritesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewLogSink(logger)

	sink.Record(context.Background(), Event{
		Name:      EventLogGCFailure,
		Component: "txlog",
		Level:     slog.LevelWarn,
		Message:   "log gc failed",
		Attrs:     []slog.Attr{slog.Uint64("version", 7)},
	})

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg="log gc failed"`)
	assert.Contains(t, out, "event=LogGCFailure")
	assert.Contains(t, out, "component=txlog")
	assert.Contains(t, out, "version=7")
}

func TestLogSinkDefaultsMessageToName(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))
	sink.Record(context.Background(), Event{Name: EventSweepCompleted})
	assert.Contains(t, buf.String(), "msg=SweepCompleted")
}

func TestMetricsSinkCounts(t *testing.T) {
	m, err := NewMetricsSink(MetricsConfig{Enabled: true, Namespace: "reaqtor"})
	require.NoError(t, err)

	ctx := context.Background()
	m.Record(ctx, Event{Name: EventCheckpointCompleted, Component: "checkpoint", Duration: 20 * time.Millisecond})
	m.Record(ctx, Event{Name: EventCheckpointCompleted, Component: "checkpoint"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("checkpoint", EventCheckpointCompleted)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestMetricsSinkDisabled(t *testing.T) {
	m, err := NewMetricsSink(MetricsConfig{})
	require.NoError(t, err)
	assert.Nil(t, m.Registry())
	m.Record(context.Background(), Event{Name: "x"})
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi{a, nil, b}
	sink.Record(context.Background(), Event{Name: EventCanaryMissing})
	sink.Record(context.Background(), Event{Name: EventSweepCompleted})

	assert.Equal(t, 1, a.Count(EventCanaryMissing))
	assert.Len(t, b.Events(), 2)

	a.Reset()
	assert.Empty(t, a.Events())
}

func TestEventAttr(t *testing.T) {
	ev := Event{Attrs: []slog.Attr{slog.Int("failed", 1)}}
	v, ok := ev.Attr("failed")
	require.True(t, ok)
	assert.Equal(t, int64(1), v.Int64())

	_, ok = ev.Attr("missing")
	assert.False(t, ok)
}

func TestSpanHelpers(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", "op")
	require.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
	assert.IsType(t, Nop{}, OrNop(nil))
}
