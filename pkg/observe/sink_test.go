package observe

import (
	"bytes"
	"testing"
	"time"

	"stockrelay/pkg/provider/core"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(outcome Outcome, kind core.ErrorKind) Event {
	return Event{
		Time:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		RequestID:  "req-1",
		Provider:   "tushare",
		Kind:       core.KindDataSource,
		DurationMs: 120,
		Outcome:    outcome,
		ErrorKind:  kind,
	}
}

func TestMultiSink(t *testing.T) {
	a := NewRecorder(0)
	b := NewRecorder(0)
	sink := MultiSink{a, nil, b}

	sink.Emit(sampleEvent(OutcomeSuccess, core.ErrorNone))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestRecorder_Limit(t *testing.T) {
	r := NewRecorder(2)
	for i := 0; i < 5; i++ {
		e := sampleEvent(OutcomeSuccess, core.ErrorNone)
		e.DurationMs = int64(i)
		r.Emit(e)
	}

	events := r.Events()
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].DurationMs)
	assert.Equal(t, int64(4), events[1].DurationMs)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	sink := NewLogSink(logrus.NewEntry(logger))

	sink.Emit(sampleEvent(OutcomeSuccess, core.ErrorNone))
	assert.Empty(t, buf.String(), "成功事件只在 Debug 级别输出")

	sink.Emit(sampleEvent(OutcomeFailure, core.ErrorTransient))
	assert.Contains(t, buf.String(), `"error_kind":"transient_error"`)
	assert.Contains(t, buf.String(), `"provider":"tushare"`)
}

type fakePointWriter struct {
	points []*write.Point
}

func (f *fakePointWriter) WritePoint(p *write.Point) {
	f.points = append(f.points, p)
}

func TestInfluxSink_Emit(t *testing.T) {
	w := &fakePointWriter{}
	sink := newInfluxSink(w, "", logrus.NewEntry(logrus.New()))

	sink.Emit(sampleEvent(OutcomeQuotaDenied, core.ErrorQuota))

	require.Len(t, w.points, 1)
	p := w.points[0]
	assert.Equal(t, "provider_attempt", p.Name())

	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "tushare", tags["provider"])
	assert.Equal(t, "quota_denied", tags["outcome"])
	assert.Equal(t, "quota_error", tags["error_kind"])
	assert.NoError(t, sink.Close())
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	sink.Emit(sampleEvent(OutcomeFailure, core.ErrorTransient))
	sink.Emit(sampleEvent(OutcomeFailure, core.ErrorTransient))
	sink.Emit(sampleEvent(OutcomeSkipped, core.ErrorNone))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.attempts.WithLabelValues("tushare", "data-source", "failure", "transient_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("tushare", "data-source", "skipped", "none")))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.duration))

	// 重复注册应报错
	_, err = NewPrometheusSink(reg)
	assert.Error(t, err)
}
