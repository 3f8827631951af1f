package observability

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kotae/common/trace"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewHandler_JSONHonoursLevelVar(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger := slog.New(NewHandler(&buf, "json", lvl))

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	lvl.Set(slog.LevelDebug)
	logger.Debug("kept", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(NewHandler(&buf, "text", slog.LevelInfo)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	WithTrace(context.Background()).Info("no trace")
	assert.NotContains(t, buf.String(), "trace_id")

	ctx := trace.WithTraceID(context.Background(), "t_abc")
	WithTrace(ctx).Info("with trace")
	assert.Contains(t, buf.String(), "trace_id=t_abc")
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.Event(OutcomeReplied)
	m.Event(OutcomeReplied)
	m.Event(OutcomeFiltered)
	m.Attempt("ok", 300*time.Millisecond)
	m.Reply("fallback")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues(OutcomeReplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues(OutcomeFiltered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamAttempts.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesTotal.WithLabelValues("fallback")))

	n, err := testutil.GatherAndCount(m.Registry, "kotae_upstream_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Event(OutcomeFailed)
		m.Attempt("error", time.Second)
		m.Reply("generated")
	})
}

func TestMetrics_HandlerExposesFamilies(t *testing.T) {
	m := NewMetrics()
	m.Event(OutcomeNotAdmitted)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `kotae_events_total{outcome="not_admitted"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
