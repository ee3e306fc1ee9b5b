package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "otlp needs endpoint", mutate: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, wantErr: "requires an endpoint"},
		{name: "bad event log level", mutate: func(c *Config) { c.Events.LogLevel = "debug" }, wantErr: "invalid event log level"},
		{name: "event logging off", mutate: func(c *Config) { c.Events.LogLevel = "" }},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad exporter", mutate: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, wantErr: "invalid trace exporter"},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "no service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("syncer").WithCycleID("c-1").WithModule("some-root").Info("loaded")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "syncer", entry["component"])
	assert.Equal(t, "c-1", entry["cycle_id"])
	assert.Equal(t, "some-root", entry["module"])
	assert.Equal(t, "loaded", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordCycleStarted()
	m.RecordCycleCompleted("succeeded", time.Second)
	m.RecordModuleLoad(true, time.Millisecond)
	m.RecordModuleLoad(false, time.Millisecond)
	m.RecordModuleError("integrity")
	m.SetRegistry(3, 7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cyclesTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.cycleInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.moduleLoads.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.moduleErrors.WithLabelValues("integrity")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.registryGeneration))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "modsync_registry_modules 3"))
}

func TestDisabledMetricsAreSafe(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordCycleStarted()
	nilMetrics.RecordHTTPRequest("/status", 200, time.Millisecond)

	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	m.RecordPolicyUpdate()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventPublisherAsync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	}, func(e Event) bool { return e.CycleID == "c-1" })

	require.NoError(t, ep.PublishSyncStarted("c-1", "file:///map.json"))
	require.NoError(t, ep.PublishModuleLoaded("c-2", "other"))
	require.NoError(t, ep.PublishSyncCompleted("c-1", "succeeded", 1, time.Millisecond))

	require.NoError(t, ep.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventTypeSyncStarted, EventTypeSyncCompleted}, got)

	assert.Error(t, ep.Publish(Event{Type: "late"}))
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	require.NoError(t, err)
	ep.Subscribe(LogSubscriber(logger), FilterByLevel(EventLevelWarning))

	require.NoError(t, ep.PublishModuleLoaded("c-1", "some-root"))
	require.NoError(t, ep.PublishModuleDenied("c-1", "insecure", []string{"plain http artifact"}))
	require.NoError(t, ep.PublishModuleFailed("c-1", "broken", "integrity", "integrity mismatch"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, "info events are filtered out")

	var denied map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &denied))
	assert.Equal(t, "warn", denied["level"])
	assert.Equal(t, EventTypeModuleDenied, denied["event_type"])
	assert.Equal(t, "insecure", denied["module"])
	assert.Equal(t, "c-1", denied["cycle_id"])

	var failed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &failed))
	assert.Equal(t, "error", failed["level"])
	assert.Equal(t, "broken", failed["module"])
}

func TestNilPublisherDropsEvents(t *testing.T) {
	var ep *EventPublisher
	assert.NoError(t, ep.PublishSyncFailed("c", "boom"))
	assert.NoError(t, ep.Shutdown(context.Background()))
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	ic := StartOperation(context.Background(), "noop")
	assert.Nil(t, ic.Span)
	ic.End(nil)

	tel := Nop()
	ic = StartOperation(tel.WithContext(context.Background()), "traced")
	require.NotNil(t, ic.Span)
	ic.End(assert.AnError)
}
