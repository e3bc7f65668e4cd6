package metric

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/health"
)

func findFamily(t *testing.T, registry *MetricsRegistry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().RecordNATSStatus(true)
	assert.NotNil(t, findFamily(t, registry, "streamnet_nats_connected"))
	assert.NotNil(t, findFamily(t, registry, "go_goroutines"))
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_frames", Help: "frames"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_depth", Help: "depth"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "relay_latency", Help: "latency"})
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_events", Help: "events"}, []string{"event"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "relay_queue", Help: "queue"}, []string{"peer"})
	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "relay_sizes", Help: "sizes"}, []string{"peer"})

	require.NoError(t, registry.RegisterCounter("relay", "frames", counter))
	require.NoError(t, registry.RegisterGauge("relay", "depth", gauge))
	require.NoError(t, registry.RegisterHistogram("relay", "latency", histogram))
	require.NoError(t, registry.RegisterCounterVec("relay", "events", counterVec))
	require.NoError(t, registry.RegisterGaugeVec("relay", "queue", gaugeVec))
	require.NoError(t, registry.RegisterHistogramVec("relay", "sizes", histogramVec))

	counter.Add(3)
	counterVec.WithLabelValues("msg_sent").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(counter))
	assert.Equal(t, 1.0, testutil.ToFloat64(counterVec.WithLabelValues("msg_sent")))
	assert.NotNil(t, findFamily(t, registry, "relay_frames"))
	assert.NotNil(t, findFamily(t, registry, "relay_events"))
}

func TestMetricsRegistry_DuplicateIsInvalid(t *testing.T) {
	registry := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "first"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter_2", Help: "second"})
	c3 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "first"})

	require.NoError(t, registry.RegisterCounter("writer", "frames", c1))

	err := registry.RegisterCounter("writer", "frames", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = registry.RegisterCounter("reader", "frames", c3)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "temp_gauge", Help: "temp"})
	require.NoError(t, registry.RegisterGauge("loop", "temp", gauge))

	assert.True(t, registry.Unregister("loop", "temp"))
	assert.False(t, registry.Unregister("loop", "temp"))
	assert.Nil(t, findFamily(t, registry, "temp_gauge"))

	require.NoError(t, registry.RegisterGauge("loop", "temp", gauge))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_%d", i),
				Help: "concurrent",
			})
			errs <- registry.RegisterCounter(fmt.Sprintf("svc-%d", i), "c", c)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServer_MetricsAndHealth(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordHandlerStatus("relay-h1", "transfer_sender", 1)

	var unhealthy atomic.Bool
	srv := NewServer(0, "/metrics", registry, func() health.Status {
		if !unhealthy.Load() {
			return health.NewHealthy("loop", "running")
		}
		return health.NewUnhealthy("loop", "closed")
	})
	srv.port = freePort(t)

	require.NoError(t, srv.Start())
	defer srv.Stop(time.Second)

	assert.Error(t, srv.Start())

	resp, err := http.Get(srv.Address())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	status, ok := families["streamnet_handler_status"]
	require.True(t, ok)
	require.Len(t, status.GetMetric(), 1)
	assert.Equal(t, 1.0, status.GetMetric()[0].GetGauge().GetValue())

	healthURL := fmt.Sprintf("http://localhost:%d/health", srv.port)
	resp, err = http.Get(healthURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	unhealthy.Store(true)
	resp, err = http.Get(healthURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, srv.Stop(time.Second))
	require.NoError(t, srv.Stop(time.Second))
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	srv := NewServer(0, "", nil, nil)
	err := srv.Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
