package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("pulsed")
	c := r.Counter("things_total", "Things", nil)
	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())
	assert.Equal(t, "pulsed_things_total", c.Name())
	assert.Same(t, c, r.Counter("things_total", "Things", nil), "registration is idempotent")

	g := r.Gauge("depth", "Depth", nil)
	g.Set(10)
	g.Dec()
	g.Add(-4)
	assert.Equal(t, int64(5), g.Value())

	g.SetTime(time.Unix(1700000000, 0))
	assert.Equal(t, int64(1700000000), g.Value())
	g.SetTime(time.Time{})
	assert.Zero(t, g.Value())
}

func TestCounterConcurrent(t *testing.T) {
	c := NewRegistry("").Counter("n", "", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), c.Value())
}

func TestHistogramBuckets(t *testing.T) {
	h := NewRegistry("").Histogram("lat", "Latency", nil, []float64{1, 5, 10})
	for _, v := range []float64{0.5, 1, 3, 10, 11} {
		h.Observe(v)
	}
	assert.Equal(t, uint64(5), h.Count())
	assert.InDelta(t, 25.5, h.Sum(), 1e-9)
	assert.InDelta(t, 5.1, h.Mean(), 1e-9)

	var buf bytes.Buffer
	require.NoError(t, registryWith(h).WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, `lat_bucket{le="1"} 2`)
	assert.Contains(t, out, `lat_bucket{le="5"} 3`)
	assert.Contains(t, out, `lat_bucket{le="10"} 4`)
	assert.Contains(t, out, `lat_bucket{le="+Inf"} 5`)
	assert.Contains(t, out, "lat_count 5")
}

// registryWith builds a registry holding one histogram.
func registryWith(h *Histogram) *Registry {
	r := NewRegistry("")
	r.histograms[h.name] = h
	return r
}

func TestWritePrometheusSortedAndLabeled(t *testing.T) {
	r := NewRegistry("pulsed")
	r.Counter("b_total", "B", nil).Inc()
	r.Counter("a_total", "A", Labels{"kind": "x"}).Add(2)
	r.Counter("a_total", "A", Labels{"kind": "y"}).Add(3)
	r.Histogram("d_seconds", "D", Labels{"op": "send"}, []float64{1}).Observe(0.5)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Equal(t, 1, strings.Count(out, "# TYPE pulsed_a_total counter"), "one header per family")
	assert.Less(t, strings.Index(out, "pulsed_a_total"), strings.Index(out, "pulsed_b_total"))
	assert.Contains(t, out, `pulsed_a_total{kind="x"} 2`)
	assert.Contains(t, out, `pulsed_a_total{kind="y"} 3`)
	assert.Contains(t, out, `pulsed_d_seconds_bucket{op="send",le="1"} 1`)
	assert.Contains(t, out, `pulsed_d_seconds_sum{op="send"} 0.5`)
}

func TestHandlerContentNegotiation(t *testing.T) {
	r := NewRegistry("pulsed")
	r.Gauge("queue_depth", "Depth", nil).Set(7)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "pulsed_queue_depth 7")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, float64(7), snap["pulsed_queue_depth"])
}

func TestAgentRecordDelivery(t *testing.T) {
	m := NewAgent(nil)
	at := time.Unix(1700000000, 0)

	m.RecordDelivery(12, 150*time.Millisecond, nil, at)
	m.RecordDelivery(5, time.Second, errors.New("503"), at.Add(time.Minute))

	assert.Equal(t, uint64(2), m.DeliveryAttempts.Value())
	assert.Equal(t, uint64(1), m.DeliveryFailures.Value())
	assert.Equal(t, uint64(12), m.SegmentsDelivered.Value())
	assert.Equal(t, int64(1700000000), m.LastDelivery.Value())
	assert.Equal(t, uint64(1), m.BatchSize.Count())
	assert.Equal(t, uint64(2), m.DeliveryDuration.Count())

	m.UpdateUptime()
	assert.GreaterOrEqual(t, m.UptimeSeconds.Value(), int64(0))
}
