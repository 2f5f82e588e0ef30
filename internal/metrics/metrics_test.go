package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsString(t *testing.T) {
	assert.Equal(t, "", Labels(nil).String())
	assert.Equal(t, `{a="1",b="x"}`, Labels{"b": "x", "a": "1"}.String())
	assert.Equal(t, `{le="+Inf"}`, Labels(nil).withLe("+Inf"))
	assert.Equal(t, `{a="1",le="0.5"}`, Labels{"a": "1"}.withLe("0.5"))
}

func TestRegistryReturnsSameMetric(t *testing.T) {
	r := NewRegistry("test")

	a := r.Counter("hits_total", "hits", Labels{"command": "show"})
	b := r.Counter("hits_total", "hits", Labels{"command": "show"})
	c := r.Counter("hits_total", "hits", Labels{"command": "hide"})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	a.Inc()
	b.Add(2)
	assert.Equal(t, uint64(3), a.Value())
	assert.Zero(t, c.Value())
}

func TestGauge(t *testing.T) {
	g := NewRegistry("").Gauge("connected", "", nil)

	g.SetBool(true)
	assert.Equal(t, int64(1), g.Value())
	g.Add(4)
	assert.Equal(t, int64(5), g.Value())
	g.SetBool(false)
	assert.Zero(t, g.Value())
}

func TestHistogramBuckets(t *testing.T) {
	h := NewRegistry("").Histogram("lat", "", nil, []float64{1, 0.1})

	h.Observe(0.05)
	h.Observe(0.1)
	h.Observe(0.5)
	h.Observe(3)

	assert.Equal(t, []float64{0.1, 1}, h.buckets)
	assert.Equal(t, uint64(4), h.Count())
	assert.InDelta(t, 3.65, h.Sum(), 1e-9)
	assert.Equal(t, []uint64{2, 3, 4}, h.cumulative())
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("imcontext")
	r.Counter("commands_sent_total", "Commands sent", Labels{"command": "show_panel"}).Add(2)
	r.Counter("commands_sent_total", "Commands sent", Labels{"command": "activate"}).Inc()
	r.Gauge("connected", "Connected", nil).Set(1)
	r.Histogram("reset_ack_seconds", "Ack latency", nil, []float64{0.01, 0.1}).Observe(0.05)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Equal(t, 1, strings.Count(out, "# TYPE imcontext_commands_sent_total counter"))
	assert.Contains(t, out, `imcontext_commands_sent_total{command="activate"} 1`)
	assert.Contains(t, out, `imcontext_commands_sent_total{command="show_panel"} 2`)
	assert.Contains(t, out, "# TYPE imcontext_connected gauge")
	assert.Contains(t, out, "imcontext_connected 1")
	assert.Contains(t, out, `imcontext_reset_ack_seconds_bucket{le="0.01"} 0`)
	assert.Contains(t, out, `imcontext_reset_ack_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `imcontext_reset_ack_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "imcontext_reset_ack_seconds_count 1")

	assert.Less(t,
		strings.Index(out, `command="activate"`),
		strings.Index(out, `command="show_panel"`),
		"series are written in a stable order")
}

func TestHTTPHandler(t *testing.T) {
	r := NewRegistry("imcontext")
	r.Counter("resets_total", "Resets", nil).Inc()
	srv := httptest.NewServer(r.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.EqualValues(t, 1, body["imcontext_resets_total"])
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry("")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Counter("events_total", "", Labels{"event": "commit"}).Inc()
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(50), r.Counter("events_total", "", Labels{"event": "commit"}).Value())
}

func TestSessionMetricsObserver(t *testing.T) {
	r := NewRegistry("imcontext")
	m := NewSessionMetrics(r)

	m.CommandSent("activate")
	m.CommandSent("activate")
	m.CommandDropped("reset")
	m.EventReceived("commit")
	m.StaleEventDropped("commit")
	m.UnsupportedCommand("setLanguage")
	m.ResetIssued()
	m.ResetAcknowledged(20 * time.Millisecond)
	m.Reconnected()
	m.CommitForwarded()
	m.StateChanged(true, false, 2)

	snap := r.Snapshot()
	assert.Equal(t, uint64(2), snap[`imcontext_commands_sent_total{command="activate"}`])
	assert.Equal(t, uint64(1), snap[`imcontext_commands_dropped_total{command="reset"}`])
	assert.Equal(t, uint64(1), snap[`imcontext_events_received_total{event="commit"}`])
	assert.Equal(t, uint64(1), snap[`imcontext_stale_events_dropped_total{event="commit"}`])
	assert.Equal(t, uint64(1), snap[`imcontext_unsupported_commands_total{command="setLanguage"}`])
	assert.Equal(t, uint64(1), m.ResetsTotal.Value())
	assert.Equal(t, uint64(1), m.ResetAckLatency.Count())
	assert.Equal(t, uint64(1), m.ConnectionsTotal.Value())
	assert.Equal(t, uint64(1), m.CommitsForwarded.Value())
	assert.Equal(t, int64(1), m.Connected.Value())
	assert.Zero(t, m.Active.Value())
	assert.Equal(t, int64(2), m.PendingResets.Value())
	assert.Same(t, r, m.Registry())
}
