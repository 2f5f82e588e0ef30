package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imcontext/internal/ime"
)

func fixed(st ime.State) func() ime.State {
	return func() ime.State { return st }
}

func TestOverallStatus(t *testing.T) {
	c := NewChecker(nil)
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.Register(&Component{Name: "conn", Critical: true, Check: ConnectionCheck(fixed(ime.State{}))})
	assert.Equal(t, StatusUnknown, c.OverallStatus())

	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())

	c = NewChecker(nil)
	c.Register(&Component{Name: "conn", Critical: true, Check: ConnectionCheck(fixed(ime.State{Connected: true}))})
	c.Register(&Component{Name: "resets", Check: ResetBacklogCheck(fixed(ime.State{PendingResets: 5}), 2)})
	results := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, results["conn"].Status)
	assert.Equal(t, StatusDegraded, results["resets"].Status)
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker(nil)
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.Register(&Component{
		Name:     "broken",
		Critical: true,
		Check:    func(context.Context) CheckResult { panic("boom") },
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["broken"].Status)
	assert.Contains(t, results["broken"].Message, "boom")
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestHTTPProbes(t *testing.T) {
	connected := false
	st := func() ime.State { return ime.State{Connected: connected} }
	c := NewChecker(func() bool { return st().Connected })
	c.Register(&Component{Name: "conn", Critical: true, Check: ConnectionCheck(st)})

	mux := http.NewServeMux()
	c.Mount(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)

	rec := get("/health?full=true")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.False(t, resp.Ready)
	assert.Contains(t, resp.Components, "conn")

	connected = true
	assert.Equal(t, http.StatusOK, get("/readyz").Code)
	assert.Equal(t, http.StatusOK, get("/health?full=true").Code)
}
