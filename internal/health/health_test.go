package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, handler http.HandlerFunc) Response {
	t.Helper()
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	return resp
}

func TestHandlerResponseStructure(t *testing.T) {
	resp := serve(t, Handler("ci-20260830-120000-ab12cd34", NewStatus()))

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "runner-agent", resp.ServiceName)
	assert.Equal(t, "ci-20260830-120000-ab12cd34", resp.RunnerName)
	assert.Equal(t, "waiting", resp.ServiceState)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.BuildTime)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.OS)
	assert.NotEmpty(t, resp.Architecture)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandlerReportsLatestObservation(t *testing.T) {
	status := NewStatus()
	handler := Handler("ci-test", status)

	assert.Equal(t, "waiting", serve(t, handler).ServiceState)

	status.Observe("active")
	assert.Equal(t, "active", serve(t, handler).ServiceState)

	status.Observe("stopped")
	assert.Equal(t, "stopped", serve(t, handler).ServiceState)
}

func TestStatusDefaultsToWaiting(t *testing.T) {
	assert.Equal(t, "waiting", NewStatus().State())
}
