// Package health provides the HTTP status handler served by the
// node-side watchdog.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dianplus/cloud-instance-github-runner/internal/buildinfo"
)

// Response represents the status response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	RunnerName   string    `json:"runner_name"`
	ServiceState string    `json:"service_state"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Timestamp    time.Time `json:"timestamp"`
}

// Status tracks the watchdog's last observation of the runner service so
// the handler can report it without querying systemd itself.
type Status struct {
	state atomic.Value // string
}

// NewStatus creates a Status starting in "waiting".
func NewStatus() *Status {
	s := &Status{}
	s.state.Store("waiting")
	return s
}

// Observe records the latest observed service state.
func (s *Status) Observe(state string) {
	s.state.Store(state)
}

// State returns the last observed service state.
func (s *Status) State() string {
	return s.state.Load().(string)
}

// Handler responds to status requests from inside the node. It reports
// build info and the watchdog's last observation of the runner service;
// it always answers 200 since it has no external dependencies to verify.
func Handler(runnerName string, status *Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "runner-agent",
			RunnerName:   runnerName,
			ServiceState: status.State(),
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
