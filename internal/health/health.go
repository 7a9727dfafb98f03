// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/batchcloud/internal/buildinfo"
)

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Cloud        string    `json:"cloud"`
	Host         string    `json:"host"`
	Nodes        int       `json:"nodes"`
	Timestamp    time.Time `json:"timestamp"`
}

// Info is what the handler reports about the running cloud.  It is
// called on every request so that descriptor updates show up.
type Info func() (cloud, host string, nodes int)

// Handler responds to health check requests. It reports build info and
// the cloud being served. The status is always "healthy" (200 OK) since
// this is a liveness check; the batch host is not contacted.
func Handler(info Info) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		cloud, host, nodes := info()
		response := Response{
			Status:       "healthy",
			ServiceName:  "batchcloud",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Cloud:        cloud,
			Host:         host,
			Nodes:        nodes,
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
