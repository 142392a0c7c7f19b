package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/influxkit/influx-migrate/internal/util"
)

// probeTimeout bounds the whole connectivity check.
const probeTimeout = 5 * time.Second

// ProbeResult reports what could be learned about an InfluxDB endpoint.
// Unreachable hosts are a normal result, not an error.
type ProbeResult struct {
	Reachable bool   `json:"reachable"`
	Version   string `json:"version,omitempty"`
	Build     string `json:"build,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Probe checks whether rawURL points at an InfluxDB instance and which
// version family it is. v1 and v2 identify themselves through the
// X-Influxdb-Version/X-Influxdb-Build ping headers; v3 returns a cluster
// identifier header even to unauthenticated pings.
func Probe(ctx context.Context, rawURL string, httpc *http.Client) ProbeResult {
	base, err := util.NormalizeURL(rawURL)
	if err != nil {
		return ProbeResult{Message: err.Error()}
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: probeTimeout}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ping", nil)
	if err != nil {
		return ProbeResult{Message: err.Error()}
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return ProbeResult{Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer resp.Body.Close()

	result := ProbeResult{Reachable: true}
	result.Version = resp.Header.Get("X-Influxdb-Version")
	result.Build = resp.Header.Get("X-Influxdb-Build")
	if result.Version != "" || result.Build != "" {
		return result
	}

	// v3 withholds version headers from unauthenticated pings but still
	// identifies itself with a cluster id.
	if resp.Header.Get("Cluster-Uuid") != "" {
		result.Version = "3.x.x"
		return result
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		result.Message = "unable to determine InfluxDB version"
	} else {
		result.Message = "not an InfluxDB instance"
	}
	return result
}
