package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/breaker"
	"github.com/Wandeon/fleet-sub000/internal/metrics"
)

// SystemMetrics is the GET /api/v1/metrics response.
type SystemMetrics struct {
	Timestamp     string                    `json:"timestamp"`
	Version       string                    `json:"version"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Runtime       RuntimeMetrics            `json:"runtime"`
	Dispatch      *metrics.Snapshot         `json:"dispatch,omitempty"`
	Jobs          map[string]int            `json:"jobs"`
	ActiveJobs    int                       `json:"active_jobs"`
	FinishedJobs  int                       `json:"finished_jobs"`
	Devices       DeviceMetrics             `json:"devices"`
	Circuits      map[string]breaker.Status `json:"circuits,omitempty"`
	Failures      map[string]int            `json:"failures,omitempty"`
	Feed          FeedStats                 `json:"feed"`
	MQTT          MQTTMetrics               `json:"mqtt"`
	Database      *DatabaseMetrics          `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// DeviceMetrics summarises the device inventory.
type DeviceMetrics struct {
	Total        int            `json:"total"`
	WithEndpoint int            `json:"with_endpoint"`
	ByKind       map[string]int `json:"by_kind"`
}

// FeedStats describes live feed and bus load.
type FeedStats struct {
	ConnectedClients int    `json:"connected_clients"`
	BusSubscribers   int    `json:"bus_subscribers"`
	BusDropped       uint64 `json:"bus_dropped"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns dispatch counters, circuit and liveness state,
// job counts and process statistics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	out := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Jobs: make(map[string]int),
		Feed: FeedStats{
			ConnectedClients: s.hub.ClientCount(),
			BusSubscribers:   s.bus.SubscriberCount(),
			BusDropped:       s.bus.Dropped(),
		},
	}

	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		out.Dispatch = &snap
	}

	counts, err := s.dispatch.JobCounts(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	for status, n := range counts {
		out.Jobs[string(status)] = n
		switch {
		case status.IsActive():
			out.ActiveJobs += n
		case status.IsTerminal():
			out.FinishedJobs += n
		}
	}

	stats := s.registry.GetStats()
	out.Devices = DeviceMetrics{
		Total:        stats.TotalDevices,
		WithEndpoint: stats.WithEndpoint,
		ByKind:       make(map[string]int, len(stats.ByKind)),
	}
	for kind, n := range stats.ByKind {
		out.Devices.ByKind[string(kind)] = n
	}

	if s.breaker != nil {
		out.Circuits = s.breaker.Snapshot()
	}
	if s.failures != nil {
		out.Failures = s.failures.Snapshot()
	}

	if s.mqtt != nil {
		out.MQTT = MQTTMetrics{Enabled: true, Connected: s.mqtt.IsConnected()}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		out.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, out)
}
