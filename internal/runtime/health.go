package runtime

import (
	"net/http"
	"time"

	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/jsoncodec"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metrics"
	"github.com/CodingFlow/http-to-nats-proxy/transport"
)

// Health status values reported by /healthz.
const (
	HealthOK          = "ok"
	HealthUnavailable = "unavailable"
)

// HealthReport is the /healthz response body.
type HealthReport struct {
	Status       string            `json:"status"`
	Bus          string            `json:"bus"`
	BusConnected bool              `json:"bus_connected"`
	OpenChannels int               `json:"open_correlation_channels"`
	Uptime       string            `json:"uptime"`
	Resource     ResourceUsage     `json:"resource"`
	Metrics      *metrics.Snapshot `json:"metrics,omitempty"`
}

// Health reports bus connectivity, correlation state and process resources. A
// bus that cannot report connectivity is assumed connected.
func (s *Service) Health() HealthReport {
	connected := true
	if checker, ok := s.bus.(transport.HealthChecker); ok {
		connected = checker.IsConnected()
	}

	report := HealthReport{
		Status:       HealthOK,
		Bus:          s.Conf.BusSystem,
		BusConnected: connected,
		OpenChannels: s.gateway.Channels().Active(),
		Uptime:       time.Since(s.startedAt).Truncate(time.Second).String(),
		Resource:     s.resourceTracker.Snapshot(),
	}
	if !connected {
		report.Status = HealthUnavailable
	}
	if s.metrics != nil {
		snapshot := s.metrics.GetSnapshot()
		report.Metrics = &snapshot
	}
	return report
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.Health()

	body, err := jsoncodec.Marshal(report)
	if err != nil {
		s.Logger.Error("Failed to encode health report", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status != HealthOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(body)
}
