package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, endpoint, method, and status.",
		},
		[]string{"service", "endpoint", "method", "status"},
	)

	HubRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harmony_hub_requests_total",
			Help: "Hub session operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	HubConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_hub_connected",
		Help: "1 while the hub session is connected.",
	})

	SyncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harmony_sync_passes_total",
			Help: "Synchronization passes by result.",
		},
		[]string{"result"},
	)

	PushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harmony_push_events_total",
			Help: "Key events received from the hub push listener by topic.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, HubRequests, HubConnected, SyncPasses, PushEvents)
}

func ResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
