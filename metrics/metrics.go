package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowWrites counts relay row mutations by kind (state, command, clear) and outcome.
	RowWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenesync",
			Subsystem: "relay",
			Name:      "row_writes_total",
			Help:      "Total number of session row writes",
		},
		[]string{"kind", "outcome"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenesync",
			Subsystem: "relay",
			Name:      "notifications_total",
			Help:      "Row change notifications by delivery result",
		},
		[]string{"result"},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scenesync",
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Currently open row change subscriptions",
		},
	)

	// CommandsApplied counts commands seen by PC editors in this process.
	CommandsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenesync",
			Subsystem: "editor",
			Name:      "commands_total",
			Help:      "Controller commands by action and result",
		},
		[]string{"action", "result"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
