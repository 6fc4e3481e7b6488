package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	clientsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collabcanvas",
		Subsystem: "relay",
		Name:      "clients",
		Help:      "Currently connected clients per room.",
	}, []string{"room"})

	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabcanvas",
		Subsystem: "relay",
		Name:      "messages_relayed_total",
		Help:      "Frames accepted for fan-out per room.",
	}, []string{"room"})

	roomsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabcanvas",
		Subsystem: "relay",
		Name:      "rooms",
		Help:      "Rooms currently open on this instance.",
	})
)

func init() {
	prometheus.MustRegister(clientsGauge, messagesTotal, roomsGauge)
}
