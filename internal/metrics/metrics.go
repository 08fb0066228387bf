// Package metrics exports the datapath's per-packet drop counters and
// forwarding volume through client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// FramingDrops counts packets dropped for malformed envelopes: size
	// mismatches, unknown types, truncated headers.
	FramingDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gnbgo",
		Subsystem: "pf",
		Name:      "framing_drops_total",
		Help:      "Packets dropped by the wire framing layer, by reason.",
	}, []string{"reason"})

	// CryptoDrops counts packets dropped for authentication failures.
	CryptoDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gnbgo",
		Subsystem: "pf",
		Name:      "crypto_drops_total",
		Help:      "Packets dropped by a crypto filter, by layer (p2p/relay).",
	}, []string{"layer"})

	// RouteDrops counts packets dropped for routing reasons: no route,
	// TTL exhausted.
	RouteDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gnbgo",
		Subsystem: "pf",
		Name:      "route_drops_total",
		Help:      "Packets dropped by the routing filter, by reason.",
	}, []string{"reason"})

	// RekeyEvents counts successful key-schedule rotations performed by
	// the primary worker.
	RekeyEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gnbgo",
		Subsystem: "keyschedule",
		Name:      "rotations_total",
		Help:      "Number of completed time-seed rotations.",
	})

	// ForwardedPackets tracks egress/ingress volume split by forward
	// class, useful for watching peers transition from relayed to direct
	// forwarding as NAT traversal succeeds.
	ForwardedPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gnbgo",
		Subsystem: "pf",
		Name:      "forwarded_packets_total",
		Help:      "Packets forwarded, by direction and forward class.",
	}, []string{"direction", "class"})
)

// MustRegister registers every collector in this package with reg. Called
// once at startup by the daemon's run() in cmd/gnbd.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(FramingDrops, CryptoDrops, RouteDrops, RekeyEvents, ForwardedPackets)
}
