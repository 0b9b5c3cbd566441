package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshrelay_active_connections", Help: "Currently established SSH connections"})
	openChannels      = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshrelay_open_channels", Help: "Currently registered session channels"})
	broadcastsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "sshrelay_broadcasts_total", Help: "Messages fanned out to peers"})
	broadcastDrops    = promauto.NewCounter(prometheus.CounterOpts{Name: "sshrelay_broadcast_drops_total", Help: "Per-destination deliveries that failed and were skipped"})
	authFailures      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshrelay_auth_failures_total", Help: "Rejected authentication attempts by method"}, []string{"method"})
	forwardTasks      = promauto.NewCounter(prometheus.CounterOpts{Name: "sshrelay_forward_tasks_total", Help: "Forwarded-channel tasks spawned"})
)
