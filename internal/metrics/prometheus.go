package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	ConnectionsRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_connections_registered_total",
		Help: "Total number of transport sessions registered.",
	})
	ConnectionsUnregisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_connections_unregistered_total",
		Help: "Total number of transport sessions unregistered.",
	})
	LocalConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_local_connections_gauge",
		Help: "Current number of live websocket sessions on this process.",
	})
	OnlineTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_online_transitions_total",
		Help: "Total number of offline-to-online transitions emitted.",
	})
	OfflineTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_offline_transitions_total",
		Help: "Total number of online-to-offline transitions emitted.",
	})
	ExpiredMarkersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_expired_markers_total",
		Help: "Total number of offline transitions detected through marker expiry.",
	})
	NotificationsPushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_notifications_pushed_total",
		Help: "Total number of presence notifications pushed to live sessions.",
	})
	NotificationsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_notifications_dropped_total",
		Help: "Total number of presence notifications dropped (no session or push failure).",
	})
	StoreErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_store_errors_total",
		Help: "Total number of shared-store failures absorbed at component boundaries.",
	})
	SubscriptionReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_subscription_reconnects_total",
		Help: "Total number of expiry-subscription resubscribe attempts.",
	})
)

// InitCustomMetrics registers the package metrics with the given registry.
// It should be called once at application startup; the metric values are
// usable before registration, so tests need no registry.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}
	collectors := []prometheus.Collector{
		ConnectionsRegisteredTotal,
		ConnectionsUnregisteredTotal,
		LocalConnectionsGauge,
		OnlineTransitionsTotal,
		OfflineTransitionsTotal,
		ExpiredMarkersTotal,
		NotificationsPushedTotal,
		NotificationsDroppedTotal,
		StoreErrorsTotal,
		SubscriptionReconnectsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register Prometheus metric")
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}
