package echo

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilab-dev/presence/services"
	"github.com/pilab-dev/presence/transport"
)

// PresenceAPI struct to hold dependencies.
type PresenceAPI struct {
	core *services.Core
	hub  *transport.Hub
}

// NewPresenceAPI initializes the presence HTTP API.
func NewPresenceAPI(core *services.Core, hub *transport.Hub) *PresenceAPI {
	return &PresenceAPI{
		core: core,
		hub:  hub,
	}
}

// RegisterRoutes registers the presence routes.
func (pa *PresenceAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", pa.WebsocketHandler)
	e.GET("/healthz", pa.HealthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Administrative / monitoring surface.
	e.GET("/presence/online", pa.OnlineUsersHandler)
	e.POST("/presence/snapshot", pa.SnapshotHandler)
}

// WebsocketHandler hands the request over to the hub, which authenticates,
// upgrades and blocks for the lifetime of the socket.
func (pa *PresenceAPI) WebsocketHandler(c echo.Context) error {
	pa.hub.HandleWS(c.Response(), c.Request())
	return nil
}

// HealthHandler reports liveness. Losing the expiry subscription is fatal
// to offline detection, so it degrades the probe to 503 and lets the
// orchestrator restart the process if resubscription keeps failing.
func (pa *PresenceAPI) HealthHandler(c echo.Context) error {
	if !pa.core.Healthy() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"reason": "expiry subscription lost",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"local_sessions": pa.hub.LocalSessionCount(),
	})
}

// OnlineUsersHandler lists every currently online user. Monitoring only;
// backed by a cursor scan.
func (pa *PresenceAPI) OnlineUsersHandler(c echo.Context) error {
	ids := pa.core.AllOnlineUserIDs(c.Request().Context())
	sort.Strings(ids)
	return c.JSON(http.StatusOK, map[string]any{
		"online": ids,
		"count":  len(ids),
	})
}

type snapshotRequest struct {
	UserIDs []string `json:"user_ids"`
}

// SnapshotHandler answers which of the posted users are online, in one
// pipelined store round trip.
func (pa *PresenceAPI) SnapshotHandler(c echo.Context) error {
	var req snapshotRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
	}
	online := pa.core.OnlineSubset(c.Request().Context(), req.UserIDs)
	ids := make([]string, 0, len(online))
	for id := range online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return c.JSON(http.StatusOK, map[string]any{"online": ids})
}
