package httpserver

import (
	"net/http"

	"fleetsync/backend/services/sync-engine/internal/http/handlers"
	"fleetsync/backend/services/sync-engine/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Devices     *handlers.DevicesHandlers
	Metrics     http.Handler
	Health      http.Handler
	MetricsPath string
	HealthPath  string
}

// NewRouter wires HTTP routes. adminAuth guards the device API and may be nil.
func NewRouter(deps RouterDeps, adminAuth func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	if deps.Metrics != nil {
		mux.Handle("GET "+deps.MetricsPath, deps.Metrics)
	}
	if deps.Health != nil {
		mux.Handle("GET "+deps.HealthPath, deps.Health)
	}

	admin := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, adminAuth)
	}

	d := deps.Devices
	mux.Handle("GET /devices", admin(d.List))
	mux.Handle("POST /devices", admin(d.Register))
	mux.Handle("DELETE /devices/{id}", admin(d.Deregister))
	mux.Handle("POST /devices/{id}/backfill", admin(d.Backfill))
	mux.Handle("GET /devices/{id}/sync-state", admin(d.SyncState))
	mux.Handle("GET /devices/{id}/snapshot", admin(d.Snapshot))

	return mux
}
