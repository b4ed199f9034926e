package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"fleetsync/backend/services/sync-engine/internal/backfill"
	"fleetsync/backend/services/sync-engine/internal/models"
	"fleetsync/backend/services/sync-engine/internal/pool"
	"fleetsync/backend/services/sync-engine/internal/service"
)

// DevicePool is the pool surface exposed over HTTP.
type DevicePool interface {
	Register(ctx context.Context, device models.Device) (pool.Handle, error)
	Deregister(id string) error
	Get(id string) (pool.Handle, bool)
	Devices() []pool.Handle
}

// Backfiller runs on-demand log syncs.
type Backfiller interface {
	Sync(ctx context.Context, device models.Device, reader backfill.LogReader, progress backfill.ProgressFunc) (*backfill.Result, error)
	State(ctx context.Context, serial string) (*models.SyncState, error)
}

// SnapshotReader returns the current state of a device.
type SnapshotReader interface {
	Snapshot(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error)
}

// DevicesHandlers serves the device admin API.
type DevicesHandlers struct {
	pool      DevicePool
	backfill  Backfiller
	snapshots SnapshotReader
	logger    *zap.Logger
}

// NewDevicesHandlers returns handler set.
func NewDevicesHandlers(p DevicePool, b Backfiller, s SnapshotReader, logger *zap.Logger) *DevicesHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DevicesHandlers{pool: p, backfill: b, snapshots: s, logger: logger}
}

// List handles GET /devices.
func (h *DevicesHandlers) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": h.pool.Devices(),
	})
}

// Register handles POST /devices.
func (h *DevicesHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := device.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	handle, err := h.pool.Register(r.Context(), device)
	switch {
	case errors.Is(err, pool.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, "device already registered")
		return
	case err != nil:
		h.logger.Error("register device failed", zap.String("device_id", device.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}
	h.logger.Info("device registered via api", zap.String("device_id", device.ID), actor(r))
	writeJSON(w, http.StatusCreated, handle)
}

// Deregister handles DELETE /devices/{id}.
func (h *DevicesHandlers) Deregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.pool.Deregister(id)
	switch {
	case errors.Is(err, pool.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "device not found")
		return
	case err != nil:
		// The entry is gone either way; only the bridge shutdown misbehaved.
		h.logger.Warn("bridge stop failed on deregister", zap.String("device_id", id), zap.Error(err))
	}
	h.logger.Info("device deregistered via api", zap.String("device_id", id), actor(r))
	w.WriteHeader(http.StatusNoContent)
}

// Backfill handles POST /devices/{id}/backfill.
func (h *DevicesHandlers) Backfill(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.pool.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if handle.State != pool.StateConnected {
		writeError(w, http.StatusConflict, "device not connected")
		return
	}

	h.logger.Info("on-demand backfill", zap.String("device_id", handle.Device.ID), actor(r))
	result, err := h.backfill.Sync(r.Context(), handle.Device, handle.Client, nil)
	switch {
	case errors.Is(err, backfill.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync already in progress")
		return
	case err != nil:
		h.logger.Warn("on-demand backfill failed", zap.String("device_id", handle.Device.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SyncState handles GET /devices/{id}/sync-state.
func (h *DevicesHandlers) SyncState(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.pool.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	state, err := h.backfill.State(r.Context(), handle.Device.Serial)
	if err != nil {
		h.logger.Error("load sync state failed", zap.String("device_id", handle.Device.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load sync state")
		return
	}
	if state == nil {
		state = &models.SyncState{DeviceSerial: handle.Device.Serial}
	}
	writeJSON(w, http.StatusOK, state)
}

// Snapshot handles GET /devices/{id}/snapshot.
func (h *DevicesHandlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snapshot, err := h.snapshots.Snapshot(r.Context(), id)
	switch {
	case errors.Is(err, service.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	case err != nil:
		h.logger.Error("load snapshot failed", zap.String("device_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}
