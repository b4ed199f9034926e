package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetsync/backend/services/sync-engine/internal/models"
)

type fakeRepo struct {
	snapshots map[string]models.DeviceSnapshot
	upsertErr error
	reads     int
}

func (r *fakeRepo) BulkInsertMeasurements(ctx context.Context, batch []models.Measurement) error {
	return nil
}

func (r *fakeRepo) UpsertDeviceSnapshot(ctx context.Context, s models.DeviceSnapshot) (bool, error) {
	if r.upsertErr != nil {
		return false, r.upsertErr
	}
	if r.snapshots == nil {
		r.snapshots = make(map[string]models.DeviceSnapshot)
	}
	if cur, ok := r.snapshots[s.DeviceID]; ok && cur.Measurement.RecordedAt.After(s.Measurement.RecordedAt) {
		return false, nil
	}
	r.snapshots[s.DeviceID] = s
	return true, nil
}

func (r *fakeRepo) LatestSnapshot(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error) {
	r.reads++
	s, ok := r.snapshots[deviceID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

type fakeCache struct {
	entries map[string]models.DeviceSnapshot
	saveErr error
	getErr  error
}

func (c *fakeCache) Save(ctx context.Context, s models.DeviceSnapshot) error {
	if c.saveErr != nil {
		return c.saveErr
	}
	if c.entries == nil {
		c.entries = make(map[string]models.DeviceSnapshot)
	}
	c.entries[s.DeviceID] = s
	return nil
}

func (c *fakeCache) Get(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	s, ok := c.entries[deviceID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func snapshot(id string) models.DeviceSnapshot {
	return models.NewSnapshot(models.Measurement{DeviceID: id, RecordedAt: time.Unix(1700000000, 0).UTC(), StateOfCharge: 91})
}

func TestUpsertMirrorsToCache(t *testing.T) {
	repo, cache := &fakeRepo{}, &fakeCache{}
	store := NewTelemetryStore(repo, cache, nil)

	if err := store.UpsertDeviceSnapshot(context.Background(), snapshot("a")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, ok := cache.entries["a"]; !ok {
		t.Fatalf("expected cached snapshot")
	}

	got, err := store.Snapshot(context.Background(), "a")
	if err != nil || got.Measurement.StateOfCharge != 91 {
		t.Fatalf("unexpected snapshot %+v %v", got, err)
	}
	if repo.reads != 0 {
		t.Fatalf("cache hit must not read the repository")
	}
}

func TestOlderSnapshotDoesNotRewindCache(t *testing.T) {
	repo, cache := &fakeRepo{}, &fakeCache{}
	store := NewTelemetryStore(repo, cache, nil)

	newer := snapshot("a")
	older := models.NewSnapshot(models.Measurement{DeviceID: "a", RecordedAt: newer.Measurement.RecordedAt.Add(-time.Hour), StateOfCharge: 40})
	for _, s := range []models.DeviceSnapshot{newer, older} {
		if err := store.UpsertDeviceSnapshot(context.Background(), s); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	if got := cache.entries["a"]; got.Measurement.StateOfCharge != 91 {
		t.Fatalf("cache went backwards: %+v", got)
	}
}

func TestCacheFailureDoesNotFailWrite(t *testing.T) {
	repo := &fakeRepo{}
	store := NewTelemetryStore(repo, &fakeCache{saveErr: errors.New("redis down")}, nil)

	if err := store.UpsertDeviceSnapshot(context.Background(), snapshot("a")); err != nil {
		t.Fatalf("cache failure leaked into write: %v", err)
	}
}

func TestRepositoryFailureFailsWrite(t *testing.T) {
	cache := &fakeCache{}
	store := NewTelemetryStore(&fakeRepo{upsertErr: errors.New("db down")}, cache, nil)

	if err := store.UpsertDeviceSnapshot(context.Background(), snapshot("a")); err == nil {
		t.Fatalf("expected error")
	}
	if len(cache.entries) != 0 {
		t.Fatalf("cache must not get ahead of the database")
	}
}

func TestSnapshotFallsBackToRepository(t *testing.T) {
	repo := &fakeRepo{snapshots: map[string]models.DeviceSnapshot{"a": snapshot("a")}}
	cache := &fakeCache{getErr: errors.New("timeout")}
	store := NewTelemetryStore(repo, cache, nil)

	got, err := store.Snapshot(context.Background(), "a")
	if err != nil || got.DeviceID != "a" || repo.reads != 1 {
		t.Fatalf("expected repository read, got %+v %v", got, err)
	}

	if _, err := store.Snapshot(context.Background(), "missing"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestSnapshotWithoutCache(t *testing.T) {
	repo := &fakeRepo{snapshots: map[string]models.DeviceSnapshot{"a": snapshot("a")}}
	store := NewTelemetryStore(repo, nil, nil)

	if _, err := store.Snapshot(context.Background(), "a"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
}
