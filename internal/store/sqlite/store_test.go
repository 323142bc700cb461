package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koltyakov/edgegate/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "edgegate.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleDevice(id string) domain.DeviceRecord {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return domain.DeviceRecord{
		DeviceID:       id,
		Metadata:       domain.Metadata{"url": "http://" + id + ":9000", "tags": []any{"a", "b"}},
		Status:         domain.StatusActive,
		Connected:      true,
		CurrentTokenID: "tok-" + id,
		RegisteredAt:   now,
		LastSeen:       now,
	}
}

func TestSaveAndLoadDevices(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"dev2", "dev1"} {
		if err := store.SaveDevice(ctx, sampleDevice(id)); err != nil {
			t.Fatal(err)
		}
	}
	revoked := sampleDevice("dev2")
	revoked.Status = domain.StatusRevoked
	revoked.CurrentTokenID = ""
	if err := store.SaveDevice(ctx, revoked); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DeviceID != "dev1" || got[1].DeviceID != "dev2" {
		t.Fatalf("unexpected devices: %+v", got)
	}
	if got[0].Metadata["url"] != "http://dev1:9000" || !got[0].Connected || got[0].CurrentTokenID != "tok-dev1" {
		t.Fatalf("unexpected dev1 record: %+v", got[0])
	}
	if got[1].Status != domain.StatusRevoked || got[1].CurrentTokenID != "" {
		t.Fatalf("unexpected dev2 record: %+v", got[1])
	}
	if !got[0].LastSeen.Equal(sampleDevice("dev1").LastSeen) {
		t.Fatalf("unexpected last seen %v", got[0].LastSeen)
	}
}

func TestDeleteDevice(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveDevice(ctx, sampleDevice("dev1")); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteDevice(ctx, "dev1"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteDevice(ctx, "dev1"); err != nil {
		t.Fatalf("deleting a missing device should be a no-op: %v", err)
	}
	got, err := store.LoadDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no devices, got %d", len(got))
	}
}

func TestResetConnectedDevices(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.SaveDevice(ctx, sampleDevice(id)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := store.ResetConnectedDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reset rows, got %d", n)
	}
	counts, err := store.CountDevicesByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusActive] != 2 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestTouchDeviceIsThrottledAndMonotonic(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	rec := sampleDevice("dev1")
	if err := store.SaveDevice(ctx, rec); err != nil {
		t.Fatal(err)
	}

	first := rec.LastSeen.Add(time.Minute)
	if err := store.TouchDevice(ctx, "dev1", first); err != nil {
		t.Fatal(err)
	}
	// Inside the throttle window: ignored.
	if err := store.TouchDevice(ctx, "dev1", first.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	at, err := store.deviceLastSeen(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !at.Equal(first) {
		t.Fatalf("expected last seen %v, got %v", first, at)
	}

	// Older timestamps never move last_seen backwards.
	store.forgetDeviceTouch("dev1")
	if err := store.TouchDevice(ctx, "dev1", rec.LastSeen); err != nil {
		t.Fatal(err)
	}
	at, err = store.deviceLastSeen(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !at.Equal(first) {
		t.Fatalf("last seen moved backwards to %v", at)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	k, err := store.CreateAPIKey(ctx, "ops", "hash1")
	if err != nil {
		t.Fatal(err)
	}
	id, err := store.ResolveAPIKeyID(ctx, "hash1")
	if err != nil {
		t.Fatal(err)
	}
	if id != k.ID {
		t.Fatalf("expected %s, got %s", k.ID, id)
	}
	if err := store.RevokeAPIKey(ctx, k.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ResolveAPIKeyID(ctx, "hash1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after revoke, got %v", err)
	}
	if err := store.RevokeAPIKey(ctx, k.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on second revoke, got %v", err)
	}

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].RevokedAt == nil {
		t.Fatalf("unexpected keys: %+v", keys)
	}

	n, err := store.PurgeRevokedAPIKeys(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged key, got %d", n)
	}
}

func TestResolveServerPepper(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.ResolveServerPepper(ctx, ""); err == nil {
		t.Fatal("expected error for empty pepper on first start")
	}
	got, err := store.ResolveServerPepper(ctx, "pepper-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "pepper-1" {
		t.Fatalf("unexpected pepper %q", got)
	}
	if got, err := store.ResolveServerPepper(ctx, ""); err != nil || got != "pepper-1" {
		t.Fatalf("expected stored pepper, got %q, %v", got, err)
	}
	if _, err := store.ResolveServerPepper(ctx, "other"); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "edgegate.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
}

func (s *Store) deviceLastSeen(ctx context.Context, deviceID string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_seen_at FROM devices WHERE device_id = ?`, deviceID).Scan(&at)
	return at, err
}
