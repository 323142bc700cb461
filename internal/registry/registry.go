// Package registry holds the process-wide table of known devices, their
// liveness state and the identity of each device's current credential.
//
// Records are spread across independently locked shards so traffic for
// unrelated devices never contends on one mutex. Every mutation of a record
// happens under its shard's write lock: a persisted change is written to the
// backing store first and swapped into memory only when that succeeds.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/edgegate/internal/domain"
)

const shardCount = 16

// Authorization failures. The token authority maps these onto auth errors.
var (
	ErrRevoked        = errors.New("device revoked")
	ErrTokenMismatch  = errors.New("credential is not the device's current credential")
	ErrNoCurrentToken = errors.New("active device has no current credential")
)

// Store persists device records. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveDevice(ctx context.Context, rec domain.DeviceRecord) error
	DeleteDevice(ctx context.Context, deviceID string) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore backs the registry with persistent storage.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used for best-effort persistence failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithTouchObserver registers fn to be called, outside any lock, each time a
// record's last_seen advances.
func WithTouchObserver(fn func(deviceID string, at time.Time)) Option {
	return func(r *Registry) { r.onTouch = fn }
}

// Registry is safe for concurrent use.
type Registry struct {
	shards  [shardCount]shard
	store   Store
	now     func() time.Time
	log     *slog.Logger
	onTouch func(string, time.Time)
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]*domain.DeviceRecord
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{now: time.Now, log: slog.Default()}
	for i := range r.shards {
		r.shards[i].devices = make(map[string]*domain.DeviceRecord)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shard(deviceID string) *shard {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(deviceID); i++ {
		h ^= uint32(deviceID[i])
		h *= fnvPrime32
	}
	return &r.shards[h%shardCount]
}

func (r *Registry) persist(ctx context.Context, rec domain.DeviceRecord) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveDevice(ctx, rec)
}

// Register inserts rec. It fails with [domain.ErrConflict] when an active
// record already exists for the id; a revoked record is replaced.
func (r *Registry) Register(ctx context.Context, rec domain.DeviceRecord) error {
	rec.DeviceID = strings.TrimSpace(rec.DeviceID)
	if rec.DeviceID == "" {
		return errors.New("device id is required")
	}
	now := r.now()
	if rec.Status == "" {
		rec.Status = domain.StatusActive
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	rec = rec.Clone()

	s := r.shard(rec.DeviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.devices[rec.DeviceID]; ok && cur.Active() {
		return domain.ErrConflict
	}
	if err := r.persist(ctx, rec); err != nil {
		return err
	}
	s.devices[rec.DeviceID] = &rec
	return nil
}

// Get returns a snapshot of the record.
func (r *Registry) Get(deviceID string) (domain.DeviceRecord, error) {
	s := r.shard(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[deviceID]
	if !ok {
		return domain.DeviceRecord{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

// Touch advances last_seen to now. last_seen never moves backwards.
func (r *Registry) Touch(deviceID string) error {
	s := r.shard(deviceID)
	s.mu.Lock()
	rec, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	at, advanced := r.touchLocked(rec)
	s.mu.Unlock()
	if advanced {
		r.notifyTouch(deviceID, at)
	}
	return nil
}

func (r *Registry) touchLocked(rec *domain.DeviceRecord) (time.Time, bool) {
	now := r.now()
	if !now.After(rec.LastSeen) {
		return rec.LastSeen, false
	}
	rec.LastSeen = now
	return now, true
}

func (r *Registry) notifyTouch(deviceID string, at time.Time) {
	if r.onTouch != nil {
		r.onTouch(deviceID, at)
	}
}

// MarkConnected records a live liveness channel and touches last_seen. A
// revoked record is never marked connected.
func (r *Registry) MarkConnected(ctx context.Context, deviceID string) error {
	return r.setConnected(ctx, deviceID, true)
}

// MarkDisconnected records liveness channel teardown.
func (r *Registry) MarkDisconnected(ctx context.Context, deviceID string) error {
	return r.setConnected(ctx, deviceID, false)
}

// setConnected updates memory unconditionally; persisting the flag is best
// effort since it is reset on every boot anyway.
func (r *Registry) setConnected(ctx context.Context, deviceID string, connected bool) error {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[deviceID]
	if !ok {
		return domain.ErrNotFound
	}
	if connected && !rec.Active() {
		return ErrRevoked
	}
	rec.Connected = connected
	if connected {
		r.touchLocked(rec)
	}
	if err := r.persist(ctx, rec.Clone()); err != nil {
		r.log.Warn("failed to persist device connection state", "device_id", deviceID, "connected", connected, "err", err)
	}
	return nil
}

// Deregister removes the record. The current credential stops validating in
// the same step; if the store rejects the delete, nothing changes.
func (r *Registry) Deregister(ctx context.Context, deviceID string) error {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return domain.ErrNotFound
	}
	if r.store != nil {
		if err := r.store.DeleteDevice(ctx, deviceID); err != nil {
			return err
		}
	}
	delete(s.devices, deviceID)
	return nil
}

// Revoke marks the record revoked and clears its current credential
// together. The record stays until it is deregistered.
func (r *Registry) Revoke(ctx context.Context, deviceID string) (domain.DeviceRecord, error) {
	return r.update(ctx, deviceID, func(rec *domain.DeviceRecord) error {
		rec.Status = domain.StatusRevoked
		rec.CurrentTokenID = ""
		return nil
	})
}

// ReplaceToken swaps the current credential id from oldID to newID. It fails
// with [ErrTokenMismatch] when oldID is no longer current.
func (r *Registry) ReplaceToken(ctx context.Context, deviceID, oldID, newID string) (domain.DeviceRecord, error) {
	return r.update(ctx, deviceID, func(rec *domain.DeviceRecord) error {
		if !rec.Active() {
			return ErrRevoked
		}
		if rec.CurrentTokenID == "" || rec.CurrentTokenID != oldID {
			return ErrTokenMismatch
		}
		rec.CurrentTokenID = newID
		return nil
	})
}

// UpdateMetadata replaces the record's metadata. Outstanding credentials keep
// the snapshot they were issued with.
func (r *Registry) UpdateMetadata(ctx context.Context, deviceID string, md domain.Metadata) (domain.DeviceRecord, error) {
	md = md.Clone()
	return r.update(ctx, deviceID, func(rec *domain.DeviceRecord) error {
		if !rec.Active() {
			return ErrRevoked
		}
		rec.Metadata = md
		return nil
	})
}

// update applies fn to a copy, persists it, then swaps it in.
func (r *Registry) update(ctx context.Context, deviceID string, fn func(*domain.DeviceRecord) error) (domain.DeviceRecord, error) {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.devices[deviceID]
	if !ok {
		return domain.DeviceRecord{}, domain.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return domain.DeviceRecord{}, err
	}
	if err := r.persist(ctx, next); err != nil {
		return domain.DeviceRecord{}, err
	}
	s.devices[deviceID] = &next
	return next.Clone(), nil
}

// Authorize checks that tokenID is the current credential of an active
// record and touches last_seen in the same critical section.
func (r *Registry) Authorize(deviceID, tokenID string) (domain.DeviceRecord, error) {
	s := r.shard(deviceID)
	s.mu.Lock()
	rec, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return domain.DeviceRecord{}, domain.ErrNotFound
	}
	switch {
	case !rec.Active():
		s.mu.Unlock()
		return domain.DeviceRecord{}, ErrRevoked
	case rec.CurrentTokenID == "":
		s.mu.Unlock()
		return domain.DeviceRecord{}, ErrNoCurrentToken
	case rec.CurrentTokenID != tokenID:
		s.mu.Unlock()
		return domain.DeviceRecord{}, ErrTokenMismatch
	}
	at, advanced := r.touchLocked(rec)
	out := rec.Clone()
	s.mu.Unlock()
	if advanced {
		r.notifyTouch(deviceID, at)
	}
	return out, nil
}

// List returns snapshots of every record ordered by device id.
func (r *Registry) List() []domain.DeviceRecord {
	var out []domain.DeviceRecord
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, rec := range s.devices {
			out = append(out, rec.Clone())
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}

// PurgeStale deregisters disconnected devices not seen since cutoff and
// returns their ids. Devices whose delete fails are kept and retried on the
// next pass.
func (r *Registry) PurgeStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var (
		removed []string
		errs    []error
	)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, rec := range s.devices {
			if rec.Connected || !rec.LastSeen.Before(cutoff) {
				continue
			}
			if r.store != nil {
				if err := r.store.DeleteDevice(ctx, id); err != nil {
					errs = append(errs, err)
					continue
				}
			}
			delete(s.devices, id)
			removed = append(removed, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(removed)
	return removed, errors.Join(errs...)
}

// Load seeds the registry from persisted records without writing them back.
// Connected flags are cleared: no liveness channel survives a restart.
func (r *Registry) Load(recs []domain.DeviceRecord) {
	for _, rec := range recs {
		rec = rec.Clone()
		rec.Connected = false
		s := r.shard(rec.DeviceID)
		s.mu.Lock()
		s.devices[rec.DeviceID] = &rec
		s.mu.Unlock()
	}
}
