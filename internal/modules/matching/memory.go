package matching

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusride/internal/types"
)

type memLock struct {
	rideID  types.ID
	expires time.Time // zero while held for a scheduled ride
}

// MemoryIndex is the in-process Index used by the memory backend and tests.
type MemoryIndex struct {
	mu      sync.Mutex
	drivers map[types.ID]Driver
	locks   map[types.ID]memLock
	now     func() time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		drivers: make(map[types.ID]Driver),
		locks:   make(map[types.ID]memLock),
		now:     time.Now,
	}
}

func (m *MemoryIndex) AddDriver(_ context.Context, d Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryIndex) RemoveDriver(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, id)
	return nil
}

func (m *MemoryIndex) Driver(_ context.Context, id types.ID) (Driver, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	return d, ok, nil
}

func (m *MemoryIndex) NearbyDrivers(_ context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	type hit struct {
		id   types.ID
		dist float64
	}
	m.mu.Lock()
	hits := make([]hit, 0, len(m.drivers))
	for id, d := range m.drivers {
		if dist := types.DistanceKm(p, d.Position); dist <= radiusKm {
			hits = append(hits, hit{id, dist})
		}
	}
	m.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].id < hits[j].id
	})
	ids := make([]types.ID, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

func (m *MemoryIndex) AcquireLock(_ context.Context, driverID, rideID types.ID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[driverID]; ok && m.heldLocked(l) {
		return false, nil
	}
	m.locks[driverID] = memLock{rideID: rideID, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryIndex) HoldLock(_ context.Context, driverID, rideID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[driverID]; ok && l.rideID != rideID && m.heldLocked(l) {
		return false, nil
	}
	m.locks[driverID] = memLock{rideID: rideID}
	return true, nil
}

func (m *MemoryIndex) heldLocked(l memLock) bool {
	return l.expires.IsZero() || m.now().Before(l.expires)
}

func (m *MemoryIndex) ReleaseLock(_ context.Context, driverID, rideID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[driverID]; ok && l.rideID == rideID {
		delete(m.locks, driverID)
	}
	return nil
}
