package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements the Store interface in process memory. It backs
// tests and deployments that run without a database file.
type MemoryStore struct {
	mu          sync.RWMutex
	devices     map[string]*DeviceRecord
	modules     map[string]*ModuleRecord
	deployments map[string]*DeploymentRecord
	events      []*Event
	nextEventID int64

	// FailWrites simulates store unavailability for degraded-mode tests.
	FailWrites bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:     make(map[string]*DeviceRecord),
		modules:     make(map[string]*ModuleRecord),
		deployments: make(map[string]*DeploymentRecord),
		nextEventID: 1,
	}
}

// Init is a no-op for the memory store.
func (s *MemoryStore) Init(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// Migrate is a no-op for the memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) writeErr() error {
	if s.FailWrites {
		return fmt.Errorf("store unavailable")
	}
	return nil
}

// UpsertDevice inserts or replaces a device record.
func (s *MemoryStore) UpsertDevice(_ context.Context, rec *DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	cp := *rec
	s.devices[rec.ID] = &cp
	return nil
}

// GetDevice retrieves a device record by id.
func (s *MemoryStore) GetDevice(_ context.Context, id string) (*DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// ListDevices lists device records ordered by id.
func (s *MemoryStore) ListDevices(_ context.Context, limit, offset int) ([]*DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return paginate(ids, limit, offset, func(id string) *DeviceRecord {
		cp := *s.devices[id]
		return &cp
	}), nil
}

// DeleteDevice removes a device record; absent ids are a no-op.
func (s *MemoryStore) DeleteDevice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	delete(s.devices, id)
	return nil
}

// UpsertModule inserts or replaces a module record.
func (s *MemoryStore) UpsertModule(_ context.Context, rec *ModuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	cp := *rec
	s.modules[rec.ID] = &cp
	return nil
}

// GetModule retrieves a module record by id.
func (s *MemoryStore) GetModule(_ context.Context, id string) (*ModuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.modules[id]
	if !ok {
		return nil, fmt.Errorf("module %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// ListModules lists module records ordered by id.
func (s *MemoryStore) ListModules(_ context.Context, limit, offset int) ([]*ModuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.modules))
	for id := range s.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return paginate(ids, limit, offset, func(id string) *ModuleRecord {
		cp := *s.modules[id]
		return &cp
	}), nil
}

// DeleteModule removes a module record.
func (s *MemoryStore) DeleteModule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	if _, ok := s.modules[id]; !ok {
		return fmt.Errorf("module %s: %w", id, ErrNotFound)
	}
	delete(s.modules, id)
	return nil
}

// UpsertDeployment inserts or replaces a deployment record.
func (s *MemoryStore) UpsertDeployment(_ context.Context, rec *DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	cp := *rec
	s.deployments[rec.ID] = &cp
	return nil
}

// GetDeployment retrieves a deployment record by id.
func (s *MemoryStore) GetDeployment(_ context.Context, id string) (*DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// ListDeployments lists deployment records, newest first.
func (s *MemoryStore) ListDeployments(_ context.Context, limit, offset int) ([]*DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*DeploymentRecord, 0, len(s.deployments))
	for _, rec := range s.deployments {
		cp := *rec
		recs = append(recs, &cp)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if offset >= len(recs) {
		return []*DeploymentRecord{}, nil
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs, nil
}

// AppendEvent appends one event to the log.
func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	event.ID = s.nextEventID
	s.nextEventID++
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// GetEvents retrieves events with optional filters, newest first.
func (s *MemoryStore) GetEvents(_ context.Context, deploymentID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := []*Event{}
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if deploymentID != nil && (ev.DeploymentID == nil || *ev.DeploymentID != *deploymentID) {
			continue
		}
		if level != nil && ev.Level != *level {
			continue
		}
		cp := *ev
		matched = append(matched, &cp)
	}
	if offset >= len(matched) {
		return []*Event{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// HealthCheck reports store availability.
func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeErr()
}

func paginate[T any](ids []string, limit, offset int, get func(string) T) []T {
	if offset >= len(ids) {
		return []T{}
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, get(id))
	}
	return out
}
