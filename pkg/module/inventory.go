package module

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/stores"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// Inventory is the in-memory module catalog, persisted write-through.
type Inventory struct {
	mu      sync.RWMutex
	modules map[string]*fleet.ModuleDescriptor

	inspector *Inspector
	store     stores.Store
	logger    *telemetry.Logger
}

// NewInventory creates a module inventory. inspector may be nil when
// artifact bytes are never registered directly (descriptor-only catalogs).
func NewInventory(inspector *Inspector, store stores.Store, logger *telemetry.Logger) *Inventory {
	return &Inventory{
		modules:   make(map[string]*fleet.ModuleDescriptor),
		inspector: inspector,
		store:     store,
		logger:    logger.NewComponentLogger("module-inventory"),
	}
}

// Load populates the catalog from the store at startup.
func (inv *Inventory) Load(ctx context.Context) error {
	// Limit -1 means no limit for both the SQLite and memory stores.
	recs, err := inv.store.ListModules(ctx, -1, 0)
	if err != nil {
		return fmt.Errorf("failed to load module catalog: %w", err)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, rec := range recs {
		mod, err := stores.RecordToModule(rec)
		if err != nil {
			inv.logger.WithError(err).WithModuleID(rec.ID).Warn("Skipping undecodable module record")
			continue
		}
		inv.modules[mod.ID] = mod
	}
	inv.logger.WithField("modules", len(inv.modules)).Info("Module catalog loaded")
	return nil
}

// Register validates and stores a module descriptor. When artifact bytes are
// provided they are inspected: the binary must compile, its digest must match
// any declared one, and its host-interface imports extend the module's
// required capabilities.
func (inv *Inventory) Register(ctx context.Context, mod fleet.ModuleDescriptor, artifact []byte) (*fleet.ModuleDescriptor, error) {
	if mod.ID == "" {
		return nil, fleet.NewPermanentError("module id is required", nil).
			WithCode(fleet.ErrCodeInvalidArtifact)
	}

	if len(artifact) > 0 && inv.inspector != nil {
		if err := Verify(artifact, mod.Artifact.SHA256); err != nil {
			return nil, err
		}
		insp, err := inv.inspector.Inspect(ctx, artifact)
		if err != nil {
			return nil, err
		}
		mod.Artifact.SHA256 = insp.SHA256
		mod.Artifact.SizeBytes = insp.SizeBytes
		mod.Exports = insp.Exports
		mod.RequiredCapabilities = fleet.NewCapabilitySet(
			append(mod.RequiredCapabilities.Clone(), insp.RequiredCapabilities...)...)
	}

	rec, err := stores.ModuleToRecord(&mod, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := inv.store.UpsertModule(ctx, rec); err != nil {
		return nil, err
	}

	inv.mu.Lock()
	cp := mod
	inv.modules[mod.ID] = &cp
	inv.mu.Unlock()

	inv.logger.WithModuleID(mod.ID).
		WithField("exports", len(mod.Exports)).
		Info("Module registered")
	out := mod
	return &out, nil
}

// Get returns a copy of the module descriptor.
func (inv *Inventory) Get(id string) (fleet.ModuleDescriptor, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.get(id)
}

// List returns copies of every catalogued module.
func (inv *Inventory) List() []fleet.ModuleDescriptor {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]fleet.ModuleDescriptor, 0, len(inv.modules))
	for id := range inv.modules {
		mod, _ := inv.get(id)
		out = append(out, mod)
	}
	return out
}

func (inv *Inventory) get(id string) (fleet.ModuleDescriptor, bool) {
	mod, ok := inv.modules[id]
	if !ok {
		return fleet.ModuleDescriptor{}, false
	}
	cp := *mod
	cp.RequiredCapabilities = mod.RequiredCapabilities.Clone()
	cp.ResourceThresholds = mod.ResourceThresholds.Clone()
	cp.Exports = append([]string(nil), mod.Exports...)
	return cp, true
}

// Delete removes a module from the catalog and the store.
func (inv *Inventory) Delete(ctx context.Context, id string) error {
	inv.mu.Lock()
	_, ok := inv.modules[id]
	delete(inv.modules, id)
	inv.mu.Unlock()
	if !ok {
		return fleet.NewPermanentError("module not found: "+id, nil).
			WithCode(fleet.ErrCodeNotFound)
	}
	return inv.store.DeleteModule(ctx, id)
}
