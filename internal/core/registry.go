// Package core contains the registry's business logic: the entity store,
// heartbeat health scoring, the dependency graph and its impact walk, and
// configuration loading.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// RegisterInput describes a new entity. Extension may be nil, in which case
// an empty extension of the right kind is attached.
type RegisterInput struct {
	Kind         models.EntityKind
	Name         string
	Capabilities []string
	Tags         []string
	Metadata     map[string]string
	Extension    *models.Extension
}

// EntityRegistry owns the entity lifecycle.
type EntityRegistry interface {
	Register(ctx context.Context, in RegisterInput) (*models.Entity, error)
	UpdateStatus(ctx context.Context, id string, status models.EntityStatus) error
	Get(ctx context.Context, id string) (*models.Entity, error)
	List(ctx context.Context, filter models.EntityFilter) ([]*models.Entity, error)
	Deregister(ctx context.Context, id string) error
}

type entityRegistry struct {
	*writer
	graph *impactPropagator
}

// NewEntityRegistry creates an EntityRegistry backed by store.
func NewEntityRegistry(store storage.RegistryStore, opts Options) EntityRegistry {
	w := newWriter(store, opts)
	return &entityRegistry{writer: w, graph: &impactPropagator{writer: w}}
}

// Register creates an entity in its kind's initial status. Names are unique
// among live entities of the same kind.
func (r *entityRegistry) Register(ctx context.Context, in RegisterInput) (*models.Entity, error) {
	if !in.Kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown entity kind %q", in.Kind)}
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}

	ext, err := models.NewExtension(in.Kind)
	if err != nil {
		return nil, &ValidationError{Field: "kind", Reason: err.Error()}
	}
	if in.Extension != nil {
		extKind, err := in.Extension.Kind()
		if err != nil {
			return nil, &ValidationError{Field: "extension", Reason: err.Error()}
		}
		if extKind != "" && extKind != in.Kind {
			return nil, &ValidationError{
				Field:  "extension",
				Reason: fmt.Sprintf("%s extension given for a %s", extKind, in.Kind),
			}
		}
		if extKind != "" {
			ext = *in.Extension
		}
	}

	// Serialize registrations of one name so the uniqueness check and the
	// insert cannot interleave inside this process.
	unlock := r.locks.Lock("name:" + string(in.Kind) + ":" + name)
	defer unlock()

	if _, err := r.store.FindEntityByName(ctx, in.Kind, name); err == nil {
		return nil, &DuplicateNameError{Kind: in.Kind, Name: name}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("checking name %q: %w", name, err)
	}

	now := r.now()
	e := &models.Entity{
		ID:               uuid.NewString(),
		Name:             name,
		Kind:             in.Kind,
		Status:           models.InitialStatus(in.Kind),
		DependencyImpact: 100,
		Capabilities:     normalizeSet(in.Capabilities),
		Tags:             normalizeSet(in.Tags),
		Metadata:         copyMetadata(in.Metadata),
		Extension:        ext,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateEntity(ctx, e); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, &DuplicateNameError{Kind: in.Kind, Name: name}
		}
		return nil, fmt.Errorf("registering %s %q: %w", in.Kind, name, err)
	}

	r.invalidateEntity(e)
	r.observer.StatusChanged(e.Kind, e.Status)
	r.emit(ctx, models.EventRegistered, e, map[string]any{
		"name":   e.Name,
		"status": string(e.Status),
	})
	r.log.Info("entity registered",
		zap.String("entity_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("name", e.Name))
	return e.Clone(), nil
}

// UpdateStatus moves an entity to a status its kind allows. Setting the
// current status again is a no-op and emits nothing.
func (r *entityRegistry) UpdateStatus(ctx context.Context, id string, status models.EntityStatus) error {
	before, after, err := r.mutate(ctx, id, func(e *models.Entity) (bool, error) {
		if e.Archived() || !models.StatusAllowed(e.Kind, status) {
			return false, &InvalidStateTransitionError{EntityID: e.ID, Kind: e.Kind, From: e.Status, To: status}
		}
		if e.Status == status {
			return false, nil
		}
		e.Status = status
		return true, nil
	})
	if err != nil {
		return err
	}
	if before.Version == after.Version {
		return nil
	}

	r.observer.StatusChanged(after.Kind, after.Status)
	r.emit(ctx, models.EventStatusChanged, after, map[string]any{
		"old_status": string(before.Status),
		"new_status": string(after.Status),
	})
	return nil
}

func (r *entityRegistry) Get(ctx context.Context, id string) (*models.Entity, error) {
	return r.getEntity(ctx, id)
}

func (r *entityRegistry) List(ctx context.Context, filter models.EntityFilter) ([]*models.Entity, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown entity kind %q", filter.Kind)}
	}
	entities, err := r.store.ListEntities(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	return entities, nil
}

// Deregister archives the entity and removes the dependency edges it owns.
// Deregistering an archived entity does nothing.
func (r *entityRegistry) Deregister(ctx context.Context, id string) error {
	before, after, err := r.mutate(ctx, id, func(e *models.Entity) (bool, error) {
		if e.Archived() {
			return false, nil
		}
		e.Status = models.StatusArchived
		return true, nil
	})
	if err != nil {
		return err
	}
	if before.Version == after.Version {
		return nil
	}

	removed, err := r.store.RemoveDependenciesFrom(ctx, id)
	if err != nil {
		return fmt.Errorf("removing dependencies of %s: %w", id, err)
	}
	r.cache.InvalidateByTag(TagDependencies)
	for _, d := range removed {
		r.cache.InvalidateByTag(d.DependsOnID)
		r.emit(ctx, models.EventDependencyRemoved, after, map[string]any{
			"depends_on_id": d.DependsOnID,
			"type":          string(d.Type),
			"reason":        "deregistered",
		})
	}

	r.observer.StatusChanged(after.Kind, after.Status)
	r.emit(ctx, models.EventDeregistered, after, map[string]any{
		"old_status":    string(before.Status),
		"removed_edges": len(removed),
		"name":          after.Name,
	})

	// Dependents now see this entity as gone.
	if err := r.graph.refreshDependents(ctx, id); err != nil {
		r.log.Warn("refreshing dependents after deregister failed",
			zap.String("entity_id", id), zap.Error(err))
	}
	r.log.Info("entity deregistered", zap.String("entity_id", id), zap.Int("removed_edges", len(removed)))
	return nil
}

// normalizeSet trims, deduplicates and sorts a string set.
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
