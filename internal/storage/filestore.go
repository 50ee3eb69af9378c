package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/valter-silva-au/agent-registry/pkg/models"
	"gopkg.in/yaml.v3"
)

// RegistryFile represents the top-level structure of registry.yaml.
type RegistryFile struct {
	Version       string                           `yaml:"version"`
	Entities      map[string]*models.Entity        `yaml:"entities"`
	Dependencies  []models.Dependency              `yaml:"dependencies"`
	Subscriptions map[string]*models.Subscription  `yaml:"subscriptions"`
	Samples       map[string][]models.HealthSample `yaml:"samples"`
}

func newRegistryFile() RegistryFile {
	return RegistryFile{
		Version:       "1.0",
		Entities:      make(map[string]*models.Entity),
		Subscriptions: make(map[string]*models.Subscription),
		Samples:       make(map[string][]models.HealthSample),
	}
}

// fileRegistryStore keeps the registry in memory and mirrors every mutation
// to registry.yaml. Mutations hold an flock on registry.lock and reload the
// file first when another process changed it.
type fileRegistryStore struct {
	basePath string

	mu       sync.RWMutex
	data     RegistryFile
	diskMod  time.Time
	diskSize int64
	// stale is set when memory may hold a mutation that never reached disk.
	stale bool

	rename func(oldpath, newpath string) error
}

// NewFileStore creates a RegistryStore backed by registry.yaml in basePath.
func NewFileStore(basePath string) (RegistryStore, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	s := &fileRegistryStore{basePath: basePath, data: newRegistryFile(), rename: os.Rename}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileRegistryStore) filePath() string {
	return filepath.Join(s.basePath, "registry.yaml")
}

func (s *fileRegistryStore) lockPath() string {
	return filepath.Join(s.basePath, "registry.lock")
}

// load reads registry.yaml into memory. Callers hold s.mu for writing.
func (s *fileRegistryStore) load() error {
	info, err := os.Stat(s.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			s.data = newRegistryFile()
			s.diskMod, s.diskSize = time.Time{}, 0
			s.stale = false
			return nil
		}
		return fmt.Errorf("stat registry file: %w", err)
	}

	raw, err := os.ReadFile(s.filePath())
	if err != nil {
		return fmt.Errorf("reading registry file: %w", err)
	}
	data := newRegistryFile()
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing registry file: %w", err)
	}
	if data.Entities == nil {
		data.Entities = make(map[string]*models.Entity)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = make(map[string]*models.Subscription)
	}
	if data.Samples == nil {
		data.Samples = make(map[string][]models.HealthSample)
	}
	s.data = data
	s.diskMod, s.diskSize = info.ModTime(), info.Size()
	s.stale = false
	return nil
}

// save writes the in-memory registry to disk via a temp file and rename.
func (s *fileRegistryStore) save() error {
	raw, err := yaml.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("marshalling registry: %w", err)
	}
	tmp, err := os.CreateTemp(s.basePath, ".registry-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing registry file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod registry file: %w", err)
	}
	if err := s.rename(tmpName, s.filePath()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing registry file: %w", err)
	}
	if info, err := os.Stat(s.filePath()); err == nil {
		s.diskMod, s.diskSize = info.ModTime(), info.Size()
	}
	return nil
}

func (s *fileRegistryStore) changedOnDisk() bool {
	if s.stale {
		return true
	}
	info, err := os.Stat(s.filePath())
	if err != nil {
		return !s.diskMod.IsZero()
	}
	return !info.ModTime().Equal(s.diskMod) || info.Size() != s.diskSize
}

// mutate runs fn against fresh data under both locks and persists the
// result. A failed save leaves the store stale so the next access reloads
// from disk instead of serving the unsaved change.
func (s *fileRegistryStore) mutate(fn func(d *RegistryFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := LockFile(s.lockPath())
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	if s.changedOnDisk() {
		if err := s.load(); err != nil {
			return err
		}
	}
	if err := fn(&s.data); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		s.stale = true
		return err
	}
	return nil
}

// read runs fn against the current data, reloading first if needed.
func (s *fileRegistryStore) read(fn func(d *RegistryFile) error) error {
	s.mu.RLock()
	if !s.changedOnDisk() {
		defer s.mu.RUnlock()
		return fn(&s.data)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changedOnDisk() {
		if err := s.load(); err != nil {
			return err
		}
	}
	return fn(&s.data)
}

// --- Entities ---

func (s *fileRegistryStore) CreateEntity(_ context.Context, e *models.Entity) error {
	return s.mutate(func(d *RegistryFile) error {
		if _, exists := d.Entities[e.ID]; exists {
			return fmt.Errorf("entity %s: %w", e.ID, ErrExists)
		}
		for _, other := range d.Entities {
			if other.Kind == e.Kind && other.Name == e.Name && !other.Archived() {
				return fmt.Errorf("%s %q: %w", e.Kind, e.Name, ErrExists)
			}
		}
		d.Entities[e.ID] = e.Clone()
		return nil
	})
}

func (s *fileRegistryStore) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	var out *models.Entity
	err := s.read(func(d *RegistryFile) error {
		e, ok := d.Entities[id]
		if !ok {
			return fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		out = e.Clone()
		return nil
	})
	return out, err
}

func (s *fileRegistryStore) FindEntityByName(_ context.Context, kind models.EntityKind, name string) (*models.Entity, error) {
	var out *models.Entity
	err := s.read(func(d *RegistryFile) error {
		for _, e := range d.Entities {
			if e.Kind == kind && e.Name == name && !e.Archived() {
				out = e.Clone()
				return nil
			}
		}
		return fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	})
	return out, err
}

func (s *fileRegistryStore) ListEntities(_ context.Context, filter models.EntityFilter) ([]*models.Entity, error) {
	var out []*models.Entity
	err := s.read(func(d *RegistryFile) error {
		for _, e := range d.Entities {
			if matchesEntityFilter(e, filter) {
				out = append(out, e.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out, err
}

func (s *fileRegistryStore) UpdateEntity(_ context.Context, e *models.Entity, expectedVersion int64) error {
	return s.mutate(func(d *RegistryFile) error {
		current, ok := d.Entities[e.ID]
		if !ok {
			return fmt.Errorf("entity %s: %w", e.ID, ErrNotFound)
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("entity %s at version %d, expected %d: %w", e.ID, current.Version, expectedVersion, ErrConflict)
		}
		next := e.Clone()
		next.Version = expectedVersion + 1
		d.Entities[e.ID] = next
		e.Version = next.Version
		return nil
	})
}

// --- Health samples ---

func (s *fileRegistryStore) AppendSample(_ context.Context, sample models.HealthSample, keep int) error {
	return s.mutate(func(d *RegistryFile) error {
		samples := append(d.Samples[sample.EntityID], sample)
		if keep > 0 && len(samples) > keep {
			samples = samples[len(samples)-keep:]
		}
		d.Samples[sample.EntityID] = samples
		return nil
	})
}

func (s *fileRegistryStore) ListSamples(_ context.Context, entityID string, limit int) ([]models.HealthSample, error) {
	var out []models.HealthSample
	err := s.read(func(d *RegistryFile) error {
		samples := d.Samples[entityID]
		for i := len(samples) - 1; i >= 0; i-- {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, samples[i])
		}
		return nil
	})
	return out, err
}

// --- Dependencies ---

func (s *fileRegistryStore) AddDependency(_ context.Context, dep models.Dependency) error {
	return s.mutate(func(d *RegistryFile) error {
		for _, existing := range d.Dependencies {
			if existing.Key() == dep.Key() {
				return fmt.Errorf("dependency %s: %w", dep.Key(), ErrExists)
			}
		}
		d.Dependencies = append(d.Dependencies, dep)
		return nil
	})
}

func (s *fileRegistryStore) RemoveDependency(_ context.Context, serviceID, dependsOnID string) error {
	key := models.Dependency{ServiceID: serviceID, DependsOnID: dependsOnID}.Key()
	return s.mutate(func(d *RegistryFile) error {
		for i, existing := range d.Dependencies {
			if existing.Key() == key {
				d.Dependencies = append(d.Dependencies[:i], d.Dependencies[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("dependency %s: %w", key, ErrNotFound)
	})
}

func (s *fileRegistryStore) RemoveDependenciesFrom(_ context.Context, serviceID string) ([]models.Dependency, error) {
	var removed []models.Dependency
	err := s.mutate(func(d *RegistryFile) error {
		kept := d.Dependencies[:0]
		for _, existing := range d.Dependencies {
			if existing.ServiceID == serviceID {
				removed = append(removed, existing)
				continue
			}
			kept = append(kept, existing)
		}
		d.Dependencies = kept
		return nil
	})
	return removed, err
}

func (s *fileRegistryStore) ListDependencies(_ context.Context, serviceID string) ([]models.Dependency, error) {
	return s.selectDependencies(func(dep models.Dependency) bool { return dep.ServiceID == serviceID })
}

func (s *fileRegistryStore) ListDependents(_ context.Context, dependsOnID string) ([]models.Dependency, error) {
	return s.selectDependencies(func(dep models.Dependency) bool { return dep.DependsOnID == dependsOnID })
}

func (s *fileRegistryStore) AllDependencies(_ context.Context) ([]models.Dependency, error) {
	return s.selectDependencies(func(models.Dependency) bool { return true })
}

func (s *fileRegistryStore) selectDependencies(keep func(models.Dependency) bool) ([]models.Dependency, error) {
	var out []models.Dependency
	err := s.read(func(d *RegistryFile) error {
		for _, dep := range d.Dependencies {
			if keep(dep) {
				out = append(out, dep)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, err
}

// --- Subscriptions ---

func (s *fileRegistryStore) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	return s.mutate(func(d *RegistryFile) error {
		if _, exists := d.Subscriptions[sub.ID]; exists {
			return fmt.Errorf("subscription %s: %w", sub.ID, ErrExists)
		}
		c := *sub
		d.Subscriptions[sub.ID] = &c
		return nil
	})
}

func (s *fileRegistryStore) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.read(func(d *RegistryFile) error {
		sub, ok := d.Subscriptions[id]
		if !ok {
			return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		c := *sub
		out = &c
		return nil
	})
	return out, err
}

func (s *fileRegistryStore) ListSubscriptions(_ context.Context, activeOnly bool) ([]*models.Subscription, error) {
	var out []*models.Subscription
	err := s.read(func(d *RegistryFile) error {
		for _, sub := range d.Subscriptions {
			if activeOnly && !sub.Active {
				continue
			}
			c := *sub
			out = append(out, &c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (s *fileRegistryStore) DeactivateSubscription(_ context.Context, id string, at time.Time) error {
	return s.mutate(func(d *RegistryFile) error {
		sub, ok := d.Subscriptions[id]
		if !ok {
			return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		if sub.Active {
			sub.Active = false
			sub.DeactivatedAt = &at
		}
		return nil
	})
}

func (s *fileRegistryStore) RecordDelivery(_ context.Context, id string, outcome models.DeliveryOutcome, at time.Time) error {
	return s.mutate(func(d *RegistryFile) error {
		sub, ok := d.Subscriptions[id]
		if !ok {
			return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		switch outcome {
		case models.OutcomeDelivered:
			sub.SuccessfulDeliveries++
		case models.OutcomeDeadLetter:
			sub.FailedDeliveries++
		default:
			return fmt.Errorf("unknown delivery outcome %q", outcome)
		}
		sub.LastDeliveryAt = &at
		return nil
	})
}

func (s *fileRegistryStore) Close() error {
	return nil
}
