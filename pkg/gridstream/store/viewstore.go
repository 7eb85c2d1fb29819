package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/event"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/registry"
)

// ErrViewNotFound is returned when no view exists for an entity key.
var ErrViewNotFound = errors.New("view not found")

// View is the read-optimized projection of one entity: a mapping of field
// name to scalar value. The schema evolves by adding fields; readers
// tolerate fields they do not know.
type View struct {
	Key       string         `json:"key"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewView creates an empty view for an entity.
func NewView(key string) *View {
	return &View{Key: key, Fields: make(map[string]any)}
}

// Set stores a scalar field on the view.
func (v *View) Set(name string, value any) {
	if v.Fields == nil {
		v.Fields = make(map[string]any)
	}
	v.Fields[name] = value
}

// Get returns a field value, or nil when absent.
func (v *View) Get(name string) any {
	return v.Fields[name]
}

// String returns a string field, or "" when absent.
func (v *View) String(name string) string {
	if s, ok := v.Fields[name].(string); ok {
		return s
	}
	return ""
}

// Updater folds one event record into a view. It receives the current view
// (nil when the entity has no view yet) and returns the view to store.
// Updaters are registered by name on every process at startup; only the
// name crosses the process boundary.
type Updater func(old *View, rec event.Record) *View

// The entry processor under which view updates run on the owning partition.
const applyProcessor = "view.apply"

type applyArg struct {
	Updater string       `json:"updater"`
	Record  event.Record `json:"record"`
}

// ViewStore holds the mutable projections, keyed by entity key. Single-key
// updates run as a partition-local entry processor, so read-modify-write
// races are impossible without any distributed lock.
type ViewStore struct {
	m        grid.ProcessingMap
	events   *EventStore
	updaters *registry.Registry[string, Updater]
}

// NewViewStore creates a view store over the named map of the embedded
// grid, registering its partition-local apply processor.
func NewViewStore(g *grid.Local, mapName string, events *EventStore) *ViewStore {
	s := &ViewStore{
		m:        g.Map(mapName),
		events:   events,
		updaters: registry.New[string, Updater](),
	}
	g.RegisterProcessor(applyProcessor, s.processApply)
	return s
}

// RegisterUpdater registers a named updater function. Must be called at
// startup before events referencing the name reach the pipeline.
func (s *ViewStore) RegisterUpdater(name string, fn Updater) {
	s.updaters.Register(name, fn)
}

// Get returns the view for key, or ErrViewNotFound.
func (s *ViewStore) Get(ctx context.Context, key string) (*View, error) {
	data, ok, err := s.m.Get(ctx, key)
	if err != nil {
		return nil, gserrors.GridUnavailable("view read", err)
	}
	if !ok {
		return nil, ErrViewNotFound
	}
	return decodeView(data)
}

// Put stores the view for key.
func (s *ViewStore) Put(ctx context.Context, key string, v *View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.m.Put(ctx, key, data); err != nil {
		return gserrors.GridUnavailable("view write", err)
	}
	return nil
}

// Purge removes the view for key. The view is re-creatable via Rebuild.
func (s *ViewStore) Purge(ctx context.Context, key string) error {
	if err := s.m.Delete(ctx, key); err != nil {
		return gserrors.GridUnavailable("view purge", err)
	}
	return nil
}

// ApplyEvent atomically folds the record into the view for key using the
// updater registered under updaterName. The fold runs on the partition
// owning the key.
func (s *ViewStore) ApplyEvent(ctx context.Context, key string, rec event.Record, updaterName string) (*View, error) {
	arg, err := json.Marshal(applyArg{Updater: updaterName, Record: rec})
	if err != nil {
		return nil, err
	}
	data, err := s.m.Process(ctx, key, applyProcessor, arg)
	if err != nil {
		return nil, err
	}
	return decodeView(data)
}

// processApply is the partition-local entry processor body.
func (s *ViewStore) processApply(key string, value []byte, rawArg []byte) ([]byte, error) {
	var arg applyArg
	if err := json.Unmarshal(rawArg, &arg); err != nil {
		return nil, err
	}
	fn, ok := s.updaters.Get(arg.Updater)
	if !ok {
		return nil, fmt.Errorf("no view updater registered under %q", arg.Updater)
	}

	var old *View
	if value != nil {
		v, err := decodeView(value)
		if err != nil {
			return nil, err
		}
		old = v
	}

	next := fn(old, arg.Record)
	if next == nil {
		next = NewView(key)
	}
	next.Key = key
	next.Version++
	if old != nil && next.Version <= old.Version {
		next.Version = old.Version + 1
	}
	next.UpdatedAt = time.Now()
	return json.Marshal(next)
}

// Rebuild replays the entity's full event history through the updater and
// stores the resulting view, replacing whatever was there.
func (s *ViewStore) Rebuild(ctx context.Context, key string, updaterName string) (*View, error) {
	fn, ok := s.updaters.Get(updaterName)
	if !ok {
		return nil, fmt.Errorf("no view updater registered under %q", updaterName)
	}
	records, err := s.events.ByEntity(ctx, key)
	if err != nil {
		return nil, err
	}

	var v *View
	for _, rec := range records {
		v = fn(v, rec)
		if v == nil {
			v = NewView(key)
		}
		v.Version++
	}
	if v == nil {
		return nil, ErrViewNotFound
	}
	v.Key = key
	v.UpdatedAt = time.Now()
	if err := s.Put(ctx, key, v); err != nil {
		return nil, err
	}
	return v, nil
}

// RebuildAll rebuilds every entity present in the event store. Entities are
// processed in sorted key order so an interrupted rebuild can resume from
// the last reported key.
func (s *ViewStore) RebuildAll(ctx context.Context, updaterName string, resumeAfter string) (last string, err error) {
	entities, err := s.events.EntityKeys(ctx)
	if err != nil {
		return "", err
	}
	for _, key := range entities {
		if resumeAfter != "" && key <= resumeAfter {
			continue
		}
		if err := ctx.Err(); err != nil {
			return last, err
		}
		if _, err := s.Rebuild(ctx, key, updaterName); err != nil {
			return last, fmt.Errorf("rebuild %s: %w", key, err)
		}
		last = key
	}
	return last, nil
}

func decodeView(data []byte) (*View, error) {
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode view: %w", err)
	}
	return &v, nil
}
