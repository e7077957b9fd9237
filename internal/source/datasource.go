// Package source defines the DataSource capability set (§4.4) and a
// registry binding (EntityName, SourceName) pairs to concrete
// implementations, replacing the source program's compile-time
// type-tagged dispatch with a runtime registry per §9's redesign note.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/model"
)

// ErrMissing is returned by Get when the requested document does not
// exist on the source. It is distinct from a transport error.
var ErrMissing = errors.New("source: document missing")

// DataSource is the capability set every configured source must
// implement. The reconciliation worker is the sole caller; it wraps
// every call in a timeout and converts raw failures into
// model.SourceError.
type DataSource interface {
	// Get fetches the document for fk. It returns ErrMissing (wrapped or
	// bare, checked with errors.Is) if fk does not exist on this source.
	Get(ctx context.Context, fk model.ForeignKey) (*document.Document, error)
	// Set writes doc to the source. If fk is the zero ForeignKey, the
	// source allocates and returns a fresh one; otherwise it overwrites
	// the document at fk and returns fk unchanged.
	Set(ctx context.Context, doc *document.Document, fk model.ForeignKey) (model.ForeignKey, error)
	// Delete removes the document at fk. Deleting an absent fk is not an
	// error.
	Delete(ctx context.Context, fk model.ForeignKey) error
	// Init prepares the source for use (e.g. opening a connection pool).
	Init(ctx context.Context) error
	// Close releases any resources Init acquired.
	Close() error
}

// Registry binds (EntityName, SourceName) pairs to constructed
// DataSources, mirroring the teacher's crud.Registry: register once at
// startup, look up at dispatch time, and refuse operations on an
// unregistered pair per §9's safety note.
type Registry struct {
	sources map[key]DataSource
	// order preserves the configured source order per entity, which the
	// worker's Update step relies on for deterministic alignment of
	// per-source diffs.
	order map[model.EntityName][]model.SourceName
}

type key struct {
	Entity model.EntityName
	Source model.SourceName
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sources: map[key]DataSource{}, order: map[model.EntityName][]model.SourceName{}}
}

// Register binds (entity, src) to ds. It is an error to register the
// same pair twice.
func (r *Registry) Register(entity model.EntityName, src model.SourceName, ds DataSource) error {
	k := key{entity, src}
	if _, exists := r.sources[k]; exists {
		return fmt.Errorf("source %s/%s already registered", entity, src)
	}
	r.sources[k] = ds
	r.order[entity] = append(r.order[entity], src)
	return nil
}

// MustRegister is Register but panics on error, for use during startup
// wiring where a duplicate registration is a programming error.
func (r *Registry) MustRegister(entity model.EntityName, src model.SourceName, ds DataSource) {
	if err := r.Register(entity, src, ds); err != nil {
		panic(err)
	}
}

// Lookup returns the DataSource for (entity, src), refusing unknown
// pairs rather than returning a zero value, per §9.
func (r *Registry) Lookup(entity model.EntityName, src model.SourceName) (DataSource, error) {
	ds, ok := r.sources[key{entity, src}]
	if !ok {
		return nil, fmt.Errorf("no data source registered for %s/%s", entity, src)
	}
	return ds, nil
}

// Sources returns the configured sources for entity in configuration
// order.
func (r *Registry) Sources(entity model.EntityName) []model.SourceName {
	return r.order[entity]
}

// Entities returns every entity with at least one registered source.
func (r *Registry) Entities() []model.EntityName {
	out := make([]model.EntityName, 0, len(r.order))
	for e := range r.order {
		out = append(out, e)
	}
	return out
}

// InitAll calls Init on every registered source, returning on the
// first error. Called once at process startup.
func (r *Registry) InitAll(ctx context.Context) error {
	for k, ds := range r.sources {
		if err := ds.Init(ctx); err != nil {
			return fmt.Errorf("initializing source %s/%s: %w", k.Entity, k.Source, err)
		}
	}
	return nil
}

// CloseAll calls Close on every registered source, collecting but not
// stopping at errors.
func (r *Registry) CloseAll() error {
	var errs []error
	for k, ds := range r.sources {
		if err := ds.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing source %s/%s: %w", k.Entity, k.Source, err))
		}
	}
	return errors.Join(errs...)
}
