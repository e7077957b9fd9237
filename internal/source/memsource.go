package source

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/model"
)

// MemSource is an in-process DataSource backed by a map, used by unit
// and integration tests and by the `memory` driver in the config file
// for local experimentation without standing up a real backend.
type MemSource struct {
	mu   sync.Mutex
	docs map[string]*document.Document
}

// NewMemSource returns an empty MemSource.
func NewMemSource() *MemSource {
	return &MemSource{docs: map[string]*document.Document{}}
}

func (m *MemSource) Init(context.Context) error { return nil }
func (m *MemSource) Close() error                { return nil }

// Seed pre-populates fid with doc, for test setup.
func (m *MemSource) Seed(fid string, doc *document.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[fid] = doc.Clone()
}

func (m *MemSource) Get(_ context.Context, fk model.ForeignKey) (*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[fk.ID]
	if !ok {
		return nil, ErrMissing
	}
	return doc.Clone(), nil
}

func (m *MemSource) Set(_ context.Context, doc *document.Document, fk model.ForeignKey) (model.ForeignKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fk.ID == "" {
		fk.ID = uuid.NewString()
	}
	m.docs[fk.ID] = doc.Clone()
	return fk, nil
}

func (m *MemSource) Delete(_ context.Context, fk model.ForeignKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, fk.ID)
	return nil
}

// Snapshot returns a copy of every document currently held, for test
// assertions.
func (m *MemSource) Snapshot() map[string]*document.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*document.Document, len(m.docs))
	for k, v := range m.docs {
		out[k] = v.Clone()
	}
	return out
}

var _ DataSource = (*MemSource)(nil)
