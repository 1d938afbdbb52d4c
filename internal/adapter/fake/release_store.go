package fake

import (
	"context"
	"sync"

	"stevedore/internal/adapter/fake/fault"
	"stevedore/internal/release"
)

var _ release.Store = (*ReleaseStore)(nil)

// ReleaseStore keeps the latest record per release and the sequence of
// phases each release was saved with.
type ReleaseStore struct {
	CallRecorder
	mu      sync.Mutex
	records map[string]release.Release
	phases  map[string][]release.Phase

	Faults         *fault.Injector
	SaveReleaseErr func(ctx context.Context, r release.Release) error
}

func NewReleaseStore() *ReleaseStore {
	return &ReleaseStore{
		records: make(map[string]release.Release),
		phases:  make(map[string][]release.Phase),
	}
}

func (s *ReleaseStore) SaveRelease(ctx context.Context, r release.Release) error {
	s.record("SaveRelease", r.ID, r.Phase)
	if err := s.Faults.Eval(fault.SaveRelease, r.ID, r.Phase); err != nil {
		return err
	}
	if s.SaveReleaseErr != nil {
		if err := s.SaveReleaseErr(ctx, r); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	phases := s.phases[r.ID]
	if len(phases) == 0 || phases[len(phases)-1] != r.Phase {
		s.phases[r.ID] = append(phases, r.Phase)
	}
	return nil
}

// Get returns the latest saved record.
func (s *ReleaseStore) Get(id string) (release.Release, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// Phases returns the distinct phases release id passed through, in order.
func (s *ReleaseStore) Phases(id string) []release.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]release.Phase(nil), s.phases[id]...)
}
