package biometric

import (
	"context"
	"sort"
	"sync"
)

// TemplateStore persists enrollments. Writes must be all-or-nothing.
type TemplateStore interface {
	// GetEnrollment returns nil, nil when the pair has no enrollment.
	GetEnrollment(ctx context.Context, userID string, m Modality) (*Enrollment, error)
	PutEnrollment(ctx context.Context, e *Enrollment) error
	ListEnrollments(ctx context.Context, userID string) ([]Enrollment, error)
}

type pairKey struct {
	user     string
	modality Modality
}

// MemoryStore is an in-process TemplateStore.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[pairKey]Enrollment
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[pairKey]Enrollment)}
}

func (s *MemoryStore) GetEnrollment(_ context.Context, userID string, m Modality) (*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.recs[pairKey{userID, m}]
	if !ok {
		return nil, nil
	}
	e = cloneEnrollment(e)
	return &e, nil
}

func (s *MemoryStore) PutEnrollment(_ context.Context, e *Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs[pairKey{e.UserID, e.Modality}] = cloneEnrollment(*e)
	return nil
}

func (s *MemoryStore) ListEnrollments(_ context.Context, userID string) ([]Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Enrollment
	for k, e := range s.recs {
		if k.user == userID {
			out = append(out, cloneEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Modality < out[j].Modality })
	return out, nil
}

func cloneEnrollment(e Enrollment) Enrollment {
	if e.Template.Descriptor != nil {
		d := make(Descriptor, len(e.Template.Descriptor))
		copy(d, e.Template.Descriptor)
		e.Template.Descriptor = d
	}
	return e
}
