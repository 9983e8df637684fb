// Package memory provides concurrency-safe in-memory implementations of the
// sequence and enrollment repositories, the audience matcher and the
// contact/workspace directories. It backs tests and `--store=memory` runs.
package memory

import (
	"sort"
	"sync"

	"github.com/ignite/sequence-engine/internal/domain"
)

type markerKey struct {
	enrollmentID string
	step         int
}

// Store holds every entity behind one mutex, which makes each repository
// call trivially atomic.
type Store struct {
	mu          sync.Mutex
	sequences   map[string]*domain.Sequence
	enrollments map[string]*domain.Enrollment
	logs        []domain.StepLog
	tokens      map[string]string    // enrollment id -> live claim token
	markers     map[markerKey]string // dispatch marker -> token that wrote it
	contacts    map[string]*domain.Contact
	workspaces  map[string]*domain.Workspace
	inserted    map[string]int64
	counter     int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sequences:   make(map[string]*domain.Sequence),
		enrollments: make(map[string]*domain.Enrollment),
		tokens:      make(map[string]string),
		markers:     make(map[markerKey]string),
		contacts:    make(map[string]*domain.Contact),
		workspaces:  make(map[string]*domain.Workspace),
		inserted:    make(map[string]int64),
	}
}

// touch records insertion order for stable newest-first listings.
func (s *Store) touch(id string) {
	s.counter++
	s.inserted[id] = s.counter
}

func copySequence(seq *domain.Sequence) *domain.Sequence {
	cp := *seq
	cp.Steps = append([]domain.Step(nil), seq.Steps...)
	if seq.FrequencyCapDays != nil {
		days := *seq.FrequencyCapDays
		cp.FrequencyCapDays = &days
	}
	return &cp
}

func copyEnrollment(e *domain.Enrollment) domain.Enrollment {
	return *e
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func (s *Store) newestFirst(ids []string, created func(string) int64) {
	sort.SliceStable(ids, func(i, j int) bool {
		ci, cj := created(ids[i]), created(ids[j])
		if ci != cj {
			return ci > cj
		}
		return s.inserted[ids[i]] > s.inserted[ids[j]]
	})
}
