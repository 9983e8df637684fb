package memory

import (
	"context"
	"sort"

	"github.com/ignite/sequence-engine/internal/domain"
)

// PutContact inserts or replaces a contact.
func (s *Store) PutContact(c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	cp.Categories = append([]string(nil), c.Categories...)
	s.contacts[c.ID] = &cp
}

// PutWorkspace inserts or replaces a workspace.
func (s *Store) PutWorkspace(w domain.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := w
	s.workspaces[w.ID] = &cp
}

func (s *Store) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, domain.ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetWorkspace(_ context.Context, id string) (*domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, domain.ErrWorkspaceNotFound
	}
	cp := *w
	return &cp, nil
}

// MatchAudience filters the workspace's contacts through q.Audience and
// drops contacts enrolled into q.SequenceID within the exclusion window.
// Results are sorted by contact ID.
func (s *Store) MatchAudience(_ context.Context, q domain.AudienceQuery) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recent := make(map[string]bool)
	if q.ExcludeEnrolledWithin > 0 {
		since := q.Now.Add(-q.ExcludeEnrolledWithin)
		for _, e := range s.enrollments {
			if e.SequenceID == q.SequenceID && e.EnrolledAt.After(since) {
				recent[e.ContactID] = true
			}
		}
	}
	var ids []string
	for id, c := range s.contacts {
		if c.WorkspaceID != q.WorkspaceID || recent[id] {
			continue
		}
		if q.Audience == nil || q.Audience.Matches(*c, q.Now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
