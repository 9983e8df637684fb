package memory

import (
	"context"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/service/sequence"
)

// SequenceRepo is the sequence.Repository view of a Store.
type SequenceRepo struct{ s *Store }

var _ sequence.Repository = (*SequenceRepo)(nil)

// Sequences returns the sequence repository backed by s.
func (s *Store) Sequences() *SequenceRepo { return &SequenceRepo{s: s} }

func (r *SequenceRepo) Get(_ context.Context, id string) (*domain.Sequence, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seq, ok := r.s.sequences[id]
	if !ok {
		return nil, sequence.ErrNotFound
	}
	return copySequence(seq), nil
}

func (r *SequenceRepo) List(_ context.Context, workspaceID string, f sequence.ListFilter) ([]domain.Sequence, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for id, seq := range r.s.sequences {
		if workspaceID != "" && seq.WorkspaceID != workspaceID {
			continue
		}
		if f.Status != "" && string(seq.Status) != f.Status {
			continue
		}
		ids = append(ids, id)
	}
	r.s.newestFirst(ids, func(id string) int64 { return r.s.sequences[id].CreatedAt.UnixNano() })
	total := len(ids)
	var out []domain.Sequence
	for _, id := range paginate(ids, f.Limit, f.Offset) {
		cp := copySequence(r.s.sequences[id])
		cp.Steps = nil
		out = append(out, *cp)
	}
	return out, total, nil
}

func (r *SequenceRepo) ListActiveByTrigger(_ context.Context, trigger domain.TriggerType) ([]domain.Sequence, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Sequence
	for _, seq := range r.s.sequences {
		if seq.Status == domain.SequenceActive && seq.Trigger != nil && seq.Trigger.Type() == trigger {
			out = append(out, *copySequence(seq))
		}
	}
	return out, nil
}

func (r *SequenceRepo) Create(_ context.Context, seq *domain.Sequence) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sequences[seq.ID] = copySequence(seq)
	r.s.touch(seq.ID)
	return nil
}

func (r *SequenceRepo) Update(_ context.Context, seq *domain.Sequence) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.sequences[seq.ID]
	if !ok {
		return sequence.ErrNotFound
	}
	next := copySequence(seq)
	next.Status = cur.Status
	next.Steps = cur.Steps
	r.s.sequences[seq.ID] = next
	return nil
}

func (r *SequenceRepo) ReplaceSteps(_ context.Context, sequenceID string, steps []domain.Step) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.sequences[sequenceID]
	if !ok {
		return sequence.ErrNotFound
	}
	cur.Steps = append([]domain.Step(nil), steps...)
	return nil
}

func (r *SequenceRepo) UpdateStatus(_ context.Context, id string, from, to domain.SequenceStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.sequences[id]
	if !ok {
		return sequence.ErrNotFound
	}
	if cur.Status != from {
		return sequence.ErrInvalidTransition
	}
	cur.Status = to
	return nil
}

// Delete cascades to enrollments, logs and markers of the sequence.
func (r *SequenceRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sequences[id]; !ok {
		return sequence.ErrNotFound
	}
	delete(r.s.sequences, id)
	for eid, e := range r.s.enrollments {
		if e.SequenceID != id {
			continue
		}
		delete(r.s.enrollments, eid)
		delete(r.s.tokens, eid)
		for k := range r.s.markers {
			if k.enrollmentID == eid {
				delete(r.s.markers, k)
			}
		}
	}
	kept := r.s.logs[:0]
	for _, l := range r.s.logs {
		if l.SequenceID != id {
			kept = append(kept, l)
		}
	}
	r.s.logs = kept
	return nil
}
