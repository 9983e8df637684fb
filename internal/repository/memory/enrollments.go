package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
)

// EnrollmentRepo is the enrollment.Repository view of a Store.
type EnrollmentRepo struct{ s *Store }

var _ enrollment.Repository = (*EnrollmentRepo)(nil)

// Enrollments returns the enrollment repository backed by s.
func (s *Store) Enrollments() *EnrollmentRepo { return &EnrollmentRepo{s: s} }

func (r *EnrollmentRepo) Enroll(_ context.Context, e *domain.Enrollment, rule enrollment.Eligibility) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cur := range r.s.enrollments {
		if cur.SequenceID != e.SequenceID || cur.ContactID != e.ContactID {
			continue
		}
		if cur.Status == domain.EnrollmentActive || rule.NeverEnrolled {
			return false, nil
		}
		if !rule.NotEnrolledSince.IsZero() && cur.EnrolledAt.After(rule.NotEnrolledSince) {
			return false, nil
		}
	}
	cp := *e
	r.s.enrollments[e.ID] = &cp
	r.s.touch(e.ID)
	return true, nil
}

func (r *EnrollmentRepo) Get(_ context.Context, id string) (*domain.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return nil, enrollment.ErrNotFound
	}
	cp := copyEnrollment(e)
	return &cp, nil
}

func (r *EnrollmentRepo) List(_ context.Context, sequenceID string, f enrollment.ListFilter) ([]domain.Enrollment, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for id, e := range r.s.enrollments {
		if e.SequenceID != sequenceID {
			continue
		}
		if f.Status != "" && string(e.Status) != f.Status {
			continue
		}
		ids = append(ids, id)
	}
	r.s.newestFirst(ids, func(id string) int64 { return r.s.enrollments[id].EnrolledAt.UnixNano() })
	var out []domain.Enrollment
	for _, id := range paginate(ids, f.Limit, f.Offset) {
		out = append(out, copyEnrollment(r.s.enrollments[id]))
	}
	return out, len(ids), nil
}

func (r *EnrollmentRepo) StatusCounts(_ context.Context, sequenceID string) (map[domain.EnrollmentStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[domain.EnrollmentStatus]int)
	for _, e := range r.s.enrollments {
		if e.SequenceID == sequenceID {
			counts[e.Status]++
		}
	}
	return counts, nil
}

func (r *EnrollmentRepo) StepPerformance(_ context.Context, sequenceID string) ([]domain.StepStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byOrder := make(map[int]*domain.StepStats)
	for _, l := range r.s.logs {
		if l.SequenceID != sequenceID {
			continue
		}
		st, ok := byOrder[l.StepOrder]
		if !ok {
			st = &domain.StepStats{StepOrder: l.StepOrder}
			byOrder[l.StepOrder] = st
		}
		st.Add(l.Outcome)
	}
	out := make([]domain.StepStats, 0, len(byOrder))
	for _, st := range byOrder {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

// terminate moves an active enrollment to a terminal status and drops any
// outstanding claim. Caller holds the lock.
func (r *EnrollmentRepo) terminate(e *domain.Enrollment, status domain.EnrollmentStatus, reason string, at time.Time) {
	e.Status = status
	e.NextStepAt = nil
	e.StoppedAt = &at
	e.StoppedReason = reason
	delete(r.s.tokens, e.ID)
}

func (r *EnrollmentRepo) Stop(_ context.Context, id, reason string, at time.Time) (*domain.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return nil, enrollment.ErrNotFound
	}
	if e.Status != domain.EnrollmentActive {
		return nil, enrollment.ErrNotActive
	}
	r.terminate(e, domain.EnrollmentStopped, reason, at)
	cp := copyEnrollment(e)
	return &cp, nil
}

func (r *EnrollmentRepo) StopAll(_ context.Context, sequenceID, reason string, at time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, e := range r.s.enrollments {
		if e.SequenceID == sequenceID && e.Status == domain.EnrollmentActive {
			r.terminate(e, domain.EnrollmentStopped, reason, at)
			n++
		}
	}
	return n, nil
}

func (r *EnrollmentRepo) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Claim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*domain.Enrollment
	for _, e := range r.s.enrollments {
		if e.Status != domain.EnrollmentActive || e.NextStepAt == nil || e.NextStepAt.After(now) {
			continue
		}
		seq, ok := r.s.sequences[e.SequenceID]
		if !ok || seq.Status != domain.SequenceActive {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextStepAt.Before(*due[j].NextStepAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claims := make([]domain.Claim, 0, len(due))
	for _, e := range due {
		snapshot := copyEnrollment(e)
		leaseUntil := now.Add(lease)
		e.NextStepAt = &leaseUntil
		token := uuid.New().String()
		r.s.tokens[e.ID] = token
		claims = append(claims, domain.Claim{Enrollment: snapshot, Token: token, ClaimedAt: now})
	}
	return claims, nil
}

// holds reports whether claim is still the live claim on an active
// enrollment. Caller holds the lock.
func (r *EnrollmentRepo) holds(claim domain.Claim) (*domain.Enrollment, bool) {
	e, ok := r.s.enrollments[claim.Enrollment.ID]
	if !ok || e.Status != domain.EnrollmentActive {
		return e, false
	}
	return e, r.s.tokens[e.ID] == claim.Token
}

func (r *EnrollmentRepo) BeginDispatch(_ context.Context, claim domain.Claim, stepOrder int) (domain.DispatchState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.holds(claim); !ok {
		return domain.DispatchAborted, nil
	}
	key := markerKey{enrollmentID: claim.Enrollment.ID, step: stepOrder}
	if _, exists := r.s.markers[key]; exists {
		return domain.DispatchDuplicate, nil
	}
	r.s.markers[key] = claim.Token
	return domain.DispatchProceed, nil
}

func (r *EnrollmentRepo) Commit(_ context.Context, claim domain.Claim, t domain.Transition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.holds(claim)
	if !ok {
		key := markerKey{enrollmentID: claim.Enrollment.ID, step: claim.Enrollment.CurrentStep}
		if r.s.markers[key] == claim.Token {
			r.s.logs = append(r.s.logs, t.Logs...)
		}
		return enrollment.ErrClaimLost
	}
	r.s.logs = append(r.s.logs, t.Logs...)
	t.Apply(e)
	delete(r.s.tokens, e.ID)
	return nil
}

// targets resolves a callback target. Caller holds the lock.
func (r *EnrollmentRepo) targets(t enrollment.Target) []*domain.Enrollment {
	if t.EnrollmentID != "" {
		if e, ok := r.s.enrollments[t.EnrollmentID]; ok {
			return []*domain.Enrollment{e}
		}
		return nil
	}
	var out []*domain.Enrollment
	for _, e := range r.s.enrollments {
		if e.ContactID == t.ContactID && e.Status == domain.EnrollmentActive {
			out = append(out, e)
		}
	}
	return out
}

func (r *EnrollmentRepo) RecordSignal(_ context.Context, target enrollment.Target, kind domain.SignalKind, at time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, e := range r.targets(target) {
		var slot **time.Time
		switch kind {
		case domain.SignalReplied:
			slot = &e.Signals.RepliedAt
		case domain.SignalClicked:
			slot = &e.Signals.ClickedAt
		case domain.SignalOptedOut:
			slot = &e.Signals.OptedOutAt
		default:
			return n, domain.Invalid("signal", "unknown signal %q", kind)
		}
		if *slot == nil {
			ts := at
			*slot = &ts
			n++
		}
	}
	return n, nil
}

func (r *EnrollmentRepo) OptOut(_ context.Context, target enrollment.Target, at time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, e := range r.targets(target) {
		if e.Signals.OptedOutAt == nil {
			ts := at
			e.Signals.OptedOutAt = &ts
		}
		if e.Status != domain.EnrollmentActive {
			continue
		}
		r.terminate(e, domain.EnrollmentOptedOut, "", at)
		n++
	}
	return n, nil
}

// AppendLog ignores a row whose ID is already stored.
func (r *EnrollmentRepo) AppendLog(_ context.Context, l domain.StepLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cur := range r.s.logs {
		if cur.ID == l.ID {
			return nil
		}
	}
	r.s.logs = append(r.s.logs, l)
	return nil
}

// Logs returns a copy of every step log, in append order.
func (r *EnrollmentRepo) Logs() []domain.StepLog {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]domain.StepLog(nil), r.s.logs...)
}
