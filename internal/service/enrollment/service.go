package enrollment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Service is the read and stop surface over the enrollment store.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates an enrollment service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithClock overrides the time source and returns s.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Page is one page of an enrollment listing.
type Page struct {
	Items []domain.Enrollment `json:"items"`
	Total int                 `json:"total"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
}

// List returns a page of enrollments of a sequence. page is 1-based;
// limit defaults to 50 and is capped at 100.
func (s *Service) List(ctx context.Context, sequenceID, status string, page, limit int) (*Page, error) {
	if status != "" && !domain.EnrollmentStatus(status).Valid() {
		return nil, domain.Invalid("status", "unknown enrollment status %q", status)
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	items, total, err := s.repo.List(ctx, sequenceID, ListFilter{
		Status: status,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	if items == nil {
		items = []domain.Enrollment{}
	}
	return &Page{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// Get returns a single enrollment.
func (s *Service) Get(ctx context.Context, id string) (*domain.Enrollment, error) {
	return s.repo.Get(ctx, id)
}

// Stop ends one active enrollment with the given reason.
func (s *Service) Stop(ctx context.Context, id, reason string) (*domain.Enrollment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.StopReasonManual
	}
	e, err := s.repo.Stop(ctx, id, reason, s.now().UTC())
	if err != nil {
		return nil, err
	}
	logger.Info("enrollment stopped", "enrollment_id", id, "reason", reason)
	return e, nil
}

// StatusCounts returns the number of enrollments per status. Every status
// is present, zero when unused.
func (s *Service) StatusCounts(ctx context.Context, sequenceID string) (map[domain.EnrollmentStatus]int, error) {
	counts, err := s.repo.StatusCounts(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	out := make(map[domain.EnrollmentStatus]int, len(domain.EnrollmentStatuses))
	for _, st := range domain.EnrollmentStatuses {
		out[st] = counts[st]
	}
	return out, nil
}

// StepPerformance returns sent/delivered/failed/skipped counts for every
// step of seq, in step order. Logs of steps that no longer exist are kept
// after the current ones.
func (s *Service) StepPerformance(ctx context.Context, seq *domain.Sequence) ([]domain.StepStats, error) {
	stats, err := s.repo.StepPerformance(ctx, seq.ID)
	if err != nil {
		return nil, fmt.Errorf("step performance: %w", err)
	}
	byOrder := make(map[int]domain.StepStats, len(stats))
	for _, st := range stats {
		byOrder[st.StepOrder] = st
	}
	out := make([]domain.StepStats, 0, len(seq.Steps))
	for _, step := range seq.Steps {
		st, ok := byOrder[step.Order]
		if !ok {
			st = domain.StepStats{StepOrder: step.Order}
		}
		delete(byOrder, step.Order)
		out = append(out, st)
	}
	extra := make([]domain.StepStats, 0, len(byOrder))
	for _, st := range byOrder {
		extra = append(extra, st)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].StepOrder < extra[j].StepOrder })
	return append(out, extra...), nil
}
