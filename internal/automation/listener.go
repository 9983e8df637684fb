package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
)

// SequenceSource is the read side of the sequence store the listener needs.
type SequenceSource interface {
	Get(ctx context.Context, id string) (*domain.Sequence, error)
	ListActiveByTrigger(ctx context.Context, trigger domain.TriggerType) ([]domain.Sequence, error)
}

// EnrollmentWriter creates enrollments atomically with their eligibility check.
type EnrollmentWriter interface {
	Enroll(ctx context.Context, e *domain.Enrollment, rule enrollment.Eligibility) (bool, error)
}

// AudienceMatcher resolves an audience filter to contact IDs.
type AudienceMatcher interface {
	MatchAudience(ctx context.Context, q domain.AudienceQuery) ([]string, error)
}

// Result counts the outcome of an enrollment request. Per-contact
// ineligibility is a skip, never an error.
type Result struct {
	Enrolled      int      `json:"enrolled"`
	Skipped       int      `json:"skipped"`
	EnrollmentIDs []string `json:"enrollment_ids,omitempty"`
}

func (r *Result) merge(o Result) {
	r.Enrolled += o.Enrolled
	r.Skipped += o.Skipped
	r.EnrollmentIDs = append(r.EnrollmentIDs, o.EnrollmentIDs...)
}

// Listener is the trigger listener: it translates requests and contact
// events into enrollments.
type Listener struct {
	sequences   SequenceSource
	enrollments EnrollmentWriter
	audience    AudienceMatcher
	now         func() time.Time
}

// NewListener creates a listener. audience may be nil when audience
// enrollment is not used.
func NewListener(sequences SequenceSource, enrollments EnrollmentWriter, audience AudienceMatcher) *Listener {
	return &Listener{
		sequences:   sequences,
		enrollments: enrollments,
		audience:    audience,
		now:         time.Now,
	}
}

// WithClock overrides the time source and returns l.
func (l *Listener) WithClock(now func() time.Time) *Listener {
	l.now = now
	return l
}

// Enroll enrolls the given contacts into an active sequence.
func (l *Listener) Enroll(ctx context.Context, sequenceID string, contactIDs []string) (Result, error) {
	seq, err := l.activeSequence(ctx, sequenceID)
	if err != nil {
		return Result{}, err
	}
	res, err := l.enrollAll(ctx, seq, contactIDs, domain.SourceManual, false)
	if err != nil {
		return res, err
	}
	logger.Info("manual enrollment", "sequence_id", sequenceID, "enrolled", res.Enrolled, "skipped", res.Skipped)
	return res, nil
}

// EnrollByAudience resolves the sequence's audience and enrolls every
// eligible match. Contacts inside the frequency cap are excluded by the
// matcher and rejected again by the store.
func (l *Listener) EnrollByAudience(ctx context.Context, sequenceID string) (Result, error) {
	if l.audience == nil {
		return Result{}, errors.New("audience matcher not configured")
	}
	seq, err := l.activeSequence(ctx, sequenceID)
	if err != nil {
		return Result{}, err
	}
	ids, err := l.audience.MatchAudience(ctx, domain.AudienceQuery{
		WorkspaceID:           seq.WorkspaceID,
		SequenceID:            seq.ID,
		Audience:              seq.Audience,
		ExcludeEnrolledWithin: seq.FrequencyCap(),
		Now:                   l.now().UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("match audience: %w", err)
	}
	res, err := l.enrollAll(ctx, seq, ids, domain.SourceAudience, false)
	if err != nil {
		return res, err
	}
	logger.Info("audience enrollment", "sequence_id", sequenceID, "matched", len(ids),
		"enrolled", res.Enrolled, "skipped", res.Skipped)
	return res, nil
}

// OnContactCreated enrolls a new contact into every active contact_created
// sequence of its workspace whose audience matches. A contact with any
// prior enrollment in the sequence is skipped, so redelivery is harmless.
func (l *Listener) OnContactCreated(ctx context.Context, c domain.Contact) (Result, error) {
	return l.onEvent(ctx, c, domain.TriggerContactCreated, func(domain.Trigger) bool { return true }, true)
}

// OnKeywordJoin enrolls a contact into active keyword_join sequences whose
// keyword matches, case-insensitively.
func (l *Listener) OnKeywordJoin(ctx context.Context, c domain.Contact, keyword string) (Result, error) {
	return l.onEvent(ctx, c, domain.TriggerKeywordJoin, func(t domain.Trigger) bool {
		kt, ok := t.(domain.KeywordJoinTrigger)
		return ok && kt.Matches(keyword)
	}, false)
}

// OnStageChange enrolls a contact into active stage_change sequences
// targeting its new stage.
func (l *Listener) OnStageChange(ctx context.Context, c domain.Contact, stage string) (Result, error) {
	if strings.TrimSpace(stage) != "" {
		c.Stage = stage
	}
	return l.onEvent(ctx, c, domain.TriggerStageChange, func(t domain.Trigger) bool {
		st, ok := t.(domain.StageChangeTrigger)
		return ok && st.Matches(stage)
	}, false)
}

func (l *Listener) onEvent(ctx context.Context, c domain.Contact, tt domain.TriggerType,
	matches func(domain.Trigger) bool, neverEnrolled bool) (Result, error) {

	seqs, err := l.sequences.ListActiveByTrigger(ctx, tt)
	if err != nil {
		return Result{}, fmt.Errorf("list %s sequences: %w", tt, err)
	}
	now := l.now().UTC()
	var total Result
	for i := range seqs {
		seq := &seqs[i]
		if seq.WorkspaceID != c.WorkspaceID || !matches(seq.Trigger) {
			continue
		}
		if seq.Audience != nil && !seq.Audience.Matches(c, now) {
			total.Skipped++
			continue
		}
		res, err := l.enrollAll(ctx, seq, []string{c.ID}, domain.SourceTrigger, neverEnrolled)
		if err != nil {
			return total, err
		}
		total.merge(res)
	}
	if total.Enrolled > 0 {
		logger.Info("trigger enrollment", "trigger", tt, "contact_id", c.ID, "enrolled", total.Enrolled)
	}
	return total, nil
}

func (l *Listener) activeSequence(ctx context.Context, id string) (*domain.Sequence, error) {
	seq, err := l.sequences.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq.Status != domain.SequenceActive {
		return nil, ErrSequenceNotActive
	}
	return seq, nil
}

func (l *Listener) enrollAll(ctx context.Context, seq *domain.Sequence, contactIDs []string,
	source domain.EnrollmentSource, neverEnrolled bool) (Result, error) {

	var res Result
	seen := make(map[string]bool, len(contactIDs))
	for _, cid := range contactIDs {
		cid = strings.TrimSpace(cid)
		if cid == "" || seen[cid] {
			res.Skipped++
			continue
		}
		seen[cid] = true

		now := l.now().UTC()
		rule := enrollment.Eligibility{NeverEnrolled: neverEnrolled}
		if window := seq.FrequencyCap(); window > 0 {
			rule.NotEnrolledSince = now.Add(-window)
		}
		e := domain.NewEnrollment(uuid.New().String(), seq, cid, source, now)
		ok, err := l.enrollments.Enroll(ctx, &e, rule)
		switch {
		case errors.Is(err, enrollment.ErrDuplicateActive):
			res.Skipped++
		case err != nil:
			return res, fmt.Errorf("enroll contact %s: %w", cid, err)
		case !ok:
			res.Skipped++
		default:
			res.Enrolled++
			res.EnrollmentIDs = append(res.EnrollmentIDs, e.ID)
		}
	}
	return res, nil
}
