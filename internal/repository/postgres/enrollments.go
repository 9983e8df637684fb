package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/distlock"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
)

// EnrollmentRepo implements enrollment.Repository against PostgreSQL.
// Due enrollments are claimed with FOR UPDATE SKIP LOCKED so any number of
// workers can sweep concurrently.
type EnrollmentRepo struct{ db *sql.DB }

var _ enrollment.Repository = (*EnrollmentRepo)(nil)

// NewEnrollmentRepo creates a Postgres-backed enrollment repository.
func NewEnrollmentRepo(db *sql.DB) *EnrollmentRepo { return &EnrollmentRepo{db: db} }

const enrollmentColumns = `id, sequence_id, contact_id, status, source, current_step, enrolled_at,
	next_step_at, last_step_at, completed_at, stopped_at, stopped_reason,
	replied_at, clicked_at, opted_out_at`

func scanEnrollment(row scanner) (*domain.Enrollment, error) {
	var (
		e                              domain.Enrollment
		next, last, completed, stopped sql.NullTime
		replied, clicked, optedOut     sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.SequenceID, &e.ContactID, &e.Status, &e.Source, &e.CurrentStep, &e.EnrolledAt,
		&next, &last, &completed, &stopped, &e.StoppedReason,
		&replied, &clicked, &optedOut); err != nil {
		return nil, err
	}
	e.EnrolledAt = e.EnrolledAt.UTC()
	e.NextStepAt = timePtr(next)
	e.LastStepAt = timePtr(last)
	e.CompletedAt = timePtr(completed)
	e.StoppedAt = timePtr(stopped)
	e.Signals = domain.Signals{
		RepliedAt:  timePtr(replied),
		ClickedAt:  timePtr(clicked),
		OptedOutAt: timePtr(optedOut),
	}
	return &e, nil
}

// Enroll serializes enrollment of one (sequence, contact) pair on a
// transaction-scoped advisory lock so the eligibility check and the insert
// are atomic. The partial unique index on active rows backs it up.
func (r *EnrollmentRepo) Enroll(ctx context.Context, e *domain.Enrollment, rule enrollment.Eligibility) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	lockID := distlock.LockID("enroll:" + e.SequenceID + ":" + e.ContactID)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID); err != nil {
		return false, fmt.Errorf("enroll lock: %w", err)
	}

	var since sql.NullTime
	if !rule.NotEnrolledSince.IsZero() {
		since = sql.NullTime{Time: rule.NotEnrolledSince.UTC(), Valid: true}
	}
	var active, total, recent int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'active'),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE $3::timestamptz IS NOT NULL AND enrolled_at > $3)
		FROM sequence_enrollments
		WHERE sequence_id = $1 AND contact_id = $2
	`, e.SequenceID, e.ContactID, since).Scan(&active, &total, &recent)
	if err != nil {
		return false, fmt.Errorf("check eligibility: %w", err)
	}
	if active > 0 || recent > 0 || (rule.NeverEnrolled && total > 0) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sequence_enrollments
			(id, sequence_id, contact_id, status, source, current_step, enrolled_at, next_step_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.SequenceID, e.ContactID, string(e.Status), string(e.Source), e.CurrentStep,
		e.EnrolledAt.UTC(), nullTime(e.NextStepAt))
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert enrollment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit enrollment: %w", err)
	}
	return true, nil
}

func (r *EnrollmentRepo) Get(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM sequence_enrollments WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, enrollment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

func (r *EnrollmentRepo) List(ctx context.Context, sequenceID string, f enrollment.ListFilter) ([]domain.Enrollment, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := ` WHERE sequence_id = $1`
	args := []interface{}{sequenceID}
	idx := 2
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sequence_enrollments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}

	q := `SELECT ` + enrollmentColumns + ` FROM sequence_enrollments` + where +
		fmt.Sprintf(" ORDER BY enrolled_at DESC, id LIMIT $%d OFFSET $%d", idx, idx+1)
	rows, err := r.db.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()
	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

func (r *EnrollmentRepo) StatusCounts(ctx context.Context, sequenceID string) (map[domain.EnrollmentStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sequence_enrollments
		WHERE sequence_id = $1 GROUP BY status`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("count enrollment statuses: %w", err)
	}
	defer rows.Close()
	counts := make(map[domain.EnrollmentStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.EnrollmentStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *EnrollmentRepo) StepPerformance(ctx context.Context, sequenceID string) ([]domain.StepStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT step_order,
		       COUNT(*) FILTER (WHERE outcome = 'sent'),
		       COUNT(*) FILTER (WHERE outcome = 'delivered'),
		       COUNT(*) FILTER (WHERE outcome = 'failed'),
		       COUNT(*) FILTER (WHERE outcome = 'skipped')
		FROM sequence_step_logs
		WHERE sequence_id = $1
		GROUP BY step_order
		ORDER BY step_order`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("step performance: %w", err)
	}
	defer rows.Close()
	var out []domain.StepStats
	for rows.Next() {
		var st domain.StepStats
		if err := rows.Scan(&st.StepOrder, &st.Sent, &st.Delivered, &st.Failed, &st.Skipped); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *EnrollmentRepo) Stop(ctx context.Context, id, reason string, at time.Time) (*domain.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx, `
		UPDATE sequence_enrollments
		SET status = 'stopped', stopped_reason = $2, stopped_at = $3,
		    next_step_at = NULL, claim_token = NULL
		WHERE id = $1 AND status = 'active'
		RETURNING `+enrollmentColumns, id, reason, at.UTC()))
	if err == nil {
		return e, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("stop enrollment: %w", err)
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sequence_enrollments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check enrollment: %w", err)
	}
	if !exists {
		return nil, enrollment.ErrNotFound
	}
	return nil, enrollment.ErrNotActive
}

func (r *EnrollmentRepo) StopAll(ctx context.Context, sequenceID, reason string, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = 'stopped', stopped_reason = $2, stopped_at = $3,
		    next_step_at = NULL, claim_token = NULL
		WHERE sequence_id = $1 AND status = 'active'
	`, sequenceID, reason, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("stop enrollments: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClaimDue leases due rows in one statement. One token is minted per call;
// a claim is identified by (enrollment, token) so sharing it across the
// batch is safe. The returned snapshot carries the pre-lease NextStepAt.
func (r *EnrollmentRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	token := uuid.New().String()
	now = now.UTC()
	rows, err := r.db.QueryContext(ctx, `
		WITH due AS (
			SELECT e.id, e.next_step_at AS due_at
			FROM sequence_enrollments e
			JOIN sequences s ON s.id = e.sequence_id
			WHERE e.status = 'active'
			  AND s.status = 'active'
			  AND e.next_step_at <= $1
			ORDER BY e.next_step_at
			LIMIT $3
			FOR UPDATE OF e SKIP LOCKED
		)
		UPDATE sequence_enrollments e
		SET next_step_at = $2, claim_token = $4
		FROM due
		WHERE e.id = due.id
		RETURNING e.id, e.sequence_id, e.contact_id, e.status, e.source, e.current_step, e.enrolled_at,
		          due.due_at, e.last_step_at, e.completed_at, e.stopped_at, e.stopped_reason,
		          e.replied_at, e.clicked_at, e.opted_out_at
	`, now, now.Add(lease), limit, token)
	if err != nil {
		return nil, fmt.Errorf("claim due enrollments: %w", err)
	}
	defer rows.Close()
	var claims []domain.Claim
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, domain.Claim{Enrollment: *e, Token: token, ClaimedAt: now})
	}
	return claims, rows.Err()
}

func (r *EnrollmentRepo) BeginDispatch(ctx context.Context, claim domain.Claim, stepOrder int) (domain.DispatchState, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.DispatchAborted, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM sequence_enrollments
		WHERE id = $1 AND claim_token = $2 AND status = 'active'
		FOR UPDATE`, claim.Enrollment.ID, claim.Token).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.DispatchAborted, nil
	}
	if err != nil {
		return domain.DispatchAborted, fmt.Errorf("verify claim: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sequence_dispatches (enrollment_id, step_order, claim_token, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (enrollment_id, step_order) DO NOTHING
	`, claim.Enrollment.ID, stepOrder, claim.Token, time.Now().UTC())
	if err != nil {
		return domain.DispatchAborted, fmt.Errorf("record dispatch: %w", err)
	}
	state := domain.DispatchProceed
	if n, _ := res.RowsAffected(); n == 0 {
		state = domain.DispatchDuplicate
	}
	if err := tx.Commit(); err != nil {
		return domain.DispatchAborted, fmt.Errorf("commit dispatch: %w", err)
	}
	return state, nil
}

func (r *EnrollmentRepo) Commit(ctx context.Context, claim domain.Claim, t domain.Transition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = $3, current_step = $4, next_step_at = $5, last_step_at = $6,
		    completed_at = $7, stopped_at = $8, stopped_reason = $9, claim_token = NULL
		WHERE id = $1 AND claim_token = $2 AND status = 'active'
	`, claim.Enrollment.ID, claim.Token, string(t.Status), t.CurrentStep, nullTime(t.NextStepAt),
		nullTime(t.LastStepAt), nullTime(t.CompletedAt), nullTime(t.StoppedAt), t.StoppedReason)
	if err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the claim. A send this claim dispatched still gets its log.
		var owned bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM sequence_dispatches
			              WHERE enrollment_id = $1 AND step_order = $2 AND claim_token = $3)
		`, claim.Enrollment.ID, claim.Enrollment.CurrentStep, claim.Token).Scan(&owned)
		if err != nil {
			return fmt.Errorf("check dispatch owner: %w", err)
		}
		if owned {
			if err := insertLogs(ctx, tx, t.Logs); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit logs: %w", err)
			}
		}
		return enrollment.ErrClaimLost
	}
	if err := insertLogs(ctx, tx, t.Logs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// signalColumns whitelists the column behind each signal kind.
var signalColumns = map[domain.SignalKind]string{
	domain.SignalReplied:  "replied_at",
	domain.SignalClicked:  "clicked_at",
	domain.SignalOptedOut: "opted_out_at",
}

// targetClause selects one enrollment by ID, or the active enrollments of
// a contact. The key is always $1.
func targetClause(t enrollment.Target) (string, string) {
	if t.EnrollmentID != "" {
		return "id = $1", t.EnrollmentID
	}
	return "contact_id = $1 AND status = 'active'", t.ContactID
}

func (r *EnrollmentRepo) RecordSignal(ctx context.Context, target enrollment.Target, kind domain.SignalKind, at time.Time) (int, error) {
	col, ok := signalColumns[kind]
	if !ok {
		return 0, domain.Invalid("signal", "unknown signal %q", kind)
	}
	where, key := targetClause(target)
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE sequence_enrollments SET %s = $2 WHERE %s AND %s IS NULL`, col, where, col),
		key, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("record %s: %w", kind, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// OptOut stamps the signal and terminates in one transaction so the sweep
// sees either both or neither.
func (r *EnrollmentRepo) OptOut(ctx context.Context, target enrollment.Target, at time.Time) (int, error) {
	where, key := targetClause(target)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sequence_enrollments SET opted_out_at = $2 WHERE `+where+` AND opted_out_at IS NULL`,
		key, at.UTC()); err != nil {
		return 0, fmt.Errorf("stamp opt-out: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = 'opted_out', stopped_at = $2, stopped_reason = '',
		    next_step_at = NULL, claim_token = NULL
		WHERE `+where+` AND status = 'active'`, key, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("opt out: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit opt-out: %w", err)
	}
	return int(n), nil
}

func (r *EnrollmentRepo) AppendLog(ctx context.Context, l domain.StepLog) error {
	return insertLog(ctx, r.db, l)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertLog ignores a row whose ID already exists.
func insertLog(ctx context.Context, db execer, l domain.StepLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sequence_step_logs
			(id, enrollment_id, sequence_id, step_order, outcome, message_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, l.ID, l.EnrollmentID, l.SequenceID, l.StepOrder, string(l.Outcome), l.MessageID, l.Detail, l.At.UTC())
	if err != nil {
		return fmt.Errorf("append step log: %w", err)
	}
	return nil
}

func insertLogs(ctx context.Context, tx *sql.Tx, logs []domain.StepLog) error {
	for _, l := range logs {
		if err := insertLog(ctx, tx, l); err != nil {
			return err
		}
	}
	return nil
}
