package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/service/sequence"
)

// SequenceRepo implements sequence.Repository against PostgreSQL.
type SequenceRepo struct{ db *sql.DB }

var _ sequence.Repository = (*SequenceRepo)(nil)

// NewSequenceRepo creates a Postgres-backed sequence repository.
func NewSequenceRepo(db *sql.DB) *SequenceRepo { return &SequenceRepo{db: db} }

const sequenceColumns = `id, workspace_id, name, description, status, trigger_type, trigger_value,
	audience, frequency_cap_days, timezone, created_at, updated_at`

const stepColumns = `id, sequence_id, step_order, channel, subject, body, delay_minutes,
	condition_type, condition_action, send_window_start, send_window_end`

func scanSequence(row scanner) (*domain.Sequence, error) {
	var (
		s            domain.Sequence
		triggerType  string
		triggerValue string
		audience     []byte
		capDays      sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.WorkspaceID, &s.Name, &s.Description, &s.Status,
		&triggerType, &triggerValue, &audience, &capDays, &s.Timezone,
		&s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	trig, err := domain.ParseTrigger(domain.TriggerSpec{Type: domain.TriggerType(triggerType), Value: triggerValue})
	if err != nil {
		return nil, fmt.Errorf("sequence %s trigger: %w", s.ID, err)
	}
	s.Trigger = trig
	var spec domain.AudienceSpec
	if len(audience) > 0 {
		if err := json.Unmarshal(audience, &spec); err != nil {
			return nil, fmt.Errorf("sequence %s audience: %w", s.ID, err)
		}
	}
	if s.Audience, err = domain.ParseAudience(spec); err != nil {
		return nil, fmt.Errorf("sequence %s audience: %w", s.ID, err)
	}
	if capDays.Valid {
		days := int(capDays.Int64)
		s.FrequencyCapDays = &days
	}
	return &s, nil
}

func scanStep(row scanner) (domain.Step, error) {
	var (
		st          domain.Step
		condType    string
		condAction  string
		windowStart sql.NullString
		windowEnd   sql.NullString
	)
	if err := row.Scan(&st.ID, &st.SequenceID, &st.Order, &st.Channel, &st.Subject, &st.Body,
		&st.DelayMinutes, &condType, &condAction, &windowStart, &windowEnd); err != nil {
		return st, err
	}
	cond, err := domain.ParseCondition(domain.ConditionSpec{
		Type:   domain.ConditionType(condType),
		Action: domain.ConditionAction(condAction),
	})
	if err != nil {
		return st, fmt.Errorf("step %s condition: %w", st.ID, err)
	}
	st.Condition = cond
	if st.Window, err = domain.NewSendWindow(windowStart.String, windowEnd.String); err != nil {
		return st, fmt.Errorf("step %s window: %w", st.ID, err)
	}
	return st, nil
}

func (r *SequenceRepo) Get(ctx context.Context, id string) (*domain.Sequence, error) {
	s, err := scanSequence(r.db.QueryRowContext(ctx,
		`SELECT `+sequenceColumns+` FROM sequences WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, sequence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	steps, err := r.loadSteps(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	s.Steps = steps[id]
	return s, nil
}

// loadSteps returns the ordered steps of each sequence ID.
func (r *SequenceRepo) loadSteps(ctx context.Context, ids []string) (map[string][]domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM sequence_steps
		WHERE sequence_id = ANY($1)
		ORDER BY sequence_id, step_order`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]domain.Step, len(ids))
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out[st.SequenceID] = append(out[st.SequenceID], st)
	}
	return out, rows.Err()
}

func (r *SequenceRepo) List(ctx context.Context, workspaceID string, f sequence.ListFilter) ([]domain.Sequence, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ` WHERE workspace_id = $1`
	args := []interface{}{workspaceID}
	idx := 2
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sequences`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sequences: %w", err)
	}

	q := `SELECT ` + sequenceColumns + ` FROM sequences` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	rows, err := r.db.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var out []domain.Sequence
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan sequence: %w", err)
		}
		out = append(out, *s)
	}
	return out, total, rows.Err()
}

func (r *SequenceRepo) ListActiveByTrigger(ctx context.Context, trigger domain.TriggerType) ([]domain.Sequence, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sequenceColumns+`
		FROM sequences
		WHERE status = 'active' AND trigger_type = $1
		ORDER BY created_at`, string(trigger))
	if err != nil {
		return nil, fmt.Errorf("list active sequences: %w", err)
	}
	var (
		out []domain.Sequence
		ids []string
	)
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		out = append(out, *s)
		ids = append(ids, s.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	steps, err := r.loadSteps(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Steps = steps[out[i].ID]
	}
	return out, nil
}

func (r *SequenceRepo) Create(ctx context.Context, s *domain.Sequence) error {
	audience, err := audienceJSON(s.Audience)
	if err != nil {
		return err
	}
	trig := triggerSpec(s.Trigger)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sequences
			(id, workspace_id, name, description, status, trigger_type, trigger_value,
			 audience, frequency_cap_days, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.ID, s.WorkspaceID, s.Name, s.Description, string(s.Status), string(trig.Type), trig.Value,
		audience, capDays(s.FrequencyCapDays), s.Timezone, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create sequence: %w", err)
	}
	if err := insertSteps(ctx, tx, s.ID, s.Steps); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SequenceRepo) Update(ctx context.Context, s *domain.Sequence) error {
	audience, err := audienceJSON(s.Audience)
	if err != nil {
		return err
	}
	trig := triggerSpec(s.Trigger)
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequences
		SET name = $2, description = $3, trigger_type = $4, trigger_value = $5,
		    audience = $6, frequency_cap_days = $7, timezone = $8, updated_at = $9
		WHERE id = $1
	`, s.ID, s.Name, s.Description, string(trig.Type), trig.Value,
		audience, capDays(s.FrequencyCapDays), s.Timezone, updated)
	if err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sequence.ErrNotFound
	}
	return nil
}

func (r *SequenceRepo) ReplaceSteps(ctx context.Context, sequenceID string, steps []domain.Step) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM sequences WHERE id = $1 FOR UPDATE`, sequenceID).Scan(&id)
	if err == sql.ErrNoRows {
		return sequence.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sequence_steps WHERE sequence_id = $1`, sequenceID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	if err := insertSteps(ctx, tx, sequenceID, steps); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sequences SET updated_at = NOW() WHERE id = $1`, sequenceID); err != nil {
		return fmt.Errorf("touch sequence: %w", err)
	}
	return tx.Commit()
}

func (r *SequenceRepo) UpdateStatus(ctx context.Context, id string, from, to domain.SequenceStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequences SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update sequence status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sequences WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check sequence: %w", err)
	}
	if !exists {
		return sequence.ErrNotFound
	}
	return sequence.ErrInvalidTransition
}

// Delete relies on ON DELETE CASCADE for steps, enrollments, logs and
// dispatch markers.
func (r *SequenceRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sequences WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sequence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sequence.ErrNotFound
	}
	return nil
}

func insertSteps(ctx context.Context, tx *sql.Tx, sequenceID string, steps []domain.Step) error {
	for _, st := range steps {
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		cond := domain.ConditionSpec{Type: domain.ConditionNone}
		if st.Condition != nil {
			cond = st.Condition.Spec()
		}
		var start, end sql.NullString
		if st.Window != nil {
			start = nullString(st.Window.Start.String())
			end = nullString(st.Window.End.String())
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sequence_steps
				(id, sequence_id, step_order, channel, subject, body, delay_minutes,
				 condition_type, condition_action, send_window_start, send_window_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, st.ID, sequenceID, st.Order, string(st.Channel), st.Subject, st.Body, st.DelayMinutes,
			string(cond.Type), string(cond.Action), start, end)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.Order, err)
		}
	}
	return nil
}

func triggerSpec(t domain.Trigger) domain.TriggerSpec {
	if t == nil {
		return domain.TriggerSpec{Type: domain.TriggerManual}
	}
	return t.Spec()
}

func audienceJSON(a domain.Audience) ([]byte, error) {
	spec := domain.AudienceSpec{Type: domain.AudienceAll}
	if a != nil {
		spec = a.Spec()
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal audience: %w", err)
	}
	return b, nil
}

func capDays(days *int) sql.NullInt64 {
	if days == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*days), Valid: true}
}
