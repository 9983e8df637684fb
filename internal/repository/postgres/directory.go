package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/sequence-engine/internal/domain"
)

// Directory reads contacts and workspaces, which the CRM owns, and
// resolves audience filters against them.
type Directory struct{ db *sql.DB }

// NewDirectory creates a Postgres-backed directory.
func NewDirectory(db *sql.DB) *Directory { return &Directory{db: db} }

func (d *Directory) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	var (
		c        domain.Contact
		custom   []byte
		activity sql.NullTime
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, first_name, last_name, email, phone, stage,
		       categories, custom_fields, last_activity_at, created_at
		FROM contacts WHERE id = $1
	`, id).Scan(&c.ID, &c.WorkspaceID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Stage,
		pq.Array(&c.Categories), &custom, &activity, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &c.CustomFields); err != nil {
			return nil, fmt.Errorf("contact %s custom fields: %w", id, err)
		}
	}
	c.LastActivityAt = timePtr(activity)
	return &c, nil
}

func (d *Directory) GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error) {
	var w domain.Workspace
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, timezone, from_name, from_email, sms_from
		FROM workspaces WHERE id = $1
	`, id).Scan(&w.ID, &w.Name, &w.Timezone, &w.FromName, &w.FromEmail, &w.SMSFrom)
	if err == sql.ErrNoRows {
		return nil, domain.ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &w, nil
}

// MatchAudience translates q.Audience into SQL. Matching is
// case-insensitive, like Audience.Matches.
func (d *Directory) MatchAudience(ctx context.Context, q domain.AudienceQuery) ([]string, error) {
	query := `SELECT c.id FROM contacts c WHERE c.workspace_id = $1`
	args := []interface{}{q.WorkspaceID}
	idx := 2

	switch a := q.Audience.(type) {
	case nil, domain.AllContacts:
	case domain.StageAudience:
		query += fmt.Sprintf(" AND LOWER(c.stage) = LOWER($%d)", idx)
		args = append(args, a.Stage)
		idx++
	case domain.CategoryAudience:
		query += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM unnest(c.categories) cat WHERE LOWER(cat) = LOWER($%d))", idx)
		args = append(args, a.Category)
		idx++
	case domain.InactiveAudience:
		query += fmt.Sprintf(" AND (c.last_activity_at IS NULL OR c.last_activity_at <= $%d)", idx)
		args = append(args, a.Cutoff(q.Now).UTC())
		idx++
	default:
		return nil, domain.Invalid("audience.type", "unsupported audience %T", q.Audience)
	}

	if q.ExcludeEnrolledWithin > 0 && q.SequenceID != "" {
		query += fmt.Sprintf(` AND NOT EXISTS (
			SELECT 1 FROM sequence_enrollments e
			WHERE e.sequence_id = $%d AND e.contact_id = c.id AND e.enrolled_at > $%d)`, idx, idx+1)
		args = append(args, q.SequenceID, q.Now.Add(-q.ExcludeEnrolledWithin).UTC())
	}
	query += " ORDER BY c.id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("match audience: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
