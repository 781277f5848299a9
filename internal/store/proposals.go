package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
)

// legalProposalTransitions encodes the proposal state machine. A proposal never
// re-enters pending once it has left it.
var legalProposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalPending:   {ProposalApproved, ProposalRejected},
	ProposalApproved:  {ProposalExecuting},
	ProposalExecuting: {ProposalCompleted, ProposalFailed},
}

func transitionAllowed(from, to ProposalStatus) bool {
	for _, next := range legalProposalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InsertProposal persists a new pending proposal and returns it with its ID
// and creation time filled in.
func (s *Store) InsertProposal(ctx context.Context, p Proposal) (Proposal, error) {
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.Status == "" {
		p.Status = ProposalPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.ConditionData == "" {
		p.ConditionData = "{}"
	}
	if p.SuggestedAction == "" {
		p.SuggestedAction = "{}"
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_proposals
			(id, trigger_name, condition_data, suggested_action, status, priority, requires_approval, approval_note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TriggerName, p.ConditionData, p.SuggestedAction, string(p.Status),
		p.Priority, p.RequiresApproval, nullable(p.ApprovalNote), p.CreatedAt)
	if err != nil {
		return Proposal{}, dbErr("insert proposal", err)
	}
	return p, nil
}

// GetProposal fetches a proposal by ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_name, condition_data, suggested_action, status, priority,
		       requires_approval, COALESCE(approval_note, ''), created_at, executed_at
		FROM agent_proposals WHERE id = ?`, id)
	return scanProposal(row)
}

// TransitionProposal moves a proposal along the state machine. The UPDATE is
// guarded on the expected current status so concurrent transitions cannot
// race a proposal into an illegal state.
func (s *Store) TransitionProposal(ctx context.Context, id string, from, to ProposalStatus, note string) error {
	if !transitionAllowed(from, to) {
		return jarbasErrors.Internal(fmt.Sprintf("illegal proposal transition %s -> %s", from, to))
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := `UPDATE agent_proposals SET status = ?`
	args := []any{string(to)}
	if note != "" {
		query += `, approval_note = ?`
		args = append(args, note)
	}
	if to == ProposalCompleted || to == ProposalFailed {
		query += `, executed_at = ?`
		args = append(args, time.Now().UTC())
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return dbErr("transition proposal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("transition proposal", err)
	}
	if n == 0 {
		return jarbasErrors.NotFound(fmt.Sprintf("proposal %s not in status %s", id, from))
	}
	return nil
}

// MarkRequiresApproval flags a pending proposal for external approval
// without leaving pending.
func (s *Store) MarkRequiresApproval(ctx context.Context, id, note string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_proposals SET requires_approval = 1, approval_note = ?
		WHERE id = ? AND status = ?`, note, id, string(ProposalPending))
	if err != nil {
		return dbErr("mark requires approval", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jarbasErrors.NotFound("proposal not pending: " + id)
	}
	return nil
}

// CountActiveSince counts proposals created after cutoff that are still in
// flight (pending, approved or executing). Feeds the hourly rate cap.
func (s *Store) CountActiveSince(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_proposals
		WHERE created_at >= ? AND status IN ('pending', 'approved', 'executing')`,
		cutoff).Scan(&n)
	if err != nil {
		return 0, dbErr("count active proposals", err)
	}
	return n, nil
}

// NextApproved returns the single next proposal to execute: approved,
// lowest priority number first, oldest first within a tie.
func (s *Store) NextApproved(ctx context.Context) (*Proposal, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_name, condition_data, suggested_action, status, priority,
		       requires_approval, COALESCE(approval_note, ''), created_at, executed_at
		FROM agent_proposals WHERE status = 'approved'
		ORDER BY priority ASC, created_at ASC LIMIT 1`)
	p, err := scanProposal(row)
	if errors.Is(err, jarbasErrors.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// ListProposals returns proposals filtered by status, newest first.
func (s *Store) ListProposals(ctx context.Context, status ProposalStatus, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_name, condition_data, suggested_action, status, priority,
		       requires_approval, COALESCE(approval_note, ''), created_at, executed_at
		FROM agent_proposals WHERE status = ?
		ORDER BY created_at DESC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, dbErr("list proposals", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposalRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row *sql.Row) (*Proposal, error) {
	p, err := scanProposalRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jarbasErrors.NotFound("proposal not found")
	}
	return p, err
}

func scanProposalRow(row rowScanner) (*Proposal, error) {
	var p Proposal
	var status string
	var executedAt sql.NullTime
	err := row.Scan(&p.ID, &p.TriggerName, &p.ConditionData, &p.SuggestedAction,
		&status, &p.Priority, &p.RequiresApproval, &p.ApprovalNote, &p.CreatedAt, &executedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr("scan proposal", err)
	}
	p.Status = ProposalStatus(status)
	if executedAt.Valid {
		t := executedAt.Time
		p.ExecutedAt = &t
	}
	return &p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
