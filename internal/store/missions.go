package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
)

// StartMission atomically flips an approved proposal to executing and
// inserts its mission row. The transaction guarantees a restart mid-flight
// recovers to a consistent view: either both writes landed or neither.
func (s *Store) StartMission(ctx context.Context, proposalID, missionType, executionPlan string) (*Mission, error) {
	m := Mission{
		ID:            ulid.Make().String(),
		ProposalID:    proposalID,
		MissionType:   missionType,
		ExecutionPlan: executionPlan,
		Status:        MissionRunning,
		StartedAt:     time.Now().UTC(),
	}
	if m.ExecutionPlan == "" {
		m.ExecutionPlan = "{}"
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr("begin mission tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_proposals SET status = ? WHERE id = ? AND status = ?`,
		string(ProposalExecuting), proposalID, string(ProposalApproved))
	if err != nil {
		return nil, dbErr("mark proposal executing", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, jarbasErrors.NotFound("proposal not approved: " + proposalID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_missions (id, proposal_id, mission_type, execution_plan, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProposalID, m.MissionType, m.ExecutionPlan, string(m.Status), m.StartedAt)
	if err != nil {
		return nil, dbErr("insert mission", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, dbErr("commit mission tx", err)
	}
	return &m, nil
}

// FinishMission moves a running mission to a terminal state and records the
// result blob. completed_at is set exactly when the mission leaves running.
func (s *Store) FinishMission(ctx context.Context, missionID string, status MissionStatus, result string) error {
	if status == MissionRunning {
		return jarbasErrors.Internal("finish mission: running is not terminal")
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_missions SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), nullable(result), time.Now().UTC(), missionID)
	if err != nil {
		return dbErr("finish mission", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jarbasErrors.NotFound("mission not running: " + missionID)
	}
	return nil
}

// GetMission fetches a mission by ID.
func (s *Store) GetMission(ctx context.Context, id string) (*Mission, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, mission_type, execution_plan, status, COALESCE(result, ''), started_at, completed_at
		FROM agent_missions WHERE id = ?`, id)
	return scanMission(row)
}

// MissionForProposal returns the most recent mission for a proposal, or nil.
func (s *Store) MissionForProposal(ctx context.Context, proposalID string) (*Mission, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, mission_type, execution_plan, status, COALESCE(result, ''), started_at, completed_at
		FROM agent_missions WHERE proposal_id = ?
		ORDER BY started_at DESC LIMIT 1`, proposalID)
	m, err := scanMission(row)
	if errors.Is(err, jarbasErrors.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// CloseRunningMissions moves every running mission to the given terminal
// state. Shutdown uses it twice: cancelled for missions that observed the
// cancellation, failed for stragglers past the grace window.
func (s *Store) CloseRunningMissions(ctx context.Context, status MissionStatus) (int, error) {
	if status == MissionRunning {
		return 0, jarbasErrors.Internal("close missions: running is not terminal")
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_missions SET status = ?, completed_at = ?
		WHERE status = 'running'`, string(status), time.Now().UTC())
	if err != nil {
		return 0, dbErr("close running missions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMission(row *sql.Row) (*Mission, error) {
	var m Mission
	var status string
	var completedAt sql.NullTime
	err := row.Scan(&m.ID, &m.ProposalID, &m.MissionType, &m.ExecutionPlan,
		&status, &m.Result, &m.StartedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jarbasErrors.NotFound("mission not found")
		}
		return nil, dbErr("scan mission", err)
	}
	m.Status = MissionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	return &m, nil
}
