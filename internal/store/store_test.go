package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProposalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.InsertProposal(ctx, Proposal{TriggerName: "system_health", Priority: 3})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	assert.Equal(t, ProposalPending, p.Status)

	require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalPending, ProposalApproved, "auto"))
	require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalApproved, ProposalExecuting, ""))
	require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalExecuting, ProposalCompleted, ""))

	got, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalCompleted, got.Status)
	require.NotNil(t, got.ExecutedAt)
}

func TestProposalIllegalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.InsertProposal(ctx, Proposal{TriggerName: "t"})
	require.NoError(t, err)

	// Not in the state machine at all.
	err = s.TransitionProposal(ctx, p.ID, ProposalPending, ProposalCompleted, "")
	assert.ErrorIs(t, err, jarbasErrors.ErrInternal)

	// Legal shape but wrong current status: guarded UPDATE touches no rows.
	err = s.TransitionProposal(ctx, p.ID, ProposalApproved, ProposalExecuting, "")
	assert.ErrorIs(t, err, jarbasErrors.ErrNotFound)

	// Terminal states are final.
	require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalPending, ProposalRejected, "no"))
	err = s.TransitionProposal(ctx, p.ID, ProposalRejected, ProposalApproved, "")
	assert.ErrorIs(t, err, jarbasErrors.ErrInternal)
}

func TestMarkRequiresApprovalStaysPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.InsertProposal(ctx, Proposal{TriggerName: "t"})
	require.NoError(t, err)

	require.NoError(t, s.MarkRequiresApproval(ctx, p.ID, "dangerous command"))

	got, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalPending, got.Status)
	assert.True(t, got.RequiresApproval)
	assert.Equal(t, "dangerous command", got.ApprovalNote)
}

func TestCountActiveSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Now().Add(-time.Hour).UTC()

	for i := 0; i < 3; i++ {
		_, err := s.InsertProposal(ctx, Proposal{TriggerName: "t"})
		require.NoError(t, err)
	}
	// Terminal proposals do not count against the cap.
	done, err := s.InsertProposal(ctx, Proposal{TriggerName: "t"})
	require.NoError(t, err)
	require.NoError(t, s.TransitionProposal(ctx, done.ID, ProposalPending, ProposalRejected, ""))

	// Old proposals fall out of the window.
	_, err = s.InsertProposal(ctx, Proposal{
		TriggerName: "t",
		CreatedAt:   time.Now().Add(-2 * time.Hour).UTC(),
	})
	require.NoError(t, err)

	n, err := s.CountActiveSince(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNextApprovedOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC()
	mk := func(priority int, offset time.Duration) Proposal {
		p, err := s.InsertProposal(ctx, Proposal{
			TriggerName: "t",
			Priority:    priority,
			CreatedAt:   base.Add(offset),
		})
		require.NoError(t, err)
		require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalPending, ProposalApproved, ""))
		return p
	}

	later := mk(2, 10*time.Second)
	mk(5, 0)
	first := mk(2, 5*time.Second)

	got, err := s.NextApproved(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID, "lowest priority, then oldest")

	require.NoError(t, s.TransitionProposal(ctx, first.ID, ProposalApproved, ProposalExecuting, ""))

	got, err = s.NextApproved(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, later.ID, got.ID)
}

func TestNextApprovedEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.NextApproved(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStartMissionPairsWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.InsertProposal(ctx, Proposal{TriggerName: "t"})
	require.NoError(t, err)
	require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalPending, ProposalApproved, ""))

	m, err := s.StartMission(ctx, p.ID, "skill_execution", `{"skill":"get_ram"}`)
	require.NoError(t, err)
	assert.Equal(t, MissionRunning, m.Status)

	got, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalExecuting, got.Status)

	// Same proposal cannot start a second mission while one runs: the
	// proposal already left approved, so the guarded update misses.
	_, err = s.StartMission(ctx, p.ID, "skill_execution", "{}")
	assert.ErrorIs(t, err, jarbasErrors.ErrNotFound)
}

func TestStartMissionRequiresApprovedProposal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.InsertProposal(ctx, Proposal{TriggerName: "t"})
	require.NoError(t, err)

	_, err = s.StartMission(ctx, p.ID, "skill_execution", "{}")
	assert.ErrorIs(t, err, jarbasErrors.ErrNotFound)

	// The failed transaction must not leave an orphan mission behind.
	m, err := s.MissionForProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFinishMission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.InsertProposal(ctx, Proposal{TriggerName: "t"})
	require.NoError(t, err)
	require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalPending, ProposalApproved, ""))
	m, err := s.StartMission(ctx, p.ID, "skill_execution", "{}")
	require.NoError(t, err)

	require.NoError(t, s.FinishMission(ctx, m.ID, MissionCompleted, `{"output":"ok"}`))

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, MissionCompleted, got.Status)
	assert.Equal(t, `{"output":"ok"}`, got.Result)
	require.NotNil(t, got.CompletedAt)

	// Already terminal.
	err = s.FinishMission(ctx, m.ID, MissionFailed, "")
	assert.ErrorIs(t, err, jarbasErrors.ErrNotFound)

	// Running is not a terminal target.
	err = s.FinishMission(ctx, m.ID, MissionRunning, "")
	assert.ErrorIs(t, err, jarbasErrors.ErrInternal)
}

func TestCloseRunningMissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p, err := s.InsertProposal(ctx, Proposal{TriggerName: "t"})
		require.NoError(t, err)
		require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalPending, ProposalApproved, ""))
		_, err = s.StartMission(ctx, p.ID, "skill_execution", "{}")
		require.NoError(t, err)
	}

	n, err := s.CloseRunningMissions(ctx, MissionCancelled)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CloseRunningMissions(ctx, MissionFailed)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.CloseRunningMissions(ctx, MissionRunning)
	assert.ErrorIs(t, err, jarbasErrors.ErrInternal)
}

func TestFactUpsertOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFact(ctx, Fact{UserID: "u1", Key: "editor", Value: `"vim"`}))
	require.NoError(t, s.UpsertFact(ctx, Fact{UserID: "u1", Key: "editor", Value: `"helix"`, Confidence: 0.8}))
	require.NoError(t, s.UpsertFact(ctx, Fact{UserID: "u2", Key: "editor", Value: `"nano"`}))

	facts, err := s.FactsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, `"helix"`, facts[0].Value)
	assert.Equal(t, 0.8, facts[0].Confidence)
	assert.Equal(t, "fact", facts[0].MemoryType)
}

func TestConversationHistoryChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.AppendConversation(ctx, "u1", "user", msg))
	}
	require.NoError(t, s.AppendConversation(ctx, "u2", "user", "other"))

	history, err := s.ConversationHistory(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "two", history[0].Content)
	assert.Equal(t, "four", history[2].Content)
}

func TestSystemState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(ctx, "last_retrospective", "2026-08-29"))
	require.NoError(t, s.SetState(ctx, "last_retrospective", "2026-08-30"))

	v, err = s.GetState(ctx, "last_retrospective")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-30", v)
}

func TestLearnings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertLearning(ctx, Learning{
		Category: LearningAPIFailure,
		Trigger:  "openai timeout",
		Lesson:   "retry with backoff succeeded on attempt 2",
		Success:  true,
	})
	require.NoError(t, err)
	_, err = s.InsertLearning(ctx, Learning{
		Category: LearningSecurity,
		Trigger:  "shell_exec",
		Lesson:   "rm -rf held for approval",
	})
	require.NoError(t, err)

	got, err := s.ListLearnings(ctx, LearningAPIFailure, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
	assert.Equal(t, "{}", got[0].Metadata)

	all, err := s.ListLearnings(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCacheTTLAndInvalidation(t *testing.T) {
	c := NewCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("facts:u1", []Fact{{Key: "k"}}, time.Minute)
	c.Set("facts:u2", "x", time.Minute)
	c.Set("history:u1", "y", time.Second)

	v, ok := c.Get("facts:u1")
	require.True(t, ok)
	assert.Len(t, v.([]Fact), 1)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("history:u1")
	assert.False(t, ok, "expired entry")

	c.Invalidate("facts:u2")
	_, ok = c.Get("facts:u2")
	assert.False(t, ok)

	c.Set("facts:u3", "z", time.Minute)
	c.InvalidatePrefix("facts:")
	_, ok = c.Get("facts:u1")
	assert.False(t, ok)
	_, ok = c.Get("facts:u3")
	assert.False(t, ok)
}

func TestCacheSweep(t *testing.T) {
	c := NewCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", 1, time.Second)
	c.Set("b", 2, time.Minute)

	now = now.Add(5 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}
