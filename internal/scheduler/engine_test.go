package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarbas-ai/jarbas/internal/bus"
	"github.com/jarbas-ai/jarbas/internal/config"
	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
	"github.com/jarbas-ai/jarbas/internal/memory"
	"github.com/jarbas-ai/jarbas/internal/policy"
	"github.com/jarbas-ai/jarbas/internal/skill"
	"github.com/jarbas-ai/jarbas/internal/store"
)

func writeMeminfo(t *testing.T, totalKB, availableKB int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meminfo")
	content := fmt.Sprintf("MemTotal:       %d kB\nMemAvailable:    %d kB\n", totalKB, availableKB)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type testEnv struct {
	engine   *Engine
	store    *store.Store
	memory   *memory.Manager
	registry *skill.Registry
	bus      *bus.Bus
}

func newTestEngine(t *testing.T, availableKB, maxPerHour int) *testEnv {
	t.Helper()

	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mem, err := memory.NewManager(s, config.MemoryConfig{}, nil)
	require.NoError(t, err)

	meminfo := writeMeminfo(t, 8192000, availableKB)
	caps := policy.NewCaps(s, config.CapsConfig{
		MaxProposalsPerHour: maxPerHour,
		MinAvailableRAMMB:   200,
		MeminfoPath:         meminfo,
	}, []string{"systemctl", "rm -rf", "kill", "docker stop", "docker rm"})

	registry := skill.NewRegistry()
	eventBus := bus.New()

	engine, err := NewEngine(s, caps, mem, registry, eventBus, config.SchedulerConfig{
		MissionGrace: "100ms",
	})
	require.NoError(t, err)

	return &testEnv{engine: engine, store: s, memory: mem, registry: registry, bus: eventBus}
}

func registerSkill(t *testing.T, r *skill.Registry, name string, handler skill.HandlerFunc) {
	t.Helper()
	require.NoError(t, r.Register(&skill.Descriptor{Name: name}, handler))
}

func TestCreateProposalAutoApproved(t *testing.T) {
	e := newTestEngine(t, 4096000, 10)

	p, err := e.engine.CreateProposal(context.Background(),
		"system_health", store.SuggestedAction{Skill: "disk_usage"}, 5)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalApproved, p.Status)
	assert.False(t, p.RequiresApproval)

	stored, err := e.store.GetProposal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalApproved, stored.Status)
}

func TestRateCapRejectsProposal(t *testing.T) {
	e := newTestEngine(t, 4096000, 2)
	ctx := context.Background()
	action := store.SuggestedAction{Skill: "disk_usage"}

	// The gate counts only proposals that exist before the creation, so
	// with a cap of 2 the first two creations clear it and the third does
	// not.
	for i := 0; i < 2; i++ {
		p, err := e.engine.CreateProposal(ctx, "system_health", action, 5)
		require.NoError(t, err)
		require.Equal(t, store.ProposalApproved, p.Status,
			"creation %d should clear the gate with %d active before it", i+1, i)
	}

	p, err := e.engine.CreateProposal(ctx, "system_health", action, 5)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalRejected, p.Status)
	assert.Contains(t, p.ApprovalNote, "rate_limit")

	stored, err := e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalRejected, stored.Status)
}

func TestRAMCapRejectsProposal(t *testing.T) {
	// 150 MB available against a 200 MB floor.
	e := newTestEngine(t, 8192000, 10)
	meminfo := writeMeminfo(t, 8192000, 153600)
	caps := policy.NewCaps(e.store, config.CapsConfig{
		MaxProposalsPerHour: 10,
		MinAvailableRAMMB:   200,
		MeminfoPath:         meminfo,
	}, nil)
	e.engine.caps = caps

	p, err := e.engine.CreateProposal(context.Background(),
		"memory_pressure", store.SuggestedAction{Skill: "get_ram"}, 2)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalRejected, p.Status)
	assert.Contains(t, p.ApprovalNote, "ram_low")

	mission, err := e.store.MissionForProposal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, mission, "rejected proposals never spawn missions")
}

func TestDangerousTokenHoldsProposal(t *testing.T) {
	e := newTestEngine(t, 4096000, 10)

	p, err := e.engine.CreateProposal(context.Background(), "user_request", store.SuggestedAction{
		Skill: "shell_exec",
		Args:  map[string]string{"command": "systemctl restart nginx"},
	}, 5)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalPending, p.Status)
	assert.True(t, p.RequiresApproval)
	assert.Contains(t, p.ApprovalNote, "systemctl")

	// Held proposals never reach the execution queue.
	next, err := e.store.NextApproved(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMissionCompletesAndPublishes(t *testing.T) {
	e := newTestEngine(t, 4096000, 10)
	ctx := context.Background()

	registerSkill(t, e.registry, "uptime_check", func(context.Context, map[string]string) (string, error) {
		return "up 3 days, load average: 0.42", nil
	})

	var mu sync.Mutex
	var events []*bus.CompletionEvent
	e.bus.SubscribeCompletions(func(ev *bus.CompletionEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()
	go e.bus.Dispatch(dispatchCtx)

	p, err := e.engine.CreateProposal(ctx, "system_health",
		store.SuggestedAction{Skill: "uptime_check"}, 5)
	require.NoError(t, err)
	require.Equal(t, store.ProposalApproved, p.Status)

	require.NoError(t, e.engine.serviceQueue(ctx))

	assert.Eventually(t, func() bool {
		stored, err := e.store.GetProposal(ctx, p.ID)
		return err == nil && stored.Status == store.ProposalCompleted
	}, 2*time.Second, 10*time.Millisecond)

	mission, err := e.store.MissionForProposal(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, mission)
	assert.Equal(t, store.MissionCompleted, mission.Status)
	assert.Contains(t, mission.Result, "load average")
	require.NotNil(t, mission.CompletedAt)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, events[0].Success)
	assert.Equal(t, "uptime_check", events[0].Skill)
}

func TestMissionFailureRecordsLearning(t *testing.T) {
	e := newTestEngine(t, 4096000, 10)
	ctx := context.Background()

	registerSkill(t, e.registry, "flaky", func(context.Context, map[string]string) (string, error) {
		return "", jarbasErrors.Execution("disk probe crashed")
	})

	p, err := e.engine.CreateProposal(ctx, "system_health",
		store.SuggestedAction{Skill: "flaky"}, 5)
	require.NoError(t, err)

	require.NoError(t, e.engine.serviceQueue(ctx))

	assert.Eventually(t, func() bool {
		stored, err := e.store.GetProposal(ctx, p.ID)
		return err == nil && stored.Status == store.ProposalFailed
	}, 2*time.Second, 10*time.Millisecond)

	mission, err := e.store.MissionForProposal(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, mission)
	assert.Equal(t, store.MissionFailed, mission.Status)
	assert.Contains(t, mission.Result, "error")

	learnings, err := e.store.ListLearnings(ctx, store.LearningExecutionError, 10)
	require.NoError(t, err)
	require.Len(t, learnings, 1)
	assert.Equal(t, "flaky", learnings[0].Trigger)
	assert.False(t, learnings[0].Success)
}

func TestServiceQueueRunsOneMissionAtATime(t *testing.T) {
	e := newTestEngine(t, 4096000, 10)
	ctx := context.Background()

	release := make(chan struct{})
	registerSkill(t, e.registry, "slow", func(ctx context.Context, _ map[string]string) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	first, err := e.engine.CreateProposal(ctx, "system_health",
		store.SuggestedAction{Skill: "slow"}, 1)
	require.NoError(t, err)
	second, err := e.engine.CreateProposal(ctx, "system_health",
		store.SuggestedAction{Skill: "slow"}, 5)
	require.NoError(t, err)

	require.NoError(t, e.engine.serviceQueue(ctx))
	assert.Eventually(t, func() bool { return e.engine.inFlight.Load() }, time.Second, 5*time.Millisecond)

	// Second pass while the first mission runs must not start another.
	require.NoError(t, e.engine.serviceQueue(ctx))

	firstMission, err := e.store.MissionForProposal(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, firstMission)

	secondMission, err := e.store.MissionForProposal(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, secondMission)

	stored, err := e.store.GetProposal(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalApproved, stored.Status)

	close(release)
	assert.Eventually(t, func() bool { return !e.engine.inFlight.Load() }, 2*time.Second, 10*time.Millisecond)
}

func TestServiceQueueDropsMalformedAction(t *testing.T) {
	e := newTestEngine(t, 4096000, 10)
	ctx := context.Background()

	p, err := e.store.InsertProposal(ctx, store.Proposal{
		TriggerName:     "system_health",
		SuggestedAction: `{"skill": ""}`,
		Priority:        5,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.TransitionProposal(ctx, p.ID, store.ProposalPending, store.ProposalApproved, ""))

	require.NoError(t, e.engine.serviceQueue(ctx))

	stored, err := e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalFailed, stored.Status)

	mission, err := e.store.MissionForProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, mission)
}

func TestInitRefusesHeldLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "scheduler.lock")

	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	mem, err := memory.NewManager(s, config.MemoryConfig{}, nil)
	require.NoError(t, err)
	caps := policy.NewCaps(s, config.CapsConfig{MeminfoPath: writeMeminfo(t, 8192000, 4096000)}, nil)

	newLocked := func() *Engine {
		e, err := NewEngine(s, caps, mem, skill.NewRegistry(), bus.New(), config.SchedulerConfig{LockPath: lockPath})
		require.NoError(t, err)
		return e
	}

	first := newLocked()
	require.NoError(t, first.Init(context.Background()))

	second := newLocked()
	err = second.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")

	require.NoError(t, first.fileLock.Unlock())
	require.NoError(t, second.Init(context.Background()))
	require.NoError(t, second.fileLock.Unlock())
}

func TestTriggerIntervalPacing(t *testing.T) {
	tr := &Trigger{Name: "t", Interval: time.Minute, Enabled: true}
	now := time.Now()

	assert.True(t, tr.due(now))
	assert.False(t, tr.due(now.Add(30*time.Second)))
	assert.True(t, tr.due(now.Add(time.Minute)))
}

func TestTriggerCronPacing(t *testing.T) {
	tr := &Trigger{Name: "daily", Schedule: "0 3 * * *", Enabled: true}
	require.NoError(t, tr.compile())

	threeAM := time.Date(2026, 8, 29, 3, 0, 30, 0, time.UTC)
	assert.True(t, tr.due(threeAM))
	assert.False(t, tr.due(threeAM.Add(time.Minute)), "fires once per schedule point")
	assert.True(t, tr.due(threeAM.Add(24*time.Hour)))
}

func TestTriggerDisabledNeverDue(t *testing.T) {
	tr := &Trigger{Name: "t", Interval: time.Second, Enabled: false}
	assert.False(t, tr.due(time.Now().Add(time.Hour)))
}

func TestTriggerBadCronRejected(t *testing.T) {
	e := newTestEngine(t, 4096000, 10)
	err := e.engine.RegisterTrigger(&Trigger{Name: "bad", Schedule: "not a cron", Enabled: true})
	require.Error(t, err)
}

func TestMemoryPressureTriggerFiresBelowThreshold(t *testing.T) {
	lowMeminfo := writeMeminfo(t, 8192000, 204800) // 200 MB, below 2x floor
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	mem, err := memory.NewManager(s, config.MemoryConfig{}, nil)
	require.NoError(t, err)

	triggers := DefaultTriggers(mem, lowMeminfo, 200)
	var pressure *Trigger
	for _, tr := range triggers {
		if tr.Name == "memory_pressure" {
			pressure = tr
		}
	}
	require.NotNil(t, pressure)

	draft, err := pressure.Condition(context.Background())
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, "get_ram", draft.Action.Skill)

	// Plenty of headroom: stays quiet.
	quiet := DefaultTriggers(mem, writeMeminfo(t, 8192000, 4096000), 200)
	for _, tr := range quiet {
		if tr.Name == "memory_pressure" {
			draft, err := tr.Condition(context.Background())
			require.NoError(t, err)
			assert.Nil(t, draft)
		}
	}
}

func TestRetrospectiveIdempotentPerDay(t *testing.T) {
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	mem, err := memory.NewManager(s, config.MemoryConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, mem.RecordLearning(ctx, store.Learning{
		Category: store.LearningExecutionError,
		Trigger:  "flaky",
		Lesson:   "probe crashed",
		Success:  false,
	}))

	require.NoError(t, runRetrospective(ctx, mem))
	require.NoError(t, runRetrospective(ctx, mem))

	summaries, err := s.ListLearnings(ctx, store.LearningSystem, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1, "one summary per day")
	assert.Contains(t, summaries[0].Lesson, "retrospective")
}

type captureCreator struct {
	mu      sync.Mutex
	actions []store.SuggestedAction
}

func (c *captureCreator) CreateProposal(_ context.Context, _ string, action store.SuggestedAction, _ int) (*store.Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return &store.Proposal{ID: "p", Status: store.ProposalApproved}, nil
}

func TestFailureFollowUpFilesProposal(t *testing.T) {
	creator := &captureCreator{}
	handler := FailureFollowUp(creator)

	handler(&bus.CompletionEvent{Skill: "disk_usage", Success: false})
	handler(&bus.CompletionEvent{Skill: "disk_usage", Success: true})
	handler(&bus.CompletionEvent{Skill: "capability_plan", Success: false})

	creator.mu.Lock()
	defer creator.mu.Unlock()
	require.Len(t, creator.actions, 1, "only genuine failures re-trigger")
	assert.Equal(t, "capability_plan", creator.actions[0].Skill)
	assert.Contains(t, creator.actions[0].Args["capability"], "disk_usage")
}

func TestStopCancelsInFlightMission(t *testing.T) {
	e := newTestEngine(t, 4096000, 10)
	ctx := context.Background()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	registerSkill(t, e.registry, "stuck", func(context.Context, map[string]string) (string, error) {
		// The handler itself never returns; the runner observes
		// cancellation on its behalf.
		<-block
		return "", nil
	})

	p, err := e.engine.CreateProposal(ctx, "system_health",
		store.SuggestedAction{Skill: "stuck"}, 5)
	require.NoError(t, err)

	require.NoError(t, e.engine.Start(ctx))
	assert.Eventually(t, func() bool {
		m, err := e.store.MissionForProposal(ctx, p.ID)
		return err == nil && m != nil
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, e.engine.Stop(ctx))

	mission, err := e.store.MissionForProposal(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, mission)
	assert.Equal(t, store.MissionCancelled, mission.Status)

	stored, err := e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalFailed, stored.Status)
}
