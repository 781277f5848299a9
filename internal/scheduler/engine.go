// Package scheduler is the autonomous loop: triggers propose work, cap
// gates decide its fate, and approved proposals run as missions one at a
// time. Every state change is a durable write so a crash mid-flight
// recovers to a consistent view.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/jarbas-ai/jarbas/internal/bus"
	"github.com/jarbas-ai/jarbas/internal/concurrency"
	"github.com/jarbas-ai/jarbas/internal/config"
	"github.com/jarbas-ai/jarbas/internal/daemon"
	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
	"github.com/jarbas-ai/jarbas/internal/memory"
	"github.com/jarbas-ai/jarbas/internal/policy"
	"github.com/jarbas-ai/jarbas/internal/resilience"
	"github.com/jarbas-ai/jarbas/internal/skill"
	"github.com/jarbas-ai/jarbas/internal/store"
)

// ProposalCreator files a proposal and runs it through the cap gates.
type ProposalCreator interface {
	CreateProposal(ctx context.Context, triggerName string, action store.SuggestedAction, priority int) (*store.Proposal, error)
}

type Engine struct {
	store    *store.Store
	caps     *policy.Caps
	memory   *memory.Manager
	registry *skill.Registry
	bus      *bus.Bus
	breakers *resilience.Registry
	retry    resilience.RetryConfig

	tick         time.Duration
	errorBackoff time.Duration
	missionGrace time.Duration

	fileLock *flock.Flock
	triggers []*Trigger

	cancel    context.CancelFunc
	loopDone  chan struct{}
	missionWG sync.WaitGroup
	inFlight  atomic.Bool
	running   atomic.Bool
}

func NewEngine(
	s *store.Store,
	caps *policy.Caps,
	mem *memory.Manager,
	registry *skill.Registry,
	eventBus *bus.Bus,
	cfg config.SchedulerConfig,
) (*Engine, error) {
	tick, err := config.DurationOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return nil, err
	}
	errorBackoff, err := config.DurationOrDefault(cfg.ErrorBackoff, config.DefaultSchedulerErrorBackoff)
	if err != nil {
		return nil, err
	}
	missionGrace, err := config.DurationOrDefault(cfg.MissionGrace, config.DefaultSchedulerMissionGrace)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:        s,
		caps:         caps,
		memory:       mem,
		registry:     registry,
		bus:          eventBus,
		breakers:     resilience.NewRegistry(resilience.BreakerConfig{}),
		retry:        resilience.DefaultRetryConfig(),
		tick:         tick,
		errorBackoff: errorBackoff,
		missionGrace: missionGrace,
		loopDone:     make(chan struct{}),
	}
	if cfg.LockPath != "" {
		e.fileLock = flock.New(cfg.LockPath)
	}
	return e, nil
}

// RegisterTrigger adds a trigger before Start.
func (e *Engine) RegisterTrigger(t *Trigger) error {
	if err := t.compile(); err != nil {
		return err
	}
	e.triggers = append(e.triggers, t)
	return nil
}

func (e *Engine) Name() string { return "scheduler" }

// Init takes the single-instance lock. Two scheduler processes against one
// database would double-execute proposals.
func (e *Engine) Init(ctx context.Context) error {
	if e.fileLock == nil {
		return nil
	}
	locked, err := e.fileLock.TryLock()
	if err != nil {
		return jarbasErrors.Internal("scheduler lock: " + err.Error())
	}
	if !locked {
		return jarbasErrors.Internal("scheduler lock held by another instance")
	}
	return nil
}

func (e *Engine) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running.Store(true)

	if e.bus != nil {
		e.bus.SubscribeCompletions(FailureFollowUp(e))
	}

	// The deferred close runs even when the loop panics, so Stop never
	// blocks on loopDone.
	concurrency.SafeGo(func() {
		defer close(e.loopDone)
		e.loop(loopCtx)
	}, func(v any) {
		slog.Error("Scheduler loop panicked", "panic", v)
	})
	return nil
}

// Stop halts the outer loop, gives in-flight missions the grace window to
// observe cancellation, then records stragglers as failed.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()
	<-e.loopDone

	missionsDone := make(chan struct{})
	go func() {
		e.missionWG.Wait()
		close(missionsDone)
	}()
	select {
	case <-missionsDone:
	case <-time.After(e.missionGrace):
		slog.Warn("Mission did not observe cancellation within grace window")
	}

	if n, err := e.store.CloseRunningMissions(ctx, store.MissionFailed); err != nil {
		slog.Error("Closing running missions failed", "error", err)
	} else if n > 0 {
		slog.Warn("Unresponsive missions recorded as failed", "count", n)
	}

	if e.fileLock != nil {
		if err := e.fileLock.Unlock(); err != nil {
			slog.Warn("Releasing scheduler lock failed", "error", err)
		}
	}
	return nil
}

func (e *Engine) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	healthy := e.running.Load()
	h := &daemon.ComponentHealth{Name: e.Name(), Healthy: healthy}
	if !healthy {
		h.Error = jarbasErrors.Internal("scheduler not running")
	}
	return h, nil
}

// loop is the outer tick. Triggers run concurrently within a tick and all
// complete before the queue is serviced; an outer error backs off instead
// of tightening the loop.
func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.runTick(ctx); err != nil {
				slog.Error("Scheduler tick failed, backing off", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.errorBackoff):
				}
			}
		}
	}
}

func (e *Engine) runTick(ctx context.Context) error {
	now := time.Now()

	var wg sync.WaitGroup
	for _, t := range e.triggers {
		if !t.due(now) {
			continue
		}
		trigger := t
		wg.Add(1)
		concurrency.SafeGo(func() {
			defer wg.Done()
			e.fireTrigger(ctx, trigger)
		}, func(v any) {
			slog.Error("Trigger panicked", "trigger", trigger.Name, "panic", v)
		})
	}
	wg.Wait()

	return e.serviceQueue(ctx)
}

// fireTrigger evaluates one trigger condition. Individual failures are
// logged, never propagated to the outer loop.
func (e *Engine) fireTrigger(ctx context.Context, t *Trigger) {
	draft, err := t.Condition(ctx)
	if err != nil {
		slog.Warn("Trigger condition failed", "trigger", t.Name, "error", err)
		return
	}
	if draft == nil {
		return
	}
	if _, err := e.createProposal(ctx, t.Name, draft); err != nil {
		slog.Warn("Trigger proposal failed", "trigger", t.Name, "error", err)
	}
}

// CreateProposal implements ProposalCreator for triggers, the pipeline's
// self_improve path and external callers.
func (e *Engine) CreateProposal(ctx context.Context, triggerName string, action store.SuggestedAction, priority int) (*store.Proposal, error) {
	return e.createProposal(ctx, triggerName, &Draft{Action: action, Priority: priority})
}

// createProposal inserts as pending and immediately runs the gate sequence:
// rate, RAM, dangerous tokens, then auto-approve. Cap rejections transition
// to rejected with the reason; a dangerous token keeps it pending awaiting
// approval.
func (e *Engine) createProposal(ctx context.Context, triggerName string, draft *Draft) (*store.Proposal, error) {
	actionJSON, err := json.Marshal(draft.Action)
	if err != nil {
		return nil, jarbasErrors.Internal("encode action: " + err.Error())
	}
	conditionJSON := "{}"
	if draft.ConditionData != nil {
		if data, err := json.Marshal(draft.ConditionData); err == nil {
			conditionJSON = string(data)
		}
	}

	// The rate count is taken before the insert so the candidate never
	// counts against its own budget.
	rate, err := e.caps.CheckRate(ctx)
	if err != nil {
		return nil, err
	}

	p, err := e.store.InsertProposal(ctx, store.Proposal{
		TriggerName:     triggerName,
		ConditionData:   conditionJSON,
		SuggestedAction: string(actionJSON),
		Priority:        draft.Priority,
	})
	if err != nil {
		return nil, err
	}

	reject := func(note string) (*store.Proposal, error) {
		if err := e.store.TransitionProposal(ctx, p.ID, store.ProposalPending, store.ProposalRejected, note); err != nil {
			return nil, err
		}
		p.Status = store.ProposalRejected
		p.ApprovalNote = note
		slog.Info("Proposal rejected by cap gate", "proposal", p.ID, "trigger", triggerName, "note", note)
		return &p, nil
	}

	if !rate.OK {
		return reject("rate_limit: " + rate.Note)
	}

	ram, err := e.caps.CheckRAM()
	if err != nil {
		return nil, err
	}
	if !ram.OK {
		return reject("ram_low: " + ram.Note)
	}

	if tokens := e.caps.CheckTokens(string(actionJSON)); tokens.RequiresApproval {
		if err := e.store.MarkRequiresApproval(ctx, p.ID, tokens.Note); err != nil {
			return nil, err
		}
		p.RequiresApproval = true
		p.ApprovalNote = tokens.Note
		slog.Info("Proposal held for approval", "proposal", p.ID, "trigger", triggerName, "note", tokens.Note)
		return &p, nil
	}

	if err := e.store.TransitionProposal(ctx, p.ID, store.ProposalPending, store.ProposalApproved, "auto-approved"); err != nil {
		return nil, err
	}
	p.Status = store.ProposalApproved
	slog.Info("Proposal auto-approved", "proposal", p.ID, "trigger", triggerName, "skill", draft.Action.Skill)
	return &p, nil
}

// serviceQueue picks at most one approved proposal and launches its
// mission. One at a time per process; the outer loop does not block on it.
func (e *Engine) serviceQueue(ctx context.Context) error {
	if e.inFlight.Load() {
		return nil
	}

	p, err := e.store.NextApproved(ctx)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}

	var action store.SuggestedAction
	if err := json.Unmarshal([]byte(p.SuggestedAction), &action); err != nil || action.Skill == "" {
		note := "malformed suggested_action"
		if terr := e.store.TransitionProposal(ctx, p.ID, store.ProposalApproved, store.ProposalExecuting, ""); terr != nil {
			slog.Error("Proposal transition failed", "proposal", p.ID, "error", terr)
		} else if terr := e.store.TransitionProposal(ctx, p.ID, store.ProposalExecuting, store.ProposalFailed, note); terr != nil {
			slog.Error("Proposal transition failed", "proposal", p.ID, "error", terr)
		}
		slog.Error("Proposal dropped", "proposal", p.ID, "note", note)
		return nil
	}

	mission, err := e.store.StartMission(ctx, p.ID, action.Skill, p.SuggestedAction)
	if err != nil {
		return err
	}

	e.inFlight.Store(true)
	e.missionWG.Add(1)
	concurrency.SafeGo(func() {
		defer e.missionWG.Done()
		defer e.inFlight.Store(false)
		e.runMission(ctx, p, mission, action)
	}, func(v any) {
		slog.Error("Mission panicked", "mission", mission.ID, "panic", v)
	})
	return nil
}

// runMission executes the skill under retry around a per-skill breaker and
// records the terminal state. A shutdown observed mid-run closes the
// mission as cancelled; the proposal still terminates as failed.
func (e *Engine) runMission(ctx context.Context, p *store.Proposal, mission *store.Mission, action store.SuggestedAction) {
	breaker := e.breakers.Get(action.Skill)

	var output string
	err := resilience.CallWithBreaker(ctx, e.retry, breaker, func(callCtx context.Context) error {
		out, execErr := e.registry.Execute(callCtx, action.Skill, action.Args)
		output = out
		return execErr
	})

	// Stop uses a fresh context for the durable writes below.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		if ctx.Err() != nil {
			e.closeMission(writeCtx, p, mission, store.MissionCancelled, resultJSON("", "cancelled on shutdown"), "cancelled on shutdown")
			return
		}
		e.closeMission(writeCtx, p, mission, store.MissionFailed, resultJSON(output, err.Error()), err.Error())
		e.recordMissionFailure(writeCtx, p, action, err)
		e.publishCompletion(p, mission, action, false, output)
		return
	}

	e.closeMission(writeCtx, p, mission, store.MissionCompleted, resultJSON(output, ""), "")
	e.publishCompletion(p, mission, action, true, output)
	slog.Info("Mission completed", "mission", mission.ID, "proposal", p.ID, "skill", action.Skill)
}

func (e *Engine) closeMission(ctx context.Context, p *store.Proposal, mission *store.Mission, status store.MissionStatus, result, note string) {
	if err := e.store.FinishMission(ctx, mission.ID, status, result); err != nil {
		slog.Error("Finishing mission failed", "mission", mission.ID, "error", err)
	}

	target := store.ProposalCompleted
	if status != store.MissionCompleted {
		target = store.ProposalFailed
	}
	if err := e.store.TransitionProposal(ctx, p.ID, store.ProposalExecuting, target, note); err != nil {
		slog.Error("Finishing proposal failed", "proposal", p.ID, "error", err)
	}
}

func (e *Engine) recordMissionFailure(ctx context.Context, p *store.Proposal, action store.SuggestedAction, err error) {
	metadata, _ := json.Marshal(map[string]string{"proposal_id": p.ID, "error": err.Error()})
	learning := store.Learning{
		Category: jarbasErrors.Category(err),
		Trigger:  action.Skill,
		Lesson:   "autonomous mission failed: " + err.Error(),
		Success:  false,
		Metadata: string(metadata),
	}
	if recErr := e.memory.RecordLearning(ctx, learning); recErr != nil {
		slog.Error("Recording mission learning failed", "error", recErr)
	}
}

func (e *Engine) publishCompletion(p *store.Proposal, mission *store.Mission, action store.SuggestedAction, success bool, result string) {
	if e.bus == nil {
		return
	}
	e.bus.PublishCompletion(&bus.CompletionEvent{
		ProposalID:  p.ID,
		MissionID:   mission.ID,
		TriggerName: p.TriggerName,
		Skill:       action.Skill,
		Success:     success,
		Result:      result,
	})
}

func resultJSON(output, errMsg string) string {
	payload := map[string]string{}
	if output != "" {
		payload["output"] = output
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	data, _ := json.Marshal(payload)
	return string(data)
}
