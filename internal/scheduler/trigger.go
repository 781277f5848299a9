package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jarbas-ai/jarbas/internal/bus"
	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
	"github.com/jarbas-ai/jarbas/internal/memory"
	"github.com/jarbas-ai/jarbas/internal/policy"
	"github.com/jarbas-ai/jarbas/internal/store"
)

// Draft is what a trigger condition hands back when it wants a proposal.
type Draft struct {
	Action        store.SuggestedAction
	Priority      int
	ConditionData map[string]any
}

// Trigger is one registered source of autonomous work. Either Interval or
// Schedule (a cron expression) paces it. Condition runs on each due tick;
// a nil draft means nothing to do.
type Trigger struct {
	Name      string
	Interval  time.Duration
	Schedule  string
	Enabled   bool
	Condition func(ctx context.Context) (*Draft, error)

	schedule cron.Schedule
	mu       sync.Mutex
	lastRun  time.Time
}

// compile parses the cron expression, if any.
func (t *Trigger) compile() error {
	if t.Schedule == "" {
		return nil
	}
	schedule, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return jarbasErrors.InvalidInput(fmt.Sprintf("trigger %s: bad schedule %q: %v", t.Name, t.Schedule, err))
	}
	t.schedule = schedule
	return nil
}

// due reports whether the trigger should fire now, and records the firing.
func (t *Trigger) due(now time.Time) bool {
	if !t.Enabled {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.schedule != nil {
		last := t.lastRun
		if last.IsZero() {
			last = now.Add(-time.Minute)
		}
		if now.Before(t.schedule.Next(last)) {
			return false
		}
	} else {
		if t.Interval <= 0 {
			return false
		}
		if !t.lastRun.IsZero() && now.Sub(t.lastRun) < t.Interval {
			return false
		}
	}
	t.lastRun = now
	return true
}

// DefaultTriggers builds the stock trigger set. Thresholds come from the
// caps config so the triggers and the gates agree on what "low" means.
func DefaultTriggers(mem *memory.Manager, meminfoPath string, minAvailableMB int) []*Trigger {
	if minAvailableMB <= 0 {
		minAvailableMB = 200
	}

	return []*Trigger{
		{
			Name:     "system_health",
			Interval: 30 * time.Minute,
			Enabled:  true,
			Condition: func(ctx context.Context) (*Draft, error) {
				return &Draft{
					Action:        store.SuggestedAction{Skill: "disk_usage"},
					Priority:      5,
					ConditionData: map[string]any{"reason": "periodic health snapshot"},
				}, nil
			},
		},
		{
			Name:     "memory_pressure",
			Interval: 5 * time.Minute,
			Enabled:  true,
			Condition: func(ctx context.Context) (*Draft, error) {
				available, err := policy.AvailableRAMMB(meminfoPath)
				if err != nil {
					return nil, err
				}
				// Fire while there is still headroom to act; below the hard
				// floor the RAM cap would reject the proposal anyway.
				if available >= 2*minAvailableMB {
					return nil, nil
				}
				return &Draft{
					Action:        store.SuggestedAction{Skill: "get_ram"},
					Priority:      2,
					ConditionData: map[string]any{"available_mb": available},
				}, nil
			},
		},
		{
			Name:     "retrospective",
			Schedule: "0 3 * * *",
			Enabled:  true,
			Condition: func(ctx context.Context) (*Draft, error) {
				return nil, runRetrospective(ctx, mem)
			},
		},
	}
}

// runRetrospective summarizes the day's failures into a system learning.
// It does its work inline rather than through a proposal: it only reads
// and writes memory, so there is nothing to cap-gate.
func runRetrospective(ctx context.Context, mem *memory.Manager) error {
	today := time.Now().UTC().Format("2006-01-02")
	last, err := mem.GetSystemState(ctx, "last_retrospective")
	if err != nil {
		return err
	}
	if last == today {
		return nil
	}

	learnings, err := mem.RecentLearnings(ctx, "", 100)
	if err != nil {
		return err
	}
	failures := 0
	byCategory := map[string]int{}
	for _, l := range learnings {
		if !l.Success {
			failures++
			byCategory[l.Category]++
		}
	}

	if failures > 0 {
		metadata, _ := json.Marshal(byCategory)
		err = mem.RecordLearning(ctx, store.Learning{
			Category: store.LearningSystem,
			Trigger:  "retrospective",
			Lesson:   fmt.Sprintf("daily retrospective: %d failures across %d categories", failures, len(byCategory)),
			Success:  true,
			Metadata: string(metadata),
		})
		if err != nil {
			return err
		}
	}
	return mem.SetSystemState(ctx, "last_retrospective", today)
}

// FailureFollowUp is the event-driven re-trigger: a failed mission files a
// low-priority proposal to investigate, through the normal cap gates so a
// failure storm cannot flood the queue.
func FailureFollowUp(creator ProposalCreator) func(*bus.CompletionEvent) {
	return func(ev *bus.CompletionEvent) {
		if ev.Success || ev.Skill == "capability_plan" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		action := store.SuggestedAction{
			Skill: "capability_plan",
			Args:  map[string]string{"capability": "investigate repeated failures of skill " + ev.Skill},
		}
		if _, err := creator.CreateProposal(ctx, "on_mission_completed", action, 4); err != nil {
			slog.Warn("Failure follow-up proposal refused", "skill", ev.Skill, "error", err)
		}
	}
}
