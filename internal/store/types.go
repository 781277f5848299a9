package store

import "time"

// ProposalStatus values. Transitions only move forward:
// pending -> {approved, rejected}; approved -> executing;
// executing -> {completed, failed}.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalApproved  ProposalStatus = "approved"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalExecuting ProposalStatus = "executing"
	ProposalCompleted ProposalStatus = "completed"
	ProposalFailed    ProposalStatus = "failed"
)

// MissionStatus values. running is the only non-terminal state.
type MissionStatus string

const (
	MissionRunning   MissionStatus = "running"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
	MissionCancelled MissionStatus = "cancelled"
)

// Proposal is a persisted candidate autonomous action.
type Proposal struct {
	ID               string         `json:"id"`
	TriggerName      string         `json:"trigger_name"`
	ConditionData    string         `json:"condition_data"`   // JSON blob
	SuggestedAction  string         `json:"suggested_action"` // JSON: {"skill": ..., "args": {...}}
	Status           ProposalStatus `json:"status"`
	Priority         int            `json:"priority"` // lower runs first
	RequiresApproval bool           `json:"requires_approval"`
	ApprovalNote     string         `json:"approval_note,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ExecutedAt       *time.Time     `json:"executed_at,omitempty"`
}

// SuggestedAction is the structured form of Proposal.SuggestedAction.
type SuggestedAction struct {
	Skill string            `json:"skill"`
	Args  map[string]string `json:"args,omitempty"`
}

// Mission is one execution attempt for an approved proposal.
type Mission struct {
	ID            string        `json:"id"`
	ProposalID    string        `json:"proposal_id"`
	MissionType   string        `json:"mission_type"`
	ExecutionPlan string        `json:"execution_plan"` // JSON blob
	Status        MissionStatus `json:"status"`
	Result        string        `json:"result,omitempty"` // JSON blob
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// Fact is one per-user memory row.
type Fact struct {
	UserID     string  `json:"user_id"`
	MemoryType string  `json:"memory_type"`
	Key        string  `json:"key"`
	Value      string  `json:"value"` // JSON blob
	Confidence float64 `json:"confidence"`
}

// ConversationEntry is an append-only message record.
type ConversationEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Learning categories.
const (
	LearningAPIFailure     = "api_failure"
	LearningToolChoice     = "tool_choice"
	LearningExecutionError = "execution_error"
	LearningUserFeedback   = "user_feedback"
	LearningSystem         = "system_learning"
	LearningSecurity       = "security"
)

// Learning is an append-only record of an outcome.
type Learning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Trigger   string    `json:"trigger"`
	Lesson    string    `json:"lesson"`
	Success   bool      `json:"success"`
	Metadata  string    `json:"metadata"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}
