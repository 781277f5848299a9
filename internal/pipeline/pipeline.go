// Package pipeline turns one inbound user message into one response. It is
// a fixed state graph; every stage takes the state record and returns the
// next one, and no stage lets an error escape past respond.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
	"github.com/jarbas-ai/jarbas/internal/memory"
	"github.com/jarbas-ai/jarbas/internal/policy"
	"github.com/jarbas-ai/jarbas/internal/reasoner"
	"github.com/jarbas-ai/jarbas/internal/skill"
	"github.com/jarbas-ai/jarbas/internal/store"
)

// StepType tells the security gate how to treat a planned step.
type StepType string

const (
	StepCommand StepType = "command" // shell command assembled from the message
	StepTool    StepType = "tool"    // internal skill with its own security level
)

// Step is one planned action.
type Step struct {
	Type    StepType
	Skill   string
	Args    map[string]string
	Command string
}

// State is the record flowing through the graph. Stages never alias it;
// each returns the next value.
type State struct {
	UserID  string
	Message string

	Classification reasoner.Classification
	Facts          map[string]string
	History        []store.ConversationEntry
	Plan           []Step

	BlockedBySecurity bool
	ExecutionResult   string
	ExecutedSkill     string
	ExecErr           error

	Response string
}

// ProposalCreator lets a self_improve intent file a proposal without the
// pipeline knowing the scheduler.
type ProposalCreator interface {
	CreateProposal(ctx context.Context, triggerName string, action store.SuggestedAction, priority int) (*store.Proposal, error)
}

type Pipeline struct {
	reasoner  *reasoner.Reasoner
	registry  *skill.Registry
	allowlist *policy.Allowlist
	memory    *memory.Manager
	proposals ProposalCreator
}

func New(r *reasoner.Reasoner, registry *skill.Registry, allowlist *policy.Allowlist, mem *memory.Manager, proposals ProposalCreator) *Pipeline {
	return &Pipeline{
		reasoner:  r,
		registry:  registry,
		allowlist: allowlist,
		memory:    mem,
		proposals: proposals,
	}
}

// Handle runs the full graph for one message. The returned response is
// never empty.
func (p *Pipeline) Handle(ctx context.Context, userID, message string) string {
	state := State{UserID: userID, Message: message}

	state = p.classifyIntent(ctx, state)
	state = p.loadContext(ctx, state)
	state = p.plan(ctx, state)
	state = p.securityCheck(state)
	state = p.execute(ctx, state)
	state = p.respond(ctx, state)
	p.saveMemory(ctx, state)

	return state.Response
}

func (p *Pipeline) classifyIntent(ctx context.Context, s State) State {
	s.Classification = p.reasoner.Classify(ctx, s.Message)
	slog.Debug("Intent classified",
		"user", s.UserID,
		"intent", s.Classification.Intent,
		"confidence", s.Classification.Confidence,
		"tool", s.Classification.ToolSuggestion)
	return s
}

func (p *Pipeline) loadContext(ctx context.Context, s State) State {
	facts, err := p.memory.GetUserFacts(ctx, s.UserID)
	if err != nil {
		slog.Warn("Loading facts failed", "user", s.UserID, "error", err)
		facts = map[string]string{}
	}
	history, err := p.memory.GetConversationHistory(ctx, s.UserID, 5)
	if err != nil {
		slog.Warn("Loading history failed", "user", s.UserID, "error", err)
	}
	s.Facts = facts
	s.History = history
	return s
}

func (p *Pipeline) plan(ctx context.Context, s State) State {
	switch s.Classification.Intent {
	case reasoner.IntentCommand:
		command := strings.TrimSpace(stripCommandPrefix(s.Message))
		s.Plan = []Step{{
			Type:    StepCommand,
			Skill:   "shell_exec",
			Command: command,
			Args:    map[string]string{"command": command},
		}}

	case reasoner.IntentTask, reasoner.IntentQuestion:
		if d, ok := p.resolveTool(s.Classification.ToolSuggestion, s.Message); ok {
			s.Plan = []Step{{Type: StepTool, Skill: d.Name, Args: map[string]string{}}}
			break
		}
		if s.Classification.Intent == reasoner.IntentQuestion {
			break // answer directly
		}
		// Unresolved task: let the reasoner pick a tool with arguments.
		decision, err := p.reasoner.Decide(ctx, s.Message, s.History, s.Facts)
		if err != nil {
			s.ExecErr = err
			break
		}
		if decision.Tool != nil {
			step := Step{Type: StepTool, Skill: decision.Tool.Name, Args: decision.Tool.Args}
			if decision.Tool.Name == "shell_exec" {
				step.Type = StepCommand
				step.Command = decision.Tool.Args["command"]
			}
			s.Plan = []Step{step}
		} else if !s.Classification.ActionRequired {
			// With action required and no tool, execute composes the
			// capability-missing response instead.
			s.Response = decision.Answer
		}

	case reasoner.IntentSelfImprove:
		s = p.fileSelfImprovement(ctx, s)

	case reasoner.IntentChat:
		// empty plan
	}
	return s
}

// resolveTool follows the resolution chain: exact name, suggestion as a
// trigger phrase, then the message itself as a trigger.
func (p *Pipeline) resolveTool(suggestion, message string) (*skill.Descriptor, bool) {
	if suggestion != "" {
		if d, ok := p.registry.Get(suggestion); ok {
			return d, true
		}
		if d, ok := p.registry.FindByTrigger(suggestion); ok {
			return d, true
		}
	}
	return p.registry.FindByTrigger(message)
}

func (p *Pipeline) securityCheck(s State) State {
	for _, step := range s.Plan {
		if step.Type != StepCommand {
			continue // tool steps carry their own security level
		}
		decision := p.allowlist.Evaluate("command", step.Command)
		switch {
		case decision.RequiresApproval:
			s.BlockedBySecurity = true
			s.ExecutionResult = fmt.Sprintf(
				"O comando %q exige confirmação antes de executar (%s). Confirme para prosseguir.",
				step.Command, decision.Reason)
		case !decision.Allow:
			s.BlockedBySecurity = true
			s.ExecutionResult = fmt.Sprintf(
				"Comando bloqueado por segurança: %q (%s).", step.Command, decision.Reason)
			slog.Warn("Command blocked", "user", s.UserID, "command", step.Command, "rule", decision.Rule)
		}
	}
	return s
}

func (p *Pipeline) execute(ctx context.Context, s State) State {
	if s.BlockedBySecurity || s.Response != "" || s.ExecutionResult != "" {
		return s
	}
	if len(s.Plan) == 0 {
		if s.Classification.ActionRequired {
			s.ExecutionResult = p.capabilityMissing(ctx, s)
		}
		return s
	}

	step := s.Plan[0]
	args := step.Args
	if len(args) == 0 {
		args = map[string]string{}
	}
	output, err := p.registry.Execute(ctx, step.Skill, args)
	s.ExecutionResult = output
	s.ExecutedSkill = step.Skill
	if err != nil {
		s.ExecErr = err
		p.recordFailure(ctx, step.Skill, err)
	}
	return s
}

func (p *Pipeline) respond(ctx context.Context, s State) State {
	switch {
	case s.Response != "":
		// plan already produced the response

	case s.BlockedBySecurity:
		s.Response = s.ExecutionResult

	case s.ExecutionResult != "" && s.ExecErr == nil && s.ExecutedSkill != "":
		s.Response = p.reasoner.Format(ctx, s.Message, s.ExecutedSkill, s.ExecutionResult)

	case s.ExecutionResult != "":
		s.Response = s.ExecutionResult

	case s.ExecErr != nil:
		s.Response = "Não consegui concluir o pedido agora. Tente novamente em instantes."

	default:
		s.Response = p.reasoner.Answer(ctx, s.Message, s.History, s.Facts)
	}

	if s.Response == "" {
		s.Response = "Desculpe, não consegui produzir uma resposta."
	}
	return s
}

func (p *Pipeline) saveMemory(ctx context.Context, s State) {
	if err := p.memory.SaveConversation(ctx, s.UserID, "user", s.Message); err != nil {
		slog.Error("Saving user turn failed", "user", s.UserID, "error", err)
	}
	if err := p.memory.SaveConversation(ctx, s.UserID, "assistant", s.Response); err != nil {
		slog.Error("Saving assistant turn failed", "user", s.UserID, "error", err)
	}
}

// capabilityMissing names the detected domain, sketches an implementation
// and invites the user to approve creating the capability. Related past
// lessons, when the vector index has any, give the sketch context.
func (p *Pipeline) capabilityMissing(ctx context.Context, s State) string {
	domain := s.Classification.ToolSuggestion
	if domain == "" && len(s.Classification.Entities) > 0 {
		domain = strings.Join(s.Classification.Entities, ", ")
	}
	if domain == "" {
		domain = s.Message
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Ainda não tenho uma habilidade para %q.\n", domain)
	b.WriteString("Esboço de implementação:\n")
	b.WriteString("1. Descrever a habilidade em um skill.yaml (nome, gatilhos, parâmetros).\n")
	b.WriteString("2. Implementar o comando ou handler que produz o resultado.\n")
	b.WriteString("3. Registrar o nível de segurança e regras de allowlist.\n")
	if matches, err := p.memory.SimilarLearnings(ctx, domain, 3); err == nil && len(matches) > 0 {
		b.WriteString("Lições anteriores relacionadas:\n")
		for _, m := range matches {
			fmt.Fprintf(&b, "- %s\n", m.Lesson)
		}
	}
	b.WriteString("Deseja que eu crie uma proposta para implementar isso?")
	return b.String()
}

func (p *Pipeline) fileSelfImprovement(ctx context.Context, s State) State {
	if p.proposals == nil {
		s.Response = "Auto-aprimoramento não está habilitado neste momento."
		return s
	}
	action := store.SuggestedAction{
		Skill: "capability_plan",
		Args:  map[string]string{"capability": s.Message},
	}
	proposal, err := p.proposals.CreateProposal(ctx, "self_improve", action, 5)
	if err != nil {
		slog.Warn("Self-improvement proposal refused", "user", s.UserID, "error", err)
		if jarbasErrors.Category(err) == "security" || strings.Contains(err.Error(), "cap") {
			s.Response = "Não posso criar essa proposta agora: limite de recursos atingido. Tente novamente mais tarde."
		} else {
			s.Response = "Não consegui registrar a proposta de melhoria agora."
		}
		return s
	}
	switch proposal.Status {
	case store.ProposalPending:
		s.Response = fmt.Sprintf("Proposta %s registrada e aguardando aprovação: %s", proposal.ID, proposal.ApprovalNote)
	case store.ProposalRejected:
		s.Response = fmt.Sprintf("Proposta recusada: %s", proposal.ApprovalNote)
	default:
		s.Response = fmt.Sprintf("Proposta %s aprovada. Vou trabalhar nisso em segundo plano.", proposal.ID)
	}
	return s
}

func (p *Pipeline) recordFailure(ctx context.Context, skillName string, err error) {
	metadata, _ := json.Marshal(map[string]string{"error": err.Error()})
	learning := store.Learning{
		Category: jarbasErrors.Category(err),
		Trigger:  skillName,
		Lesson:   fmt.Sprintf("skill %s failed: %v", skillName, err),
		Success:  false,
		Metadata: string(metadata),
	}
	if recErr := p.memory.RecordLearning(ctx, learning); recErr != nil {
		slog.Error("Recording learning failed", "skill", skillName, "error", recErr)
	}
}

func stripCommandPrefix(message string) string {
	lower := strings.ToLower(message)
	for _, prefix := range []string{"execute ", "executar ", "executa ", "rodar ", "roda ", "run "} {
		if strings.HasPrefix(lower, prefix) {
			return message[len(prefix):]
		}
	}
	return message
}
