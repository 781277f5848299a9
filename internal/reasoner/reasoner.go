// Package reasoner is the single-shot "pick a tool or speak" step plus its
// deterministic fallbacks. All model traffic for the dispatch path funnels
// through here.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jarbas-ai/jarbas/internal/model"
	"github.com/jarbas-ai/jarbas/internal/model/contract"
	"github.com/jarbas-ai/jarbas/internal/skill"
	"github.com/jarbas-ai/jarbas/internal/store"
)

// Intent labels the user's message.
type Intent string

const (
	IntentCommand     Intent = "command"
	IntentTask        Intent = "task"
	IntentQuestion    Intent = "question"
	IntentChat        Intent = "chat"
	IntentSelfImprove Intent = "self_improve"
)

// Classification is the outcome of the classify step.
type Classification struct {
	Intent         Intent   `json:"intent"`
	Confidence     float64  `json:"confidence"`
	Entities       []string `json:"entities"`
	ActionRequired bool     `json:"action_required"`
	ToolSuggestion string   `json:"tool_suggestion"`
}

// ToolChoice is a validated tool call the pipeline can dispatch.
type ToolChoice struct {
	Name string
	Args map[string]string
}

// Decision is the first-pass output: exactly one of Tool or Answer is set.
type Decision struct {
	Tool   *ToolChoice
	Answer string
}

const identityPrompt = `Você é o Jarbas, um agente autônomo que administra um servidor doméstico.
Responda sempre no idioma do usuário. Use uma ferramenta apenas quando a
mensagem pedir uma ação ou informação do sistema; caso contrário, responda
diretamente. Seja direto e útil.`

const classifyPrompt = `Classifique a mensagem do usuário. Responda APENAS com JSON:
{"intent": "command|task|question|chat|self_improve", "confidence": 0.0, "entities": [], "action_required": false, "tool_suggestion": ""}`

type Reasoner struct {
	router   *model.Router
	registry *skill.Registry
}

func New(router *model.Router, registry *skill.Registry) *Reasoner {
	return &Reasoner{router: router, registry: registry}
}

// Classify assigns an intent to the message. The model does the work; when
// it fails or returns garbage the regex fallback takes over so the pipeline
// always gets a classification.
func (r *Reasoner) Classify(ctx context.Context, message string) Classification {
	if strings.TrimSpace(message) == "" {
		return Classification{Intent: IntentChat, Confidence: 0.1}
	}

	resp, err := r.router.Complete(ctx, contract.CompletionRequest{
		Messages: []contract.Message{
			{Role: "system", Content: classifyPrompt},
			{Role: "user", Content: message},
		},
	})
	if err != nil {
		slog.Warn("Classifier call failed, using fallback", "error", err)
		return FallbackClassify(message)
	}

	var c Classification
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &c); err != nil || !validIntent(c.Intent) {
		slog.Warn("Classifier returned unparseable output, using fallback", "content", resp.Content)
		return FallbackClassify(message)
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return c
}

func validIntent(i Intent) bool {
	switch i {
	case IntentCommand, IntentTask, IntentQuestion, IntentChat, IntentSelfImprove:
		return true
	}
	return false
}

// Decide runs the tool-or-answer pass. History and facts shape the context;
// tool schemas come straight from the registry. A tool call naming an
// unregistered skill is discarded in favor of the fallback table.
func (r *Reasoner) Decide(ctx context.Context, message string, history []store.ConversationEntry, facts map[string]string) (Decision, error) {
	messages := r.buildContext(message, history, facts)

	var tools []contract.ToolDef
	for _, s := range r.registry.ToolSchemas() {
		tools = append(tools, contract.ToolDef{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		})
	}

	resp, err := r.router.Complete(ctx, contract.CompletionRequest{
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		// The deterministic bypass only fires on reasoner failure.
		if name, ok := FallbackTool(message); ok {
			slog.Warn("Reasoner failed, fallback selected a tool", "tool", name, "error", err)
			return Decision{Tool: &ToolChoice{Name: name, Args: fallbackArgs(name, message)}}, nil
		}
		return Decision{}, err
	}

	for _, tc := range resp.ToolCalls {
		if _, ok := r.registry.Get(tc.Name); !ok {
			slog.Warn("Reasoner chose an unregistered tool", "tool", tc.Name)
			continue
		}
		return Decision{Tool: &ToolChoice{Name: tc.Name, Args: parseArgs(tc.Input)}}, nil
	}

	if resp.Content != "" {
		return Decision{Answer: resp.Content}, nil
	}
	if name, ok := FallbackTool(message); ok {
		return Decision{Tool: &ToolChoice{Name: name, Args: fallbackArgs(name, message)}}, nil
	}
	return Decision{Answer: "Não entendi o pedido. Pode reformular?"}, nil
}

// Format is the second pass: render raw tool output conversationally. On
// any failure the raw output is returned untouched, never an error.
func (r *Reasoner) Format(ctx context.Context, userMessage, toolName, rawOutput string) string {
	resp, err := r.router.Format(ctx, contract.CompletionRequest{
		Messages: []contract.Message{
			{Role: "system", Content: identityPrompt},
			{Role: "user", Content: fmt.Sprintf(
				"Mensagem original: %s\nFerramenta usada: %s\nSaída bruta:\n%s\n\nReescreva a saída de forma conversacional, no idioma da mensagem original.",
				userMessage, toolName, rawOutput)},
		},
	})
	if err != nil || resp.Content == "" {
		return rawOutput
	}
	return resp.Content
}

// Answer produces a direct identity-respecting reply for chat and question
// intents with no execution result.
func (r *Reasoner) Answer(ctx context.Context, message string, history []store.ConversationEntry, facts map[string]string) string {
	resp, err := r.router.Complete(ctx, contract.CompletionRequest{
		Messages: r.buildContext(message, history, facts),
	})
	if err != nil || resp.Content == "" {
		return "Estou com dificuldade para responder agora. Tente novamente em instantes."
	}
	return resp.Content
}

func (r *Reasoner) buildContext(message string, history []store.ConversationEntry, facts map[string]string) []contract.Message {
	system := identityPrompt
	if len(facts) > 0 {
		data, _ := json.Marshal(facts)
		system += "\n\nFatos conhecidos sobre o usuário: " + string(data)
	}

	messages := []contract.Message{{Role: "system", Content: system}}
	start := 0
	if len(history) > 5 {
		start = len(history) - 5
	}
	for _, h := range history[start:] {
		role := h.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		messages = append(messages, contract.Message{Role: role, Content: h.Content})
	}
	return append(messages, contract.Message{Role: "user", Content: message})
}

// parseArgs flattens a JSON arguments object into the string map skills
// accept. Non-string values keep their JSON rendering.
func parseArgs(input string) map[string]string {
	args := map[string]string{}
	if input == "" {
		return args
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(input), &raw); err != nil {
		return args
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			args[k] = val
		default:
			data, _ := json.Marshal(val)
			args[k] = string(data)
		}
	}
	return args
}

// extractJSON pulls the first JSON object out of a model reply that may be
// wrapped in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
