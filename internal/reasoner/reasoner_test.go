package reasoner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
	"github.com/jarbas-ai/jarbas/internal/model"
	"github.com/jarbas-ai/jarbas/internal/model/contract"
	"github.com/jarbas-ai/jarbas/internal/skill"
	"github.com/jarbas-ai/jarbas/internal/store"
)

type scriptedProvider struct {
	lastReq contract.CompletionRequest
	resp    *contract.CompletionResponse
	err     error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	p.lastReq = req
	return p.resp, p.err
}

func (p *scriptedProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, nil
}

func newReasoner(t *testing.T, p *scriptedProvider) *Reasoner {
	t.Helper()
	registry := skill.NewRegistry()
	require.NoError(t, skill.RegisterBuiltins(registry, skill.BuiltinConfig{}))
	router := model.NewRouterWithProvider(p, "test-model", time.Second, time.Second)
	return New(router, registry)
}

func TestClassifyEmptyMessage(t *testing.T) {
	r := newReasoner(t, &scriptedProvider{})
	c := r.Classify(context.Background(), "   ")
	assert.Equal(t, IntentChat, c.Intent)
	assert.Less(t, c.Confidence, 0.3)
}

func TestClassifyParsesModelJSON(t *testing.T) {
	p := &scriptedProvider{resp: &contract.CompletionResponse{
		Content: "```json\n{\"intent\": \"task\", \"confidence\": 0.9, \"action_required\": true, \"tool_suggestion\": \"get_ram\"}\n```",
	}}
	r := newReasoner(t, p)

	c := r.Classify(context.Background(), "quanta ram temos?")
	assert.Equal(t, IntentTask, c.Intent)
	assert.Equal(t, 0.9, c.Confidence)
	assert.Equal(t, "get_ram", c.ToolSuggestion)
}

func TestClassifyFallsBackOnError(t *testing.T) {
	p := &scriptedProvider{err: jarbasErrors.Transient("down")}
	r := newReasoner(t, p)

	c := r.Classify(context.Background(), "execute uptime")
	assert.Equal(t, IntentCommand, c.Intent)
	assert.True(t, c.ActionRequired)
	assert.Equal(t, "shell_exec", c.ToolSuggestion)
}

func TestClassifyFallsBackOnGarbage(t *testing.T) {
	p := &scriptedProvider{resp: &contract.CompletionResponse{Content: "sure, happy to help!"}}
	r := newReasoner(t, p)

	c := r.Classify(context.Background(), "qual o uso de disco?")
	assert.Equal(t, IntentTask, c.Intent)
	assert.Equal(t, "disk_usage", c.ToolSuggestion)
}

func TestDecideReturnsValidatedTool(t *testing.T) {
	p := &scriptedProvider{resp: &contract.CompletionResponse{
		ToolCalls: []*contract.ToolCall{{Name: "shell_exec", Input: `{"command": "uptime"}`}},
	}}
	r := newReasoner(t, p)

	d, err := r.Decide(context.Background(), "execute uptime", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, d.Tool)
	assert.Equal(t, "shell_exec", d.Tool.Name)
	assert.Equal(t, "uptime", d.Tool.Args["command"])
	assert.NotEmpty(t, p.lastReq.Tools, "tool schemas travel with the request")
}

func TestDecideDiscardsUnknownTool(t *testing.T) {
	p := &scriptedProvider{resp: &contract.CompletionResponse{
		Content:   "vou verificar",
		ToolCalls: []*contract.ToolCall{{Name: "nonexistent_tool", Input: `{}`}},
	}}
	r := newReasoner(t, p)

	d, err := r.Decide(context.Background(), "faz algo", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, d.Tool)
	assert.Equal(t, "vou verificar", d.Answer)
}

func TestDecideDirectAnswer(t *testing.T) {
	p := &scriptedProvider{resp: &contract.CompletionResponse{Content: "olá!"}}
	r := newReasoner(t, p)

	d, err := r.Decide(context.Background(), "oi", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, d.Tool)
	assert.Equal(t, "olá!", d.Answer)
}

func TestDecideFallbackOnModelFailure(t *testing.T) {
	p := &scriptedProvider{err: jarbasErrors.Transient("api down")}
	r := newReasoner(t, p)

	d, err := r.Decide(context.Background(), "execute df -h", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, d.Tool)
	assert.Equal(t, "shell_exec", d.Tool.Name)
	assert.Equal(t, "df -h", d.Tool.Args["command"])

	// No pattern match and no model: error propagates.
	_, err = r.Decide(context.Background(), "bom dia", nil, nil)
	assert.Error(t, err)
}

func TestDecideTrimsHistoryToFiveTurns(t *testing.T) {
	p := &scriptedProvider{resp: &contract.CompletionResponse{Content: "ok"}}
	r := newReasoner(t, p)

	var history []store.ConversationEntry
	for i := 0; i < 12; i++ {
		history = append(history, store.ConversationEntry{Role: "user", Content: "m"})
	}
	_, err := r.Decide(context.Background(), "oi", history, map[string]string{"name": "Ana"})
	require.NoError(t, err)

	// system + 5 history + current message
	assert.Len(t, p.lastReq.Messages, 7)
	assert.Contains(t, p.lastReq.Messages[0].Content, "Ana")
}

func TestFormatFallsBackToRawOutput(t *testing.T) {
	p := &scriptedProvider{err: jarbasErrors.Transient("down")}
	r := newReasoner(t, p)

	out := r.Format(context.Background(), "quanta ram?", "get_ram", "Total: 8000 MB")
	assert.Equal(t, "Total: 8000 MB", out)

	p.err = nil
	p.resp = &contract.CompletionResponse{Content: "Você tem 8 GB no total."}
	out = r.Format(context.Background(), "quanta ram?", "get_ram", "Total: 8000 MB")
	assert.Equal(t, "Você tem 8 GB no total.", out)
}

func TestAnswerNeverEmpty(t *testing.T) {
	p := &scriptedProvider{err: jarbasErrors.Transient("down")}
	r := newReasoner(t, p)
	out := r.Answer(context.Background(), "oi", nil, nil)
	assert.NotEmpty(t, out)
}

func TestParseArgsCoercesTypes(t *testing.T) {
	args := parseArgs(`{"command": "ls", "limit": 3, "deep": true}`)
	assert.Equal(t, "ls", args["command"])
	assert.Equal(t, "3", args["limit"])
	assert.Equal(t, "true", args["deep"])

	assert.Empty(t, parseArgs(""))
	assert.Empty(t, parseArgs("not json"))
}

func TestFallbackPatterns(t *testing.T) {
	cases := map[string]string{
		"execute uptime":        "shell_exec",
		"docker instalado?":     "docker_ps",
		"quanta ram sobrou":     "get_ram",
		"uso de disco por favor": "disk_usage",
	}
	for message, want := range cases {
		got, ok := FallbackTool(message)
		require.True(t, ok, message)
		assert.Equal(t, want, got, message)
	}

	_, ok := FallbackTool("bom dia")
	assert.False(t, ok)
}
