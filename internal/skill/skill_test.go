package skill

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
)

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte(`
name: web_search
description: Search the web.
version: 1.2.0
security_level: moderate
triggers: ["search", "pesquisar"]
parameters:
  query: { type: string, description: The query., required: true }
  limit: { type: number, description: Max results. }
`))
	require.NoError(t, err)
	assert.Equal(t, "web_search", d.Name)
	assert.Equal(t, SecurityModerate, d.SecurityLevel)
	assert.Equal(t, defaultMaxOutputChars, d.MaxOutputChars)
	assert.Equal(t, defaultTimeoutSeconds, d.TimeoutSeconds)
	assert.True(t, d.IsEnabled())

	schema := d.Schema()
	params := schema.Parameters
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []string{"query"}, params["required"])
}

func TestParseDescriptorRejectsBadInput(t *testing.T) {
	_, err := ParseDescriptor([]byte(`description: no name`))
	assert.ErrorIs(t, err, jarbasErrors.ErrInvalidInput)

	_, err = ParseDescriptor([]byte("name: x\nsecurity_level: lethal\n"))
	assert.ErrorIs(t, err, jarbasErrors.ErrInvalidInput)

	_, err = ParseDescriptor([]byte("name: x\nparameters:\n  a: { type: blob }\n"))
	assert.ErrorIs(t, err, jarbasErrors.ErrInvalidInput)
}

func TestValidateArgs(t *testing.T) {
	d := &Descriptor{
		Name: "s",
		Parameters: map[string]Param{
			"command": {Type: "string", Required: true},
			"verbose": {Type: "boolean"},
		},
	}
	assert.NoError(t, d.ValidateArgs(map[string]string{"command": "uptime"}))
	assert.ErrorIs(t, d.ValidateArgs(nil), jarbasErrors.ErrInvalidInput)
	assert.ErrorIs(t, d.ValidateArgs(map[string]string{"command": ""}), jarbasErrors.ErrInvalidInput)
}

func echoHandler(out string) Handler {
	return HandlerFunc(func(context.Context, map[string]string) (string, error) {
		return out, nil
	})
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{Name: "a", SecurityLevel: SecuritySafe}, echoHandler("a")))

	err := r.Register(&Descriptor{Name: "a", SecurityLevel: SecuritySafe}, echoHandler("dup"))
	assert.ErrorIs(t, err, jarbasErrors.ErrInvalidInput)

	disabled := false
	err = r.Register(&Descriptor{Name: "b", Enabled: &disabled}, echoHandler("b"))
	assert.ErrorIs(t, err, jarbasErrors.ErrInvalidInput)

	d, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", d.Name)
	_, ok = r.Get("b")
	assert.False(t, ok)
}

func TestFindByTriggerOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{
		Name: "disk_usage", Triggers: []string{"disk space"},
	}, echoHandler("")))
	require.NoError(t, r.Register(&Descriptor{
		Name: "get_ram", Triggers: []string{"memory usage", "how much ram"},
	}, echoHandler("")))
	require.NoError(t, r.Register(&Descriptor{
		Name: "no_triggers",
	}, echoHandler("")))

	// Exact phrase beats substring even across registration order.
	d, ok := r.FindByTrigger("How Much RAM")
	require.True(t, ok)
	assert.Equal(t, "get_ram", d.Name)

	// Substring of the text.
	d, ok = r.FindByTrigger("tell me the disk space please")
	require.True(t, ok)
	assert.Equal(t, "disk_usage", d.Name)

	// Skill name contained in the text.
	d, ok = r.FindByTrigger("run get_ram now")
	require.True(t, ok)
	assert.Equal(t, "get_ram", d.Name)

	// Triggerless skills are invisible to trigger search but not to Get.
	_, ok = r.FindByTrigger("no_triggers")
	assert.False(t, ok)
	_, ok = r.Get("no_triggers")
	assert.True(t, ok)

	_, ok = r.FindByTrigger("")
	assert.False(t, ok)
}

func TestFindByTriggerIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{Name: "x", Triggers: []string{"ping"}}, echoHandler("")))

	first, ok1 := r.FindByTrigger("ping")
	second, ok2 := r.FindByTrigger("ping")
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first.Name, second.Name)
}

func TestToolSchemasMatchRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinConfig{MeminfoPath: "/proc/meminfo"}))

	schemas := r.ToolSchemas()
	require.NotEmpty(t, schemas)
	for _, s := range schemas {
		d, ok := r.Get(s.Name)
		require.True(t, ok, s.Name)
		assert.Equal(t, d.Name, s.Name)
	}
}

func TestExecuteSuccessAndTruncation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{
		Name:           "long",
		MaxOutputChars: 10,
	}, echoHandler(strings.Repeat("x", 50))))

	out, err := r.Execute(context.Background(), "long", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "xxxxxxxxxx"))
	assert.Contains(t, out, "truncada")
}

func TestExecuteUnknownSkill(t *testing.T) {
	r := NewRegistry()
	out, err := r.Execute(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, jarbasErrors.ErrNotFound)
	assert.NotEmpty(t, out)
}

func TestExecuteHandlerFailure(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{Name: "boom"}, HandlerFunc(
		func(context.Context, map[string]string) (string, error) {
			return "", jarbasErrors.Execution("exploded")
		})))

	out, err := r.Execute(context.Background(), "boom", nil)
	assert.ErrorIs(t, err, jarbasErrors.ErrExecution)
	assert.Contains(t, out, "falhou")
	assert.Equal(t, "execution_error", jarbasErrors.Category(err))
}

func TestExecutePanicRecovered(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{Name: "panics"}, HandlerFunc(
		func(context.Context, map[string]string) (string, error) {
			panic("unexpected")
		})))

	out, err := r.Execute(context.Background(), "panics", nil)
	assert.ErrorIs(t, err, jarbasErrors.ErrExecution)
	assert.NotEmpty(t, out)
}

func TestExecuteTimeoutReturnsMessageNotError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{
		Name:           "slow",
		TimeoutSeconds: 1,
	}, HandlerFunc(func(ctx context.Context, _ map[string]string) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})))

	start := time.Now()
	out, err := r.Execute(context.Background(), "slow", nil)
	require.NoError(t, err, "a local timeout is not a remote failure")
	assert.Contains(t, out, "tempo limite")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecuteValidatesArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{
		Name: "needs",
		Parameters: map[string]Param{
			"target": {Type: "string", Required: true},
		},
	}, echoHandler("ok")))

	_, err := r.Execute(context.Background(), "needs", nil)
	assert.ErrorIs(t, err, jarbasErrors.ErrInvalidInput)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		sub := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(sub, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(sub, "skill.yaml"), []byte(content), 0o644))
	}
	write("uptime", "name: uptime\ndescription: Host uptime.\ncommand: uptime\ntriggers: [\"uptime\"]\n")
	write("broken", "name: [not a string\n")
	write("disabled", "name: off_skill\ncommand: true\nenabled: false\n")
	write("nohandler", "name: handlerless\n")

	r := NewRegistry()
	n := r.Discover([]string{dir, filepath.Join(dir, "missing")}, nil)
	assert.Equal(t, 1, n)

	_, ok := r.Get("uptime")
	assert.True(t, ok)
	_, ok = r.Get("off_skill")
	assert.False(t, ok)
	_, ok = r.Get("handlerless")
	assert.False(t, ok)
}

func TestDiscoverUsesFactoryHandler(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "custom")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "skill.yaml"),
		[]byte("name: custom\ndescription: Custom skill.\n"), 0o644))

	r := NewRegistry()
	n := r.Discover([]string{dir}, map[string]Handler{"custom": echoHandler("from factory")})
	require.Equal(t, 1, n)

	out, err := r.Execute(context.Background(), "custom", nil)
	require.NoError(t, err)
	assert.Equal(t, "from factory", out)
}

func TestGetRAMOutput(t *testing.T) {
	meminfo := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(meminfo, []byte(
		"MemTotal:       8192000 kB\nMemFree:         100000 kB\nMemAvailable:    4096000 kB\n"), 0o644))

	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinConfig{MeminfoPath: meminfo}))

	out, err := r.Execute(context.Background(), "get_ram", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 8000 MB")
	assert.Contains(t, out, "Usado: 4000 MB")
	assert.Contains(t, out, "Disponível: 4000 MB")
}

func TestShellExecRunsCommand(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinConfig{}))

	out, err := r.Execute(context.Background(), "shell_exec", map[string]string{"command": "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = r.Execute(context.Background(), "shell_exec", nil)
	assert.ErrorIs(t, err, jarbasErrors.ErrInvalidInput)
}

func TestRunCommandFailure(t *testing.T) {
	_, err := runCommand(context.Background(), "false")
	assert.ErrorIs(t, err, jarbasErrors.ErrExecution)

	_, err = runCommand(context.Background(), "")
	assert.ErrorIs(t, err, jarbasErrors.ErrInvalidInput)

	_, err = runCommand(context.Background(), `echo "unterminated`)
	assert.ErrorIs(t, err, jarbasErrors.ErrInvalidInput)
}

func TestShellHandlerTemplate(t *testing.T) {
	h := newShellHandler("echo {word}")
	out, err := h.Execute(context.Background(), map[string]string{"word": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", out)
}
