package skill

import (
	"context"
	"os/exec"
	"strings"

	"github.com/google/shlex"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
)

// runCommand tokenizes a command line and runs it under ctx. Stdout and
// stderr are combined, since skills report a single text result.
func runCommand(ctx context.Context, commandLine string) (string, error) {
	argv, err := shlex.Split(commandLine)
	if err != nil {
		return "", jarbasErrors.InvalidInput("parse command: " + err.Error())
	}
	if len(argv) == 0 {
		return "", jarbasErrors.InvalidInput("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(out), "\n")
	if err != nil {
		if ctx.Err() != nil {
			return output, ctx.Err()
		}
		msg := err.Error()
		if output != "" {
			msg += ": " + output
		}
		return output, jarbasErrors.Execution(msg)
	}
	return output, nil
}

type shellHandler struct {
	template string
}

// newShellHandler backs a descriptor-only skill. Occurrences of {name} in
// the template are replaced with the matching argument value.
func newShellHandler(template string) Handler {
	return &shellHandler{template: template}
}

func (h *shellHandler) Execute(ctx context.Context, args map[string]string) (string, error) {
	line := h.template
	for key, value := range args {
		line = strings.ReplaceAll(line, "{"+key+"}", value)
	}
	return runCommand(ctx, line)
}
