package reasoner

import (
	"regexp"
	"strings"
)

// fallbackPatterns maps message shapes to a forced tool outcome. Checked in
// order; used only when the model call errored or produced nothing.
var fallbackPatterns = []struct {
	re   *regexp.Regexp
	tool string
}{
	{regexp.MustCompile(`(?i)^(execute|executar?|rodar?|run)\b`), "shell_exec"},
	{regexp.MustCompile(`(?i)docker\s+(instalado|installed|rodando|running|ps|containers?)`), "docker_ps"},
	{regexp.MustCompile(`(?i)\b(ram|mem[oó]ria)\b`), "get_ram"},
	{regexp.MustCompile(`(?i)\b(disco|disk|armazenamento|storage)\b`), "disk_usage"},
}

var commandPrefix = regexp.MustCompile(`(?i)^(execute|executar?|rodar?|run)\s+`)

// FallbackTool suggests a tool for a message without consulting the model.
func FallbackTool(message string) (string, bool) {
	for _, p := range fallbackPatterns {
		if p.re.MatchString(message) {
			return p.tool, true
		}
	}
	return "", false
}

// FallbackClassify is the regex classifier used when the model is down.
var questionWords = regexp.MustCompile(`(?i)^(o que|qual|quais|quando|onde|como|por ?qu[eê]|what|which|when|where|how|why|is |are |does )`)

func FallbackClassify(message string) Classification {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return Classification{Intent: IntentChat, Confidence: 0.1}
	}

	if commandPrefix.MatchString(trimmed) {
		return Classification{
			Intent:         IntentCommand,
			Confidence:     0.7,
			ActionRequired: true,
			ToolSuggestion: "shell_exec",
		}
	}
	if tool, ok := FallbackTool(trimmed); ok {
		return Classification{
			Intent:         IntentTask,
			Confidence:     0.6,
			ActionRequired: true,
			ToolSuggestion: tool,
		}
	}
	if strings.HasSuffix(trimmed, "?") || questionWords.MatchString(trimmed) {
		return Classification{Intent: IntentQuestion, Confidence: 0.5}
	}
	return Classification{Intent: IntentChat, Confidence: 0.4}
}

// fallbackArgs assembles minimal args for a fallback-selected tool.
func fallbackArgs(tool, message string) map[string]string {
	switch tool {
	case "shell_exec":
		command := commandPrefix.ReplaceAllString(strings.TrimSpace(message), "")
		return map[string]string{"command": command}
	default:
		return map[string]string{}
	}
}
