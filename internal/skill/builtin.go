package skill

import (
	"context"
	"fmt"
	"strings"

	"github.com/jarbas-ai/jarbas/internal/policy"
)

// BuiltinConfig carries the host paths the builtin skills read.
type BuiltinConfig struct {
	MeminfoPath string
}

// RegisterBuiltins installs the compiled-in skills. Descriptor files on
// disk with the same names are rejected later as duplicates, so builtins
// always win.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if cfg.MeminfoPath == "" {
		cfg.MeminfoPath = "/proc/meminfo"
	}

	builtins := []struct {
		desc    *Descriptor
		handler Handler
	}{
		{
			desc: &Descriptor{
				Name:          "get_ram",
				Description:   "Report total, used and available system memory.",
				Version:       "1.0.0",
				SecurityLevel: SecuritySafe,
				Triggers:      []string{"quanta ram", "memoria ram", "memória ram", "uso de memoria", "how much ram", "memory usage"},
			},
			handler: ramHandler(cfg.MeminfoPath),
		},
		{
			desc: &Descriptor{
				Name:          "disk_usage",
				Description:   "Report filesystem usage for mounted volumes.",
				Version:       "1.0.0",
				SecurityLevel: SecuritySafe,
				Triggers:      []string{"uso de disco", "espaco em disco", "espaço em disco", "disk usage", "disk space"},
			},
			handler: HandlerFunc(func(ctx context.Context, _ map[string]string) (string, error) {
				return runCommand(ctx, "df -h")
			}),
		},
		{
			desc: &Descriptor{
				Name:          "docker_ps",
				Description:   "List running Docker containers.",
				Version:       "1.0.0",
				SecurityLevel: SecurityModerate,
				Triggers:      []string{"containers rodando", "docker containers", "running containers", "docker instalado"},
			},
			handler: HandlerFunc(func(ctx context.Context, _ map[string]string) (string, error) {
				return runCommand(ctx, `docker ps --format "table {{.Names}}\t{{.Image}}\t{{.Status}}"`)
			}),
		},
		{
			desc: &Descriptor{
				Name:          "shell_exec",
				Description:   "Execute an arbitrary shell command and return its output.",
				Version:       "1.0.0",
				SecurityLevel: SecurityDangerous,
				Triggers:      []string{"execute", "executar", "rodar comando", "run command"},
				Parameters: map[string]Param{
					"command": {Type: "string", Description: "The command line to run.", Required: true},
				},
			},
			handler: HandlerFunc(func(ctx context.Context, args map[string]string) (string, error) {
				return runCommand(ctx, args["command"])
			}),
		},
		{
			desc: &Descriptor{
				Name:          "capability_plan",
				Description:   "Sketch an implementation plan for a capability the agent lacks.",
				Version:       "1.0.0",
				SecurityLevel: SecuritySafe,
				Triggers:      []string{"criar habilidade", "nova habilidade", "new skill", "create skill"},
				Parameters: map[string]Param{
					"capability": {Type: "string", Description: "What the new capability should do.", Required: true},
				},
			},
			handler: HandlerFunc(capabilityPlan),
		},
	}

	for _, b := range builtins {
		if err := r.Register(b.desc, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func ramHandler(meminfoPath string) Handler {
	return HandlerFunc(func(ctx context.Context, _ map[string]string) (string, error) {
		total, err := policy.TotalRAMMB(meminfoPath)
		if err != nil {
			return "", err
		}
		available, err := policy.AvailableRAMMB(meminfoPath)
		if err != nil {
			return "", err
		}
		used := total - available
		return fmt.Sprintf("Memória RAM:\nTotal: %d MB\nUsado: %d MB\nDisponível: %d MB", total, used, available), nil
	})
}

func capabilityPlan(_ context.Context, args map[string]string) (string, error) {
	capability := strings.TrimSpace(args["capability"])
	var b strings.Builder
	fmt.Fprintf(&b, "Ainda não tenho uma habilidade para %q. Esboço de implementação:\n", capability)
	b.WriteString("1. Criar um diretório de habilidade com um skill.yaml descrevendo nome, gatilhos e parâmetros.\n")
	b.WriteString("2. Definir o comando ou handler que produz o resultado.\n")
	b.WriteString("3. Classificar o nível de segurança e registrar regras de allowlist se necessário.\n")
	b.WriteString("Posso criar uma proposta para implementar essa habilidade. Deseja aprovar?")
	return b.String(), nil
}
