package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jarbas-ai/jarbas/internal/skill"
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Inspect the skill catalog",
}

var skillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered and discovered skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := buildRegistry()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSECURITY\tTIMEOUT\tDESCRIPTION")
		for _, name := range registry.Names() {
			d, _ := registry.Get(name)
			fmt.Fprintf(w, "%s\t%s\t%ds\t%s\n", d.Name, d.SecurityLevel, d.TimeoutSeconds, d.Description)
		}
		return w.Flush()
	},
}

var skillShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one skill's descriptor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := buildRegistry()
		if err != nil {
			return err
		}

		d, ok := registry.Get(args[0])
		if !ok {
			return fmt.Errorf("skill %q not found", args[0])
		}

		fmt.Printf("name:           %s\n", d.Name)
		fmt.Printf("description:    %s\n", d.Description)
		if d.Version != "" {
			fmt.Printf("version:        %s\n", d.Version)
		}
		fmt.Printf("security_level: %s\n", d.SecurityLevel)
		fmt.Printf("timeout:        %ds\n", d.TimeoutSeconds)
		fmt.Printf("max_output:     %d chars\n", d.MaxOutputChars)
		if len(d.Triggers) > 0 {
			fmt.Printf("triggers:       %s\n", strings.Join(d.Triggers, ", "))
		}
		if d.Command != "" {
			fmt.Printf("command:        %s\n", d.Command)
		}
		if len(d.Parameters) > 0 {
			fmt.Println("parameters:")
			names := make([]string, 0, len(d.Parameters))
			for name := range d.Parameters {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				p := d.Parameters[name]
				required := ""
				if p.Required {
					required = " (required)"
				}
				fmt.Printf("  %s: %s%s - %s\n", name, p.Type, required, p.Description)
			}
		}
		return nil
	},
}

func buildRegistry() (*skill.Registry, error) {
	registry := skill.NewRegistry()
	if err := skill.RegisterBuiltins(registry, skill.BuiltinConfig{MeminfoPath: cfg.Caps.MeminfoPath}); err != nil {
		return nil, err
	}
	registry.Discover(cfg.Skills.Dirs, nil)
	return registry, nil
}

func init() {
	skillCmd.AddCommand(skillListCmd)
	skillCmd.AddCommand(skillShowCmd)
	rootCmd.AddCommand(skillCmd)
}
