// Package policy gates every proposed action before it can execute. The
// allowlist decides whether a command or skill is permitted at all; caps.go
// decides whether the system has budget for it right now.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
)

// Permission is the effect of a matching rule.
type Permission string

const (
	PermissionAllow           Permission = "allow"
	PermissionDeny            Permission = "deny"
	PermissionRequireApproval Permission = "require_approval"
)

// Rule matches a resource by anchored regular expression.
type Rule struct {
	Name         string            `json:"name"`
	ResourceType string            `json:"resource_type"` // command, skill, path
	Pattern      string            `json:"pattern"`
	Permission   Permission        `json:"permission"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	re *regexp.Regexp
}

// Decision is the outcome of evaluating a resource against the allowlist.
type Decision struct {
	Allow            bool
	RequiresApproval bool
	Rule             string
	Reason           string
}

// Allowlist holds the active rule set. Evaluation order is fixed: deny rules
// win over require_approval, which wins over allow. No match means deny.
type Allowlist struct {
	mu    sync.RWMutex
	rules []Rule
	path  string
}

func NewAllowlist(path string) *Allowlist {
	return &Allowlist{path: path}
}

func compileRule(r *Rule) error {
	if r.Name == "" || r.Pattern == "" {
		return jarbasErrors.InvalidInput("rule needs a name and a pattern")
	}
	switch r.Permission {
	case PermissionAllow, PermissionDeny, PermissionRequireApproval:
	default:
		return jarbasErrors.InvalidInput("unknown permission: " + string(r.Permission))
	}
	pattern := r.Pattern
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return jarbasErrors.InvalidInput(fmt.Sprintf("rule %s: bad pattern: %v", r.Name, err))
	}
	r.re = re
	return nil
}

// SetRules replaces the active rule set after compiling every pattern.
func (a *Allowlist) SetRules(rules []Rule) error {
	for i := range rules {
		if err := compileRule(&rules[i]); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.rules = rules
	a.mu.Unlock()
	return nil
}

// Rules returns a copy of the active rule set sorted by name.
func (a *Allowlist) Rules() []Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Rule, len(a.rules))
	copy(out, a.rules)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Evaluate applies the precedence order to one resource.
func (a *Allowlist) Evaluate(resourceType, resource string) Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var approvalRule, allowRule *Rule
	for i := range a.rules {
		r := &a.rules[i]
		if r.ResourceType != resourceType || !r.re.MatchString(resource) {
			continue
		}
		switch r.Permission {
		case PermissionDeny:
			return Decision{Rule: r.Name, Reason: "denied by rule " + r.Name}
		case PermissionRequireApproval:
			if approvalRule == nil {
				approvalRule = r
			}
		case PermissionAllow:
			if allowRule == nil {
				allowRule = r
			}
		}
	}
	if approvalRule != nil {
		return Decision{
			RequiresApproval: true,
			Rule:             approvalRule.Name,
			Reason:           "approval required by rule " + approvalRule.Name,
		}
	}
	if allowRule != nil {
		return Decision{Allow: true, Rule: allowRule.Name}
	}
	return Decision{Reason: "no matching rule"}
}

type allowlistFile struct {
	Rules []Rule `json:"rules"`
}

// Load reads the rule file from disk. A missing file leaves the list empty,
// which denies everything until rules are imported.
func (a *Allowlist) Load() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return jarbasErrors.Internal("read allowlist: " + err.Error())
	}
	var f allowlistFile
	if err := json.Unmarshal(data, &f); err != nil {
		return jarbasErrors.InvalidInput("allowlist: " + err.Error())
	}
	return a.SetRules(f.Rules)
}

// Save writes the rule set atomically so a crash mid-write never truncates
// the policy file.
func (a *Allowlist) Save() error {
	data, err := json.MarshalIndent(allowlistFile{Rules: a.Rules()}, "", "  ")
	if err != nil {
		return jarbasErrors.Internal("encode allowlist: " + err.Error())
	}
	if err := atomic.WriteFile(a.path, strings.NewReader(string(data)+"\n")); err != nil {
		return jarbasErrors.Internal("write allowlist: " + err.Error())
	}
	return nil
}

// Upsert adds or replaces a rule by name and persists the list.
func (a *Allowlist) Upsert(rule Rule) error {
	if err := compileRule(&rule); err != nil {
		return err
	}
	a.mu.Lock()
	replaced := false
	for i := range a.rules {
		if a.rules[i].Name == rule.Name {
			a.rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		a.rules = append(a.rules, rule)
	}
	a.mu.Unlock()
	return a.Save()
}

// Remove deletes a rule by name and persists the list.
func (a *Allowlist) Remove(name string) error {
	a.mu.Lock()
	found := false
	kept := a.rules[:0]
	for _, r := range a.rules {
		if r.Name == name {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	a.rules = kept
	a.mu.Unlock()
	if !found {
		return jarbasErrors.NotFound("rule not found: " + name)
	}
	return a.Save()
}

// DefaultRules is the seed rule set written on first run.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "read-only-diagnostics", ResourceType: "command", Pattern: `(df|free|uptime|docker ps)\b`, Permission: PermissionAllow, Description: "read-only system inspection"},
		{Name: "builtin-skills", ResourceType: "skill", Pattern: `(get_ram|disk_usage|docker_ps|capability_plan)$`, Permission: PermissionAllow},
		{Name: "shell-exec-gate", ResourceType: "skill", Pattern: `shell_exec$`, Permission: PermissionRequireApproval, Description: "arbitrary commands always get a second look"},
		{Name: "no-disk-rewrites", ResourceType: "command", Pattern: `(mkfs|dd\s+if=)`, Permission: PermissionDeny, Description: "never rewrite block devices"},
	}
}
