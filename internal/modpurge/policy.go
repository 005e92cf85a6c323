package modpurge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/juju/collections/set"
	ignore "github.com/sabhiram/go-gitignore"

	"microprep/internal/common"
	"microprep/internal/config"
)

// Action is what a matching rule does to a module file.
type Action int

const (
	// HardDelete removes matching files unless allowlisted.
	HardDelete Action = iota + 1
	// ClassDelete removes matching files unless allowlisted or required.
	ClassDelete
)

func (a Action) String() string {
	switch a {
	case HardDelete:
		return config.ActionHardDelete
	case ClassDelete:
		return config.ActionClassDelete
	default:
		return "keep"
	}
}

// ParseAction parses the config spelling of an action.
func ParseAction(s string) (Action, error) {
	canon, _ := config.CanonicalAction(s)
	switch canon {
	case config.ActionHardDelete:
		return HardDelete, nil
	case config.ActionClassDelete:
		return ClassDelete, nil
	}
	return 0, fmt.Errorf("%w: unknown rule action %q", common.ErrInvalidConfig, s)
}

// Rule maps a path prefix below the module root to an action.
type Rule struct {
	Prefix string
	Action Action
}

// Match returns the first rule with the given action whose prefix covers
// relPath. Prefixes match on whole path segments.
func Match(rules []Rule, relPath string, action Action) (Rule, bool) {
	for _, r := range rules {
		if r.Action == action && common.HasPathPrefix(relPath, common.NormalizePrefix(r.Prefix)) {
			return r, true
		}
	}
	return Rule{}, false
}

// Policy is the ordered deletion policy.
type Policy struct {
	Rules     []Rule
	Allowlist set.Strings // normalized module names

	protectedLines []string
	protected      *ignore.GitIgnore
}

// NewPolicy builds a policy. protected holds gitignore-style patterns of
// files that must never appear in a plan.
func NewPolicy(rules []Rule, allowlist, protected []string) *Policy {
	allow := set.NewStrings()
	for _, a := range allowlist {
		if n := Normalize(a); n != "" {
			allow.Add(n)
		}
	}
	p := &Policy{Rules: rules, Allowlist: allow, protectedLines: protected}
	if len(protected) > 0 {
		p.protected = ignore.CompileIgnoreLines(protected...)
	}
	return p
}

// PolicyFromConfig builds a policy from the modules section of the config.
func PolicyFromConfig(cfg config.ModulesConfig) (*Policy, error) {
	rules := make([]Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		a, err := ParseAction(rc.Action)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if common.NormalizePrefix(rc.Prefix) == "" {
			return nil, fmt.Errorf("%w: rule %d has an empty prefix", common.ErrInvalidConfig, i)
		}
		rules = append(rules, Rule{Prefix: rc.Prefix, Action: a})
	}
	return NewPolicy(rules, cfg.Allowlist, cfg.Protected), nil
}

// Decision is the outcome of evaluating one file.
type Decision struct {
	Delete bool
	Reason string
}

// Decide evaluates relPath: allowlist, then hard-delete rules, then
// class-delete rules unless the module is required, else keep.
func (p *Policy) Decide(relPath string, required set.Strings) Decision {
	name := Normalize(relPath)
	if p.Allowlist.Contains(name) {
		return Decision{Reason: "allowlisted"}
	}
	if r, ok := Match(p.Rules, relPath, HardDelete); ok {
		return Decision{Delete: true, Reason: "hard_delete " + common.NormalizePrefix(r.Prefix)}
	}
	if r, ok := Match(p.Rules, relPath, ClassDelete); ok {
		if required != nil && required.Contains(name) {
			return Decision{Reason: "required"}
		}
		return Decision{Delete: true, Reason: "class_delete " + common.NormalizePrefix(r.Prefix)}
	}
	return Decision{Reason: "no rule"}
}

// IsProtected reports whether relPath matches a protected pattern.
func (p *Policy) IsProtected(relPath string) bool {
	return p.protected != nil && p.protected.MatchesPath(common.NormalizePath(relPath))
}

// CheckProtected fails with a PolicyViolationError naming every candidate
// that matches a protected pattern.
func (p *Policy) CheckProtected(candidates []Candidate) error {
	var bad []string
	for _, c := range candidates {
		if p.IsProtected(c.RelPath) {
			bad = append(bad, c.RelPath)
		}
	}
	if len(bad) > 0 {
		return &PolicyViolationError{Items: bad, Patterns: p.protectedLines}
	}
	return nil
}

// PolicyViolationError reports protected files in a deletion plan. Nothing
// is deleted when it is returned.
type PolicyViolationError struct {
	Items    []string
	Patterns []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("%v: plan includes %d protected file(s): %s", common.ErrPolicyViolation, len(e.Items), strings.Join(e.Items, ", "))
}

func (e *PolicyViolationError) Unwrap() error {
	return common.ErrPolicyViolation
}

// AsPolicyViolation returns the PolicyViolationError err is or wraps.
func AsPolicyViolation(err error) (*PolicyViolationError, bool) {
	var pv *PolicyViolationError
	if errors.As(err, &pv) {
		return pv, true
	}
	return nil, false
}
