package toolexecutor

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
)

const wildcard = "*"

// ToolPolicy decides which registered tools the model may see and call.
// Deny entries win over allow entries; "*" matches every tool.
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

func matches(list []string, name string) bool {
	return slices.Contains(list, name) || slices.Contains(list, wildcard)
}

// IsToolAllowed reports whether name passes the policy. A nil policy allows
// every tool; an empty allow list allows none.
func (tp *ToolPolicy) IsToolAllowed(name string) bool {
	if tp == nil {
		return true
	}
	if matches(tp.Deny, name) {
		return false
	}
	return matches(tp.Allow, name)
}

// ValidatePolicy returns warnings for policies that are probably mistakes:
// conflicting wildcards, an empty allow list, or entries naming tools that
// are not registered. It never rejects a policy.
func ValidatePolicy(policy *ToolPolicy, registered []string) []string {
	if policy == nil {
		return nil
	}

	var warnings []string
	if slices.Contains(policy.Allow, wildcard) && slices.Contains(policy.Deny, wildcard) {
		warnings = append(warnings, "policy has both allow and deny wildcards, every tool is denied")
	}
	if len(policy.Allow) == 0 {
		warnings = append(warnings, "policy has an empty allow list, every tool is denied")
	}

	for _, list := range [][]string{policy.Allow, policy.Deny} {
		for _, name := range list {
			if name != wildcard && !slices.Contains(registered, name) {
				warnings = append(warnings, fmt.Sprintf("policy names unknown tool %q", name))
			}
		}
	}
	return warnings
}

// FilterToolsByPolicy keeps the names that pass policy, preserving order.
func FilterToolsByPolicy(names []string, policy *ToolPolicy) []string {
	filtered := make([]string, 0, len(names))
	for _, name := range names {
		if policy.IsToolAllowed(name) {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

func logPolicyWarnings(policy *ToolPolicy, registered []string) {
	for _, warning := range ValidatePolicy(policy, registered) {
		log.Warn().Msg(warning)
	}
}
