package sandbox

import (
	"os"
	"sort"
	"strings"
)

// Environment variable narrowing the capabilities stages may receive. A
// comma-separated allow-list; unset means no host narrowing.
const CapabilitiesEnv = "OSBUILD_CAPABILITIES"

// Host-side policy deciding which declared capabilities a stage actually
// receives.
type Policy struct {
	allowed map[string]struct{}
}

// Loads the host capability policy from the environment.
func LoadPolicy() *Policy {
	raw, ok := os.LookupEnv(CapabilitiesEnv)
	if !ok {
		return &Policy{}
	}

	allowed := make(map[string]struct{})
	for _, cap := range strings.Split(raw, ",") {
		cap = strings.TrimSpace(cap)
		if cap != "" {
			allowed[cap] = struct{}{}
		}
	}
	return &Policy{allowed: allowed}
}

// Reports whether the policy permits the capability. A policy with no
// allow-list permits everything a stage declares.
func (p *Policy) Allows(cap string) bool {
	if p.allowed == nil {
		return true
	}
	_, ok := p.allowed[cap]
	return ok
}

// Intersects the declared capability list with the policy, returning a
// sorted, deduplicated result.
func Effective(declared []string, policy *Policy) []string {
	seen := make(map[string]struct{}, len(declared))
	var out []string
	for _, cap := range declared {
		if _, dup := seen[cap]; dup {
			continue
		}
		seen[cap] = struct{}{}
		if policy.Allows(cap) {
			out = append(out, cap)
		}
	}
	sort.Strings(out)
	return out
}
