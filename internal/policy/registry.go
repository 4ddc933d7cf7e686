package policy

import (
	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
)

// Registry holds the escalation tiers keyed by the rule type they watch.
// At most one tier runs per evaluation, chosen by the stored rule type, so a
// record escalated to DENY is not also queued in the same call.
type Registry struct {
	tiers map[domain.RuleType]Tier
}

// NewRegistry creates a registry with the two standard tiers.
func NewRegistry(dataCircle, systemFirewall TierSettings, queue domain.FirewallQueue) *Registry {
	return NewRegistryWithTiers(
		TemporaryToPermanent(dataCircle),
		PermanentToSystemFirewall(systemFirewall, queue),
	)
}

// NewRegistryWithTiers creates a registry with custom tiers (for testing).
func NewRegistryWithTiers(tiers ...Tier) *Registry {
	r := &Registry{
		tiers: make(map[domain.RuleType]Tier),
	}
	for _, t := range tiers {
		r.Register(t)
	}
	return r
}

// Register adds a tier, replacing any tier watching the same rule type.
func (r *Registry) Register(t Tier) {
	r.tiers[t.AppliesTo] = t
}

// For returns the tier watching rule type t.
func (r *Registry) For(t domain.RuleType) (Tier, bool) {
	tier, ok := r.tiers[t]
	return tier, ok
}

// GetAll returns all registered tiers ordered from mildest to harshest.
func (r *Registry) GetAll() []Tier {
	result := make([]Tier, 0, len(r.tiers))
	for _, rt := range []domain.RuleType{domain.RuleTempDeny, domain.RuleDeny} {
		if t, ok := r.tiers[rt]; ok {
			result = append(result, t)
		}
	}
	return result
}
