// Package policy implements the rules applied to a denied identifier on each
// evaluation: the attempt window that counts repeated hits, and the escalation
// tiers that turn enough hits into a harsher enforcement.
package policy

import (
	"context"
	"time"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
)

// Defaults used when a setting is absent.
const (
	DefaultAttemptPeriod     = 5 * time.Second
	DefaultAttemptResetAfter = 30 * time.Minute
	DefaultBuffer            = 10
)

// AttemptWindow counts repeated hits inside a burst window and forgets them
// after an idle period.
type AttemptWindow struct {
	// Period is the window inside which a new hit continues the same burst.
	Period time.Duration
	// ResetAfter is the idle duration after which the counter is stale.
	ResetAfter time.Duration
}

// DefaultAttemptWindow returns the default window.
func DefaultAttemptWindow() AttemptWindow {
	return AttemptWindow{
		Period:     DefaultAttemptPeriod,
		ResetAfter: DefaultAttemptResetAfter,
	}
}

// Apply returns the counters for a hit observed elapsed after the previous
// record write. burst is the stored count plus this hit when it lands inside
// Period; escalation thresholds compare against it. stored is the value to
// persist, which is zeroed once the record has been idle longer than
// ResetAfter.
//
// The forgiveness only affects stored, so a record that already reached its
// buffer still escalates on a hit that arrives after a quiet period.
func (w AttemptWindow) Apply(attempts int, elapsed time.Duration) (burst, stored int) {
	burst = attempts
	if elapsed <= w.Period {
		burst++
	}
	stored = burst
	if elapsed > w.ResetAfter {
		stored = 0
	}
	return burst, stored
}

// TierSettings is the per-tier configuration block.
type TierSettings struct {
	Enabled bool
	Buffer  int
	Notify  bool
}

// EscalateFunc performs the tier-specific side effect on the working record.
// A returned error means the escalation did not happen.
type EscalateFunc func(ctx context.Context, ip string, rec *domain.EnforcementRecord) error

// Tier is one escalation stage. Both stages share this shape and differ only
// in which rule type they watch, their settings and their side effect.
type Tier struct {
	Name      string
	AppliesTo domain.RuleType
	Settings  TierSettings
	Result    domain.EscalationTier
	Escalate  EscalateFunc
}

// Decision is what a tier asks the evaluator to do.
type Decision struct {
	UpdateRecord bool
	Notify       bool
	Tier         domain.EscalationTier
}

// Apply runs the tier against the working record, mutating it in place.
// burst is the hit count the threshold is compared against.
//
// The record must be rewritten whenever the tier is enabled, because the
// counter and timestamp changed. The counter is reset only once the side
// effect succeeded; on failure the error is returned together with the
// decision so the caller can still persist and notify.
func (t Tier) Apply(ctx context.Context, ip string, rec *domain.EnforcementRecord, burst int) (Decision, error) {
	var d Decision
	if rec.Type != t.AppliesTo || !t.Settings.Enabled {
		return d, nil
	}
	d.UpdateRecord = true

	if burst < t.Settings.Buffer {
		return d, nil
	}
	if t.Settings.Notify {
		d.Notify = true
	}

	if t.Escalate != nil {
		if err := t.Escalate(ctx, ip, rec); err != nil {
			return d, err
		}
	}

	rec.Attempts = 0
	d.Tier = t.Result
	return d, nil
}

// TemporaryToPermanent builds the tier that moves TEMP_DENY records to DENY.
// The permanent tier starts counting from zero.
func TemporaryToPermanent(s TierSettings) Tier {
	return Tier{
		Name:      "data_circle",
		AppliesTo: domain.RuleTempDeny,
		Settings:  s,
		Result:    domain.TierPermanentDeny,
		Escalate: func(_ context.Context, _ string, rec *domain.EnforcementRecord) error {
			rec.Type = domain.RuleDeny
			return nil
		},
	}
}

// PermanentToSystemFirewall builds the tier that queues DENY records for the
// system firewall. The record type stays DENY.
func PermanentToSystemFirewall(s TierSettings, queue domain.FirewallQueue) Tier {
	return Tier{
		Name:      "system_firewall",
		AppliesTo: domain.RuleDeny,
		Settings:  s,
		Result:    domain.TierSystemFirewall,
		Escalate: func(ctx context.Context, ip string, _ *domain.EnforcementRecord) error {
			return queue.Append(ctx, ip)
		},
	}
}
