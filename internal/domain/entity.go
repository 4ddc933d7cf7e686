// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedRecord is returned when a stored enforcement record is missing
// fields the evaluator depends on.
var ErrMalformedRecord = errors.New("malformed enforcement record")

// RuleType is the enforcement status of an identifier.
// Numeric values match the persisted action codes.
type RuleType int

const (
	RuleDeny     RuleType = 0
	RuleAllow    RuleType = 1
	RuleTempDeny RuleType = 2
)

// String returns the lowercase name used in config, CLI flags and logs.
func (t RuleType) String() string {
	switch t {
	case RuleAllow:
		return "allow"
	case RuleTempDeny:
		return "temp_deny"
	case RuleDeny:
		return "deny"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Valid reports whether t is one of the known rule types.
func (t RuleType) Valid() bool {
	return t == RuleAllow || t == RuleTempDeny || t == RuleDeny
}

// Rejects reports whether a request under this rule type must be refused.
// TEMP_DENY and DENY are not distinguished by callers.
func (t RuleType) Rejects() bool {
	return t == RuleTempDeny || t == RuleDeny
}

// ParseRuleType accepts the names returned by String.
func ParseRuleType(s string) (RuleType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return RuleAllow, nil
	case "temp_deny", "temporarily_deny", "temp-deny":
		return RuleTempDeny, nil
	case "deny":
		return RuleDeny, nil
	}
	return 0, fmt.Errorf("unknown rule type %q", s)
}

// EscalationTier identifies which escalation, if any, fired during an evaluation.
type EscalationTier int

const (
	TierNone EscalationTier = iota
	TierPermanentDeny
	TierSystemFirewall
)

func (t EscalationTier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierPermanentDeny:
		return "escalated_to_permanent_deny"
	case TierSystemFirewall:
		return "escalated_to_system_firewall"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// EnforcementRecord is the persisted enforcement state for one identifier.
// The evaluator works on a copy and hands the copy back for persistence.
//
// Reason, ResolvedHost and RawAddress are audit metadata and are passed
// through unchanged.
type EnforcementRecord struct {
	Identifier      string    `json:"ip"`
	Type            RuleType  `json:"type"`
	Attempts        int       `json:"attempts"`
	LastEvaluatedAt time.Time `json:"time"`
	Reason          string    `json:"reason"`
	ResolvedHost    string    `json:"ip_resolve"`
	RawAddress      string    `json:"log_ip"`
}

// Validate checks the fields the evaluation pipeline reads.
func (r *EnforcementRecord) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrMalformedRecord)
	case strings.TrimSpace(r.Identifier) == "":
		return fmt.Errorf("%w: empty identifier", ErrMalformedRecord)
	case !r.Type.Valid():
		return fmt.Errorf("%w: unknown rule type %d", ErrMalformedRecord, int(r.Type))
	case r.Attempts < 0:
		return fmt.Errorf("%w: negative attempts %d", ErrMalformedRecord, r.Attempts)
	case r.LastEvaluatedAt.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	return nil
}

// Verdict is the access decision returned to the caller.
type Verdict struct {
	// Found is false when no record exists for the identifier (implicit allow).
	Found bool
	Type  RuleType
}

// Rejects reports whether the request must be refused.
func (v Verdict) Rejects() bool {
	return v.Found && v.Type.Rejects()
}

func (v Verdict) String() string {
	if !v.Found {
		return "no_rule"
	}
	return v.Type.String()
}

// EvaluationResult captures what happened during a single evaluation.
// UpdateRecord and Notify are per-call state and never outlive the call.
type EvaluationResult struct {
	Identifier   string
	Verdict      Verdict
	Record       *EnforcementRecord // working copy, nil when no rule exists
	UpdateRecord bool
	Notify       bool
	Tier         EscalationTier
	Errors       []error // collaborator failures that did not abort the pipeline
	EvaluatedAt  time.Time
	DurationMs   int64
}

// FirewallCommand is one line of work for the external system-firewall agent.
type FirewallCommand struct {
	Operation string // always "add"
	IPVersion int    // 4 or 6
	Address   string
	Subnet    string // "null"
	Port      string // "all"
	Protocol  string // "all"
	Action    string
}

// Line renders the command in the queue file format.
// command, ipv4/6, ip, subnet, port, protocol, action
func (c FirewallCommand) Line() string {
	if c.IPVersion == 6 {
		// The IPv6 form carries no protocol column.
		return fmt.Sprintf("%s,%d,%s,%s,%s,%s", c.Operation, c.IPVersion, c.Address, c.Subnet, c.Port, c.Action)
	}
	return fmt.Sprintf("%s,%d,%s,%s,%s,%s,%s", c.Operation, c.IPVersion, c.Address, c.Subnet, c.Port, c.Protocol, c.Action)
}
