package domain

import "context"

// RuleRecordStore provides keyed persistence for enforcement records.
// Implementations: in-memory, JSON file, SQLCipher/Postgres, Redis.
//
// Get and Save are atomic per call but not exclusive across calls for the
// same identifier; concurrent evaluations are last-write-wins.
type RuleRecordStore interface {
	// Get returns the record for ip, or nil, nil when none exists.
	Get(ctx context.Context, ip string) (*EnforcementRecord, error)

	// Save writes rec under ip, replacing any previous record.
	Save(ctx context.Context, ip string, rec EnforcementRecord) error
}

// RecordLister is implemented by stores that can enumerate every record.
type RecordLister interface {
	// All returns every stored record keyed by identifier.
	All(ctx context.Context) (map[string]EnforcementRecord, error)
}

// NotificationDispatcher delivers escalation events.
// The evaluator only decides whether to call it.
type NotificationDispatcher interface {
	Notify(ctx context.Context, rec EnforcementRecord, tier EscalationTier) error
}

// FirewallQueue accepts system-firewall work items for an external agent.
// Implementation: append-only text file guarded by flock.
type FirewallQueue interface {
	// Append queues one deny command for ip. It fails fast when the queue
	// location is missing or not writable.
	Append(ctx context.Context, ip string) error
}

// RuleEvaluator decides access for a single identifier per call.
type RuleEvaluator interface {
	// Evaluate runs the attempt window and escalation pipeline for ip.
	// A non-nil error means the evaluation failed closed; the returned
	// result still carries a rejecting verdict.
	Evaluate(ctx context.Context, ip string) (*EvaluationResult, error)
}

// KeyProvider abstracts the source of the record database encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
