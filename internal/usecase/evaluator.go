// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
	"github.com/eliteGoblin/focusd/ipguard/internal/policy"
)

// EvaluatorImpl implements domain.RuleEvaluator.
type EvaluatorImpl struct {
	store    domain.RuleRecordStore
	window   policy.AttemptWindow
	tiers    *policy.Registry
	notifier domain.NotificationDispatcher
	logger   *zap.Logger
	now      func() time.Time
}

// EvaluatorOption customizes an EvaluatorImpl.
type EvaluatorOption func(*EvaluatorImpl)

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *EvaluatorImpl) { e.now = now }
}

// WithNotifier sets the notification dispatcher. Without one, notify
// decisions are logged and dropped.
func WithNotifier(n domain.NotificationDispatcher) EvaluatorOption {
	return func(e *EvaluatorImpl) { e.notifier = n }
}

// NewEvaluator creates a new rule evaluator.
func NewEvaluator(
	store domain.RuleRecordStore,
	window policy.AttemptWindow,
	tiers *policy.Registry,
	logger *zap.Logger,
	opts ...EvaluatorOption,
) domain.RuleEvaluator {
	e := &EvaluatorImpl{
		store:  store,
		window: window,
		tiers:  tiers,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs one read-modify-write over the record for ip.
//
// The verdict is the rule type read from the store. An escalation in this call
// changes the saved record and result.Tier but not the verdict; TEMP_DENY and
// DENY both reject.
func (e *EvaluatorImpl) Evaluate(ctx context.Context, ip string) (*domain.EvaluationResult, error) {
	start := time.Now()
	now := e.now()

	result := &domain.EvaluationResult{
		Identifier:  ip,
		Errors:      make([]error, 0),
		EvaluatedAt: now,
	}
	defer func() { result.DurationMs = time.Since(start).Milliseconds() }()

	stored, err := e.store.Get(ctx, ip)
	if err == nil && stored != nil {
		err = stored.Validate()
	}
	if err != nil {
		// A firewall never fails open.
		result.Verdict = domain.Verdict{Found: true, Type: domain.RuleDeny}
		e.logger.Error("cannot evaluate record, denying",
			zap.String("ip", ip),
			zap.Error(err))
		return result, fmt.Errorf("evaluate %s: %w", ip, err)
	}

	if stored == nil {
		return result, nil
	}

	rec := *stored
	result.Record = &rec
	result.Verdict = domain.Verdict{Found: true, Type: rec.Type}

	if rec.Type == domain.RuleAllow {
		return result, nil
	}

	elapsed := now.Sub(stored.LastEvaluatedAt)
	burst, kept := e.window.Apply(stored.Attempts, elapsed)
	rec.Attempts = kept
	rec.LastEvaluatedAt = now

	// The tier is chosen by the stored type so one call escalates at most once.
	if tier, ok := e.tiers.For(stored.Type); ok {
		d, err := tier.Apply(ctx, ip, &rec, burst)
		result.UpdateRecord = d.UpdateRecord
		result.Notify = d.Notify
		result.Tier = d.Tier
		if err != nil {
			e.logger.Warn("escalation skipped, will retry on next attempt",
				zap.String("ip", ip),
				zap.String("tier", tier.Name),
				zap.Int("attempts", burst),
				zap.Error(err))
			result.Errors = append(result.Errors, fmt.Errorf("escalate %s: %w", tier.Name, err))
		}
	}

	if result.Tier != domain.TierNone {
		e.logger.Info("escalated",
			zap.String("ip", ip),
			zap.String("tier", result.Tier.String()),
			zap.String("from", stored.Type.String()),
			zap.String("to", rec.Type.String()))
	}

	if result.UpdateRecord {
		if err := e.store.Save(ctx, ip, rec); err != nil {
			e.logger.Warn("failed to save enforcement record",
				zap.String("ip", ip),
				zap.Error(err))
			result.Errors = append(result.Errors, fmt.Errorf("save record: %w", err))
		}
	}

	if result.Notify {
		e.notify(ctx, ip, rec, result)
	}

	e.logger.Debug("evaluated",
		zap.String("ip", ip),
		zap.String("verdict", result.Verdict.String()),
		zap.Int("attempts", rec.Attempts),
		zap.Bool("updated", result.UpdateRecord),
		zap.Bool("notify", result.Notify))

	return result, nil
}

func (e *EvaluatorImpl) notify(ctx context.Context, ip string, rec domain.EnforcementRecord, result *domain.EvaluationResult) {
	if e.notifier == nil {
		e.logger.Debug("no notifier configured, dropping notification",
			zap.String("ip", ip),
			zap.String("tier", result.Tier.String()))
		return
	}
	if err := e.notifier.Notify(ctx, rec, result.Tier); err != nil {
		e.logger.Warn("failed to send notification",
			zap.String("ip", ip),
			zap.Error(err))
		result.Errors = append(result.Errors, fmt.Errorf("notify: %w", err))
	}
}

// Ensure EvaluatorImpl implements domain.RuleEvaluator.
var _ domain.RuleEvaluator = (*EvaluatorImpl)(nil)
