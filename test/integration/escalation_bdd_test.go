//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
	"github.com/eliteGoblin/focusd/ipguard/internal/infra"
	"github.com/eliteGoblin/focusd/ipguard/internal/policy"
	"github.com/eliteGoblin/focusd/ipguard/internal/usecase"
	"github.com/eliteGoblin/focusd/ipguard/test/fixtures"
)

type escalation struct {
	ip   string
	tier domain.EscalationTier
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []escalation
}

func (n *recordingNotifier) Notify(_ context.Context, rec domain.EnforcementRecord, tier domain.EscalationTier) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, escalation{ip: rec.Identifier, tier: tier})
	return nil
}

func (n *recordingNotifier) Events() []escalation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]escalation(nil), n.events...)
}

var _ = Describe("Progressive enforcement", func() {
	var (
		ctx       context.Context
		ws        *fixtures.Workspace
		store     *infra.FileRecordStore
		clock     *fixtures.Clock
		notifier  *recordingNotifier
		evaluator domain.RuleEvaluator
		t0        time.Time
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		ws, err = fixtures.NewWorkspace(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		store, err = ws.Store()
		Expect(err).NotTo(HaveOccurred())

		t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		clock = fixtures.NewClock(t0)
		notifier = &recordingNotifier{}

		logger := zap.NewNop()
		queue := infra.NewFirewallQueueWriter(ws.QueueFolder, logger)
		tiers := policy.NewRegistry(
			policy.TierSettings{Enabled: true, Buffer: 5, Notify: true},
			policy.TierSettings{Enabled: true, Buffer: 2, Notify: true},
			queue,
		)
		window := policy.AttemptWindow{Period: 60 * time.Second, ResetAfter: time.Hour}
		evaluator = usecase.NewEvaluator(store, window, tiers, logger,
			usecase.WithClock(clock.Now),
			usecase.WithNotifier(notifier))
	})

	Describe("an unknown address", func() {
		It("is allowed and leaves no trace", func() {
			result, err := evaluator.Evaluate(ctx, "198.51.100.9")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Verdict.Found).To(BeFalse())
			Expect(result.Verdict.Rejects()).To(BeFalse())

			all, err := store.All(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(BeEmpty())
		})
	})

	Describe("an allow rule", func() {
		It("is returned without touching the record", func() {
			Expect(ws.Seed(domain.EnforcementRecord{
				Identifier: "192.0.2.10", Type: domain.RuleAllow, Attempts: 3, LastEvaluatedAt: t0, Reason: "office",
			})).To(Succeed())

			clock.Advance(10 * time.Second)
			result, err := evaluator.Evaluate(ctx, "192.0.2.10")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Verdict.Type).To(Equal(domain.RuleAllow))
			Expect(result.UpdateRecord).To(BeFalse())

			got, err := store.Get(ctx, "192.0.2.10")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Attempts).To(Equal(3))
			Expect(got.LastEvaluatedAt.Equal(t0)).To(BeTrue())
		})
	})

	Describe("a temporary deny under repeated hits", func() {
		BeforeEach(func() {
			Expect(ws.Seed(domain.EnforcementRecord{
				Identifier: "203.0.113.7", Type: domain.RuleTempDeny, Attempts: 4, LastEvaluatedAt: t0, Reason: "scanner",
			})).To(Succeed())
		})

		It("becomes permanent and then reaches the system firewall", func() {
			clock.Advance(10 * time.Second)
			result, err := evaluator.Evaluate(ctx, "203.0.113.7")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Verdict.Type).To(Equal(domain.RuleTempDeny))
			Expect(result.Verdict.Rejects()).To(BeTrue())
			Expect(result.Tier).To(Equal(domain.TierPermanentDeny))

			got, err := store.Get(ctx, "203.0.113.7")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Type).To(Equal(domain.RuleDeny))
			Expect(got.Attempts).To(Equal(0))
			Expect(got.Reason).To(Equal("scanner"))

			clock.Advance(time.Second)
			result, err = evaluator.Evaluate(ctx, "203.0.113.7")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Tier).To(Equal(domain.TierNone))
			Expect(result.Record.Attempts).To(Equal(1))

			lines, err := ws.QueueLines()
			Expect(err).NotTo(HaveOccurred())
			Expect(lines).To(BeEmpty())

			clock.Advance(time.Second)
			result, err = evaluator.Evaluate(ctx, "203.0.113.7")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Tier).To(Equal(domain.TierSystemFirewall))
			Expect(result.Verdict.Type).To(Equal(domain.RuleDeny))

			lines, err = ws.QueueLines()
			Expect(err).NotTo(HaveOccurred())
			Expect(lines).To(Equal([]string{"add,4,203.0.113.7,null,all,all,deny"}))

			Expect(notifier.Events()).To(Equal([]escalation{
				{ip: "203.0.113.7", tier: domain.TierPermanentDeny},
				{ip: "203.0.113.7", tier: domain.TierSystemFirewall},
			}))
		})

		It("starts over after a long quiet period", func() {
			clock.Advance(2 * time.Hour)
			result, err := evaluator.Evaluate(ctx, "203.0.113.7")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Verdict.Type).To(Equal(domain.RuleTempDeny))
			Expect(result.Tier).To(Equal(domain.TierNone))

			got, err := store.Get(ctx, "203.0.113.7")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Attempts).To(Equal(0))
			Expect(got.LastEvaluatedAt.Equal(clock.Now())).To(BeTrue())
			Expect(notifier.Events()).To(BeEmpty())
		})
	})

	Describe("a permanent deny for an IPv6 address", func() {
		It("queues the IPv6 command form", func() {
			Expect(ws.Seed(domain.EnforcementRecord{
				Identifier: "2001:db8::1", Type: domain.RuleDeny, Attempts: 1, LastEvaluatedAt: t0,
			})).To(Succeed())

			clock.Advance(5 * time.Second)
			result, err := evaluator.Evaluate(ctx, "2001:db8::1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Tier).To(Equal(domain.TierSystemFirewall))

			lines, err := ws.QueueLines()
			Expect(err).NotTo(HaveOccurred())
			Expect(lines).To(Equal([]string{"add,6,2001:db8::1,null,all,allow"}))
		})
	})

	Describe("when the queue folder disappears", func() {
		It("keeps denying and retries on the next hit", func() {
			Expect(ws.Seed(domain.EnforcementRecord{
				Identifier: "203.0.113.8", Type: domain.RuleDeny, Attempts: 1, LastEvaluatedAt: t0,
			})).To(Succeed())
			Expect(os.RemoveAll(ws.QueueFolder)).To(Succeed())

			clock.Advance(5 * time.Second)
			result, err := evaluator.Evaluate(ctx, "203.0.113.8")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Verdict.Rejects()).To(BeTrue())
			Expect(result.Tier).To(Equal(domain.TierNone))
			Expect(result.Errors).NotTo(BeEmpty())
			Expect(result.Errors[0]).To(MatchError(ContainSubstring("system_firewall")))

			got, err := store.Get(ctx, "203.0.113.8")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Attempts).To(Equal(2))

			Expect(os.MkdirAll(ws.QueueFolder, 0755)).To(Succeed())
			clock.Advance(5 * time.Second)
			result, err = evaluator.Evaluate(ctx, "203.0.113.8")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Tier).To(Equal(domain.TierSystemFirewall))

			lines, err := ws.QueueLines()
			Expect(err).NotTo(HaveOccurred())
			Expect(lines).To(HaveLen(1))
		})
	})

	Describe("when the queue folder disappears and the next hit comes after a quiet period", func() {
		It("still queues the address once the folder is back", func() {
			Expect(ws.Seed(domain.EnforcementRecord{
				Identifier: "198.51.100.23", Type: domain.RuleDeny, Attempts: 1, LastEvaluatedAt: t0,
			})).To(Succeed())
			Expect(os.RemoveAll(ws.QueueFolder)).To(Succeed())

			clock.Advance(time.Second)
			result, err := evaluator.Evaluate(ctx, "198.51.100.23")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Errors).NotTo(BeEmpty())

			got, err := store.Get(ctx, "198.51.100.23")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Attempts).To(Equal(2))

			Expect(os.MkdirAll(ws.QueueFolder, 0755)).To(Succeed())
			clock.Advance(2 * time.Hour)
			result, err = evaluator.Evaluate(ctx, "198.51.100.23")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Errors).To(BeEmpty())
			Expect(result.Tier).To(Equal(domain.TierSystemFirewall))

			lines, err := ws.QueueLines()
			Expect(err).NotTo(HaveOccurred())
			Expect(lines).To(Equal([]string{"add,4,198.51.100.23,null,all,all,deny"}))

			got, err = store.Get(ctx, "198.51.100.23")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Attempts).To(Equal(0))
		})
	})

	Describe("a corrupt record file", func() {
		It("fails closed", func() {
			Expect(os.MkdirAll(filepath.Dir(ws.RecordPath), 0700)).To(Succeed())
			Expect(os.WriteFile(ws.RecordPath, []byte("{not json"), 0600)).To(Succeed())

			result, err := evaluator.Evaluate(ctx, "203.0.113.7")
			Expect(err).To(MatchError(domain.ErrMalformedRecord))
			Expect(result.Verdict.Rejects()).To(BeTrue())
		})
	})
})
