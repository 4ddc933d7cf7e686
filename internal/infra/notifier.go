package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
)

// NodeInfo identifies the machine that raised a notification.
type NodeInfo struct {
	Hostname string `json:"hostname"`
	HostID   string `json:"host_id,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// LookupNodeInfo reads host identity, falling back to os.Hostname.
func LookupNodeInfo() NodeInfo {
	info, err := host.Info()
	if err != nil || info == nil {
		name, _ := os.Hostname()
		return NodeInfo{Hostname: name}
	}
	return NodeInfo{
		Hostname: info.Hostname,
		HostID:   info.HostID,
		Platform: info.Platform,
	}
}

// Notification is the payload sent for one escalation.
type Notification struct {
	EventID      string    `json:"event_id"`
	Event        string    `json:"event"`
	IP           string    `json:"ip"`
	RuleType     string    `json:"rule_type"`
	Attempts     int       `json:"attempts"`
	Reason       string    `json:"reason,omitempty"`
	ResolvedHost string    `json:"ip_resolve,omitempty"`
	RawAddress   string    `json:"log_ip,omitempty"`
	Node         NodeInfo  `json:"node"`
	At           time.Time `json:"at"`
}

// NewNotification builds the payload for rec escalated by tier.
func NewNotification(rec domain.EnforcementRecord, tier domain.EscalationTier, node NodeInfo) Notification {
	return Notification{
		EventID:      uuid.NewString(),
		Event:        tier.String(),
		IP:           rec.Identifier,
		RuleType:     rec.Type.String(),
		Attempts:     rec.Attempts,
		Reason:       rec.Reason,
		ResolvedHost: rec.ResolvedHost,
		RawAddress:   rec.RawAddress,
		Node:         node,
		At:           rec.LastEvaluatedAt,
	}
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *zap.Logger
	node   NodeInfo
}

func NewLogNotifier(logger *zap.Logger, node NodeInfo) *LogNotifier {
	return &LogNotifier{logger: logger, node: node}
}

func (n *LogNotifier) Notify(ctx context.Context, rec domain.EnforcementRecord, tier domain.EscalationTier) error {
	msg := NewNotification(rec, tier, n.node)
	n.logger.Warn("enforcement escalated",
		zap.String("event_id", msg.EventID),
		zap.String("event", msg.Event),
		zap.String("ip", msg.IP),
		zap.String("rule_type", msg.RuleType),
		zap.String("reason", msg.Reason),
		zap.String("node", msg.Node.Hostname))
	return nil
}

// RedisNotifier publishes JSON notifications on a pub/sub channel.
type RedisNotifier struct {
	rdb     redis.Cmdable
	channel string
	node    NodeInfo
}

func NewRedisNotifier(rdb redis.Cmdable, channel string, node NodeInfo) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel, node: node}
}

func (n *RedisNotifier) Notify(ctx context.Context, rec domain.EnforcementRecord, tier domain.EscalationTier) error {
	payload, err := json.Marshal(NewNotification(rec, tier, n.node))
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", n.channel, err)
	}
	return nil
}

// RateLimitedNotifier drops notifications above a global rate so a scan
// from many addresses cannot flood the channel.
type RateLimitedNotifier struct {
	next    domain.NotificationDispatcher
	limiter *rate.Limiter
	logger  *zap.Logger
	dropped atomic.Int64
}

func NewRateLimitedNotifier(next domain.NotificationDispatcher, limiter *rate.Limiter, logger *zap.Logger) *RateLimitedNotifier {
	return &RateLimitedNotifier{next: next, limiter: limiter, logger: logger}
}

func (n *RateLimitedNotifier) Notify(ctx context.Context, rec domain.EnforcementRecord, tier domain.EscalationTier) error {
	if !n.limiter.Allow() {
		n.dropped.Add(1)
		n.logger.Debug("notification throttled",
			zap.String("ip", rec.Identifier),
			zap.String("event", tier.String()))
		return nil
	}
	return n.next.Notify(ctx, rec, tier)
}

// Dropped returns how many notifications were throttled.
func (n *RateLimitedNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// MultiNotifier fans a notification out to every dispatcher.
type MultiNotifier []domain.NotificationDispatcher

func (m MultiNotifier) Notify(ctx context.Context, rec domain.EnforcementRecord, tier domain.EscalationTier) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, rec, tier); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.NotificationDispatcher = (*LogNotifier)(nil)
	_ domain.NotificationDispatcher = (*RedisNotifier)(nil)
	_ domain.NotificationDispatcher = (*RateLimitedNotifier)(nil)
	_ domain.NotificationDispatcher = MultiNotifier(nil)
)
