package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
)

// RedisRecordStore keeps one hash per identifier so several gate nodes can
// share enforcement state.
type RedisRecordStore struct {
	rdb    redis.Cmdable
	prefix string
}

type RedisStoreOption func(*RedisRecordStore)

func WithRecordPrefix(prefix string) RedisStoreOption {
	return func(s *RedisRecordStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func NewRedisRecordStore(rdb redis.Cmdable, opts ...RedisStoreOption) *RedisRecordStore {
	s := &RedisRecordStore{
		rdb:    rdb,
		prefix: "ipguard:record",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisRecordStore) key(ip string) string {
	return s.prefix + ":" + ip
}

// Get returns the record for ip, or nil when the hash does not exist.
func (s *RedisRecordStore) Get(ctx context.Context, ip string) (*domain.EnforcementRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRecordHash(ip, fields)
}

// Save overwrites the hash for ip.
func (s *RedisRecordStore) Save(ctx context.Context, ip string, rec domain.EnforcementRecord) error {
	if err := s.rdb.HSet(ctx, s.key(ip), encodeRecordHash(rec)).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// All scans every hash under the prefix.
func (s *RedisRecordStore) All(ctx context.Context) (map[string]domain.EnforcementRecord, error) {
	out := make(map[string]domain.EnforcementRecord)
	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		ip := strings.TrimPrefix(key, s.prefix+":")
		rec, err := decodeRecordHash(ip, fields)
		if err != nil {
			return nil, err
		}
		out[ip] = *rec
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

func encodeRecordHash(rec domain.EnforcementRecord) map[string]interface{} {
	return map[string]interface{}{
		"type":       int(rec.Type),
		"attempts":   rec.Attempts,
		"time":       rec.LastEvaluatedAt.Unix(),
		"reason":     rec.Reason,
		"ip_resolve": rec.ResolvedHost,
		"log_ip":     rec.RawAddress,
	}
}

func decodeRecordHash(ip string, fields map[string]string) (*domain.EnforcementRecord, error) {
	num := func(name string) (int64, error) {
		v, ok := fields[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s missing field %q", domain.ErrMalformedRecord, ip, name)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s field %q: %v", domain.ErrMalformedRecord, ip, name, err)
		}
		return n, nil
	}

	ruleType, err := num("type")
	if err != nil {
		return nil, err
	}
	attempts, err := num("attempts")
	if err != nil {
		return nil, err
	}
	ts, err := num("time")
	if err != nil {
		return nil, err
	}

	return &domain.EnforcementRecord{
		Identifier:      ip,
		Type:            domain.RuleType(ruleType),
		Attempts:        int(attempts),
		LastEvaluatedAt: time.Unix(ts, 0),
		Reason:          fields["reason"],
		ResolvedHost:    fields["ip_resolve"],
		RawAddress:      fields["log_ip"],
	}, nil
}

var (
	_ domain.RuleRecordStore = (*RedisRecordStore)(nil)
	_ domain.RecordLister    = (*RedisRecordStore)(nil)
)
