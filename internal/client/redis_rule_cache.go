package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

const ruleKeyPrefix = "workflow_rule"

// RedisRuleCache caches active workflow rules in Redis as JSON. Entries
// expire after the configured TTL; rule changes made through the rules file
// are visible once the entry expires.
type RedisRuleCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisRuleCache creates a cache over rdb. A non-positive ttl keeps
// entries until evicted.
func NewRedisRuleCache(rdb redis.Cmdable, ttl time.Duration) *RedisRuleCache {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisRuleCache{rdb: rdb, ttl: ttl}
}

// ConnectRedis opens a client and verifies it with a PING.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// RuleKey returns the cache key of an organization's rule for wfType.
func RuleKey(organizationID string, wfType repository.WorkflowType) string {
	return fmt.Sprintf("%s:%s:%s", ruleKeyPrefix, organizationID, wfType)
}

// Get returns the cached rule. A missing key reports false with a nil error.
func (c *RedisRuleCache) Get(ctx context.Context, organizationID string, wfType repository.WorkflowType) (*repository.WorkflowRule, bool, error) {
	raw, err := c.rdb.Get(ctx, RuleKey(organizationID, wfType)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get rule: %w", err)
	}

	var rule repository.WorkflowRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, false, fmt.Errorf("decode cached rule: %w", err)
	}
	return &rule, true, nil
}

// Set stores rule under its organization and type.
func (c *RedisRuleCache) Set(ctx context.Context, rule *repository.WorkflowRule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	if err := c.rdb.Set(ctx, RuleKey(rule.OrganizationID, rule.Type), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set rule: %w", err)
	}
	return nil
}

// Invalidate removes the cached rule of an organization and type.
func (c *RedisRuleCache) Invalidate(ctx context.Context, organizationID string, wfType repository.WorkflowType) error {
	return c.rdb.Del(ctx, RuleKey(organizationID, wfType)).Err()
}
