package client

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

func TestRuleKey(t *testing.T) {
	assert.Equal(t, "workflow_rule:org-1:payment_approval", RuleKey("org-1", repository.WorkflowTypePaymentApproval))
}

func TestRedisRuleCache_Unreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	cache := NewRedisRuleCache(rdb, time.Minute)
	ctx := context.Background()

	_, found, err := cache.Get(ctx, "org-1", repository.WorkflowTypePaymentApproval)
	require.Error(t, err)
	assert.False(t, found)

	err = cache.Set(ctx, &repository.WorkflowRule{OrganizationID: "org-1", Type: repository.WorkflowTypePaymentApproval})
	assert.Error(t, err)
}

func TestConnectRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ConnectRedis(ctx, "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
