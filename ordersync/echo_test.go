package ordersync

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEchoGuardExpires(t *testing.T) {
	g := NewMemoryEchoGuard(time.Minute).(*memoryEchoGuard)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	g.Mark(context.Background(), testCompany, "42", " Completed ")
	assert.True(t, g.Matches(context.Background(), testCompany, "42", "completed"))
	assert.False(t, g.Matches(context.Background(), testCompany, "42", "processing"))
	assert.False(t, g.Matches(context.Background(), "company-b", "42", "completed"))

	now = now.Add(2 * time.Minute)
	assert.False(t, g.Matches(context.Background(), testCompany, "42", "completed"))
}

func TestRedisEchoGuardLogsUnreachableRedis(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	g := NewRedisEchoGuard(rdb, time.Minute, logger)

	g.Mark(context.Background(), testCompany, "42", "completed")
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "42", entry.Data["external_id"])
	assert.Contains(t, entry.Message, "echo mark failed")

	hook.Reset()
	assert.False(t, g.Matches(context.Background(), testCompany, "42", "completed"))
	entry = hook.LastEntry()
	require.NotNil(t, entry)
	assert.Contains(t, entry.Message, "echo lookup failed")
}
