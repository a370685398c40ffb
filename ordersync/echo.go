package ordersync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// EchoGuard remembers the last remote status this engine wrote for an order
// so that the store echoing our own export back (webhook or poll) is not
// re-imported as a fresh change.
type EchoGuard interface {
	Mark(ctx context.Context, companyId, externalId, remoteStatus string)
	Matches(ctx context.Context, companyId, externalId, remoteStatus string) bool
}

func echoKey(companyId, externalId string) string {
	return "order-sync:echo:" + companyId + ":" + externalId
}

func normalizeRemoteStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type memoryEchoGuard struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]echoEntry
}

type echoEntry struct {
	status  string
	expires time.Time
}

func NewMemoryEchoGuard(ttl time.Duration) EchoGuard {
	return &memoryEchoGuard{ttl: ttl, now: time.Now, entries: map[string]echoEntry{}}
}

func (g *memoryEchoGuard) Mark(_ context.Context, companyId, externalId, remoteStatus string) {
	if g.ttl <= 0 || externalId == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, e := range g.entries {
		if now.After(e.expires) {
			delete(g.entries, k)
		}
	}
	g.entries[echoKey(companyId, externalId)] = echoEntry{status: normalizeRemoteStatus(remoteStatus), expires: now.Add(g.ttl)}
}

func (g *memoryEchoGuard) Matches(_ context.Context, companyId, externalId, remoteStatus string) bool {
	status := normalizeRemoteStatus(remoteStatus)
	if status == "" || externalId == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[echoKey(companyId, externalId)]
	if !ok || g.now().After(e.expires) {
		return false
	}
	return e.status == status
}

type redisEchoGuard struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisEchoGuard(rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) EchoGuard {
	return &redisEchoGuard{rdb: rdb, ttl: ttl, logger: logger}
}

func (g *redisEchoGuard) Mark(ctx context.Context, companyId, externalId, remoteStatus string) {
	if g.ttl <= 0 || externalId == "" {
		return
	}
	if err := g.rdb.Set(ctx, echoKey(companyId, externalId), normalizeRemoteStatus(remoteStatus), g.ttl).Err(); err != nil {
		g.logger.WithFields(logrus.Fields{"company_id": companyId, "external_id": externalId}).
			Warn("echo mark failed; the store's copy of this export may be re-imported: " + err.Error())
	}
}

func (g *redisEchoGuard) Matches(ctx context.Context, companyId, externalId, remoteStatus string) bool {
	status := normalizeRemoteStatus(remoteStatus)
	if status == "" || externalId == "" {
		return false
	}
	val, err := g.rdb.Get(ctx, echoKey(companyId, externalId)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.logger.WithFields(logrus.Fields{"company_id": companyId, "external_id": externalId}).
				Warn("echo lookup failed: " + err.Error())
		}
		return false
	}
	return val == status
}
