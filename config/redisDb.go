package config

import (
	"context"
	"log"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB returns nil when Redis is not configured; callers fall back to
// in-process implementations.
func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

// ConnectRedisWithRetry connects and sets the global Redis client + lock client.
// Redis is optional for this service, so after maxAttempts the globals stay nil.
// Call this from main() AFTER the HTTP server is listening.
func ConnectRedisWithRetry(ctx context.Context, redisAddr string, maxAttempts int) bool {
	if redisAddr == "" {
		log.Printf("REDIS_ADDRESS not set; using in-process broker and locks")
		return false
	}

	var attempt int
	for attempt < maxAttempts {
		attempt++
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: "",
			DB:       0, // use default DB
			PoolSize: 100,
		})
		err := client.Ping(ctx).Err()
		if err == nil {
			rdb = client
			locker = redislock.New(rdb)
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, redisAddr)
			return true
		}
		_ = client.Close()

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, redisAddr, err, sleep)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sleep):
		}
	}
	log.Printf("giving up on redis after %d attempts; using in-process broker and locks", attempt)
	return false
}

func CloseRedis() {
	if rdb != nil {
		_ = rdb.Close()
	}
}
