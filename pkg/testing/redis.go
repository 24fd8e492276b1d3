package testing

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

// GetMiniRedisClient starts an in-process redis server and returns it together with a
// connected client. Both are closed when the test finishes.
func GetMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
		DB:   0, // use default DB
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	pingRes, err := rdb.Ping(context.Background()).Result()
	require.NoError(t, err)
	t.Logf("redis ping res: %s", pingRes)

	return mr, rdb
}
