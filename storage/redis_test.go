package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/automation-engine/types"
)

func newMiniredisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStorageWithClient(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		s, _ := newMiniredisStorage(t)
		return s
	})
}

func TestRedisStorageKeys(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStorage(t)

	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow(5)))
	require.NoError(t, s.SaveSchedule(ctx, sampleSchedule(6, base, true)))
	require.NoError(t, s.CreateExecution(ctx, sampleExecution(7, 5, types.ExecutionPending, base)))

	assert.True(t, mr.Exists("test:workflow:5"))
	assert.True(t, mr.Exists("test:schedule:6"))
	assert.True(t, mr.Exists("test:execution:7"))

	members, err := mr.SMembers("test:workflows")
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, members)

	score, err := mr.ZScore("test:schedules:due", "6")
	require.NoError(t, err)
	assert.Equal(t, float64(base.UnixMilli()), score)

	require.NoError(t, s.DeactivateSchedule(ctx, 6))
	due, err := mr.ZMembers("test:schedules:due")
	if err == nil {
		assert.Empty(t, due)
	}
}

func TestNewRedisStorageUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStorage(RedisOptions{Addr: addr})
	assert.Error(t, err)
}
