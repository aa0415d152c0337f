package cancel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/studyhub/internal/domain"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisRegistry(t *testing.T, mr *miniredis.Miniredis) *Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg, err := NewRedis(context.Background(), client, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Close()
		_ = client.Close()
	})
	return reg
}

func TestRedisRegisterRecordsOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := newTestRedisRegistry(t, mr)
	h, _ := newTestHandle("c1")

	reg.Register("c1", h)
	owner, err := mr.Get(streamKeyPrefix + "c1")
	require.NoError(t, err)
	assert.Equal(t, reg.instanceID, owner)

	reg.Deregister("c1", h)
	assert.False(t, mr.Exists(streamKeyPrefix+"c1"))
}

func TestRedisCancelLocalStream(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := newTestRedisRegistry(t, mr)
	h, ctx := newTestHandle("c1")
	reg.Register("c1", h)

	ok, err := reg.Cancel(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, errors.Is(context.Cause(ctx), domain.ErrCancelledByUser))
	assert.False(t, mr.Exists(streamKeyPrefix+"c1"))
}

func TestRedisCancelAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := newTestRedisRegistry(t, mr)
	other := newTestRedisRegistry(t, mr)

	h, ctx := newTestHandle("c1")
	owner.Register("c1", h)

	ok, err := other.Cancel(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		return errors.Is(context.Cause(ctx), domain.ErrCancelledByUser)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return !owner.local.Active("c1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisCancelWithoutStream(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := newTestRedisRegistry(t, mr)

	ok, err := reg.Cancel(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDeregisterKeepsForeignOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newTestRedisRegistry(t, mr)
	second := newTestRedisRegistry(t, mr)

	h1, _ := newTestHandle("c1")
	h2, _ := newTestHandle("c1")
	first.Register("c1", h1)
	second.Register("c1", h2)

	// The first instance's stream ends after the second took ownership.
	first.Deregister("c1", h1)

	got, err := mr.Get(streamKeyPrefix + "c1")
	require.NoError(t, err)
	assert.Equal(t, second.instanceID, got)
}
