package salonsync

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLeasesAcquireRelease(t *testing.T) {
	leases := NewMemoryLeases()
	ctx := context.Background()

	first, ok, err := leases.Acquire(ctx, "sync:pending-bookings", "agent-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, first.Token)

	_, ok, err = leases.Acquire(ctx, "sync:pending-bookings", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held")

	// Wrong owner or token leaves the lease in place.
	require.NoError(t, leases.Release(ctx, "sync:pending-bookings", "agent-2", first.Token))
	require.NoError(t, leases.Release(ctx, "sync:pending-bookings", "agent-1", first.Token+1))
	_, ok, _ = leases.Acquire(ctx, "sync:pending-bookings", "agent-2", time.Minute)
	assert.False(t, ok)

	require.NoError(t, leases.Release(ctx, "sync:pending-bookings", "agent-1", first.Token))
	second, ok, err := leases.Acquire(ctx, "sync:pending-bookings", "agent-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, second.Token, first.Token)

	_, _, err = leases.Acquire(ctx, "", "agent-1", time.Minute)
	assert.Error(t, err)
}

func TestMemoryLeasesExpireAndRenew(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	leases := NewMemoryLeases()
	leases.now = func() time.Time { return now }
	ctx := context.Background()

	l, ok, err := leases.Acquire(ctx, "sync:pending-profile", "agent-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(50 * time.Second)
	_, ok, err = leases.Renew(ctx, "sync:pending-profile", "agent-1", l.Token, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = leases.Renew(ctx, "sync:pending-profile", "agent-2", l.Token, time.Minute)
	assert.False(t, ok)

	now = now.Add(50 * time.Second)
	_, ok, _ = leases.Acquire(ctx, "sync:pending-profile", "agent-2", time.Minute)
	assert.False(t, ok, "renewed lease is still held")

	now = now.Add(time.Minute)
	_, ok, _ = leases.Renew(ctx, "sync:pending-profile", "agent-1", l.Token, time.Minute)
	assert.False(t, ok, "expired lease cannot be renewed")
	_, ok, err = leases.Acquire(ctx, "sync:pending-profile", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLeasesAreSharedBetweenAgents(t *testing.T) {
	client := newRedisTestClient(t)
	defer client.Close()
	ctx := context.Background()
	prefix := "salonsync:test:" + uuid.NewString()
	agentA := NewRedisLeases(client, prefix)
	agentB := NewRedisLeases(client, prefix)

	l, ok, err := agentA.Acquire(ctx, "sync:pending-bookings", "agent-a", 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = agentB.Acquire(ctx, "sync:pending-bookings", "agent-b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = agentB.Renew(ctx, "sync:pending-bookings", "agent-b", l.Token, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = agentA.Renew(ctx, "sync:pending-bookings", "agent-a", l.Token, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, agentA.Release(ctx, "sync:pending-bookings", "agent-a", l.Token))
	_, ok, err = agentB.Acquire(ctx, "sync:pending-bookings", "agent-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
