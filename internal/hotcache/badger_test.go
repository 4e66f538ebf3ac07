package hotcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentrun/internal/domain"
)

func openTestCache(t *testing.T) *Badger {
	t.Helper()
	c, err := OpenBadger(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBadgerPutGetDelete(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	_, hit, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, hit)

	sess := domain.Session{
		ID:             "s1",
		Principal:      "alice",
		Autonomy:       domain.AutonomyAssisted,
		Status:         domain.SessionActive,
		CreatedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().UTC(),
	}
	require.NoError(t, c.Put(ctx, sess, time.Minute))

	got, hit, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "alice", got.Principal)
	assert.Equal(t, domain.AutonomyAssisted, got.Autonomy)

	require.NoError(t, c.Delete(ctx, "s1"))
	_, hit, err = c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestBadgerEntriesExpire(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	require.NoError(t, c.Put(ctx, domain.Session{ID: "s1", Status: domain.SessionActive}, time.Second))
	_, hit, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, hit)

	// badger TTLs have one second resolution.
	require.Eventually(t, func() bool {
		_, hit, err := c.Get(ctx, "s1")
		return err == nil && !hit
	}, 5*time.Second, 100*time.Millisecond)
}

func TestNopNeverHits(t *testing.T) {
	var c Cache = Nop{}
	require.NoError(t, c.Put(context.Background(), domain.Session{ID: "s1"}, time.Minute))
	_, hit, err := c.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, hit)
}
