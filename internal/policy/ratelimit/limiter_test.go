package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesSameHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 means one token every 100ms.
	l := New(Config{PerHostRPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://feeds.example.com/a.xml"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://FEEDS.example.com/b.xml"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 1, l.Hosts())
}

func TestLimiterDifferentHostsIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com/feed"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/feed"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 2, l.Hosts())
}

func TestLimiterContextCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com/feed"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example.com/feed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for range 50 {
		require.NoError(t, l.Wait(ctx, "https://example.com/feed"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", hostOf("https://Example.com:8443/feed"))
	assert.Equal(t, "unknown", hostOf("not a url"))
	assert.Equal(t, "unknown", hostOf("http://%"))
}
