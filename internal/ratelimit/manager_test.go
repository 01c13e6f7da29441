package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinkholed/sinkholed/internal/config"
)

func TestNewDisabledReturnsNilManager(t *testing.T) {
	mgr := New(&config.RateLimit{Enabled: false}, nil)
	assert.Nil(t, mgr)
	assert.True(t, mgr.Allow("192.168.1.1"))
}

func TestAllowEnforcesPerClientBurst(t *testing.T) {
	mgr := New(&config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 1}, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	assert.True(t, mgr.Allow("192.168.1.1"), "first request within burst should be allowed")
	assert.False(t, mgr.Allow("192.168.1.1"), "second immediate request should be denied")
}

func TestAllowTracksClientsIndependently(t *testing.T) {
	mgr := New(&config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 1}, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	assert.True(t, mgr.Allow("10.0.0.1"))
	assert.True(t, mgr.Allow("10.0.0.2"), "a different client must have its own bucket")
}

func TestAllowHonorsCIDROverride(t *testing.T) {
	mgr := New(&config.RateLimit{
		Enabled:           true,
		RequestsPerSecond: 1,
		Burst:             1,
		Overrides: []config.RateLimitOverride{
			{CIDR: "10.0.0.0/8", RequestsPerSecond: 100, Burst: 100},
		},
	}, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	for i := 0; i < 10; i++ {
		assert.True(t, mgr.Allow("10.1.2.3"), "override subnet should get the wider burst")
	}
}

func TestCleanupEvictsIdleClients(t *testing.T) {
	mgr := New(&config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 1}, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	fakeNow := time.Now()
	mgr.now = func() time.Time { return fakeNow }

	mgr.Allow("192.168.1.1")
	mgr.mu.Lock()
	_, tracked := mgr.clients["192.168.1.1"]
	mgr.mu.Unlock()
	require.True(t, tracked)

	fakeNow = fakeNow.Add(10 * time.Minute)
	mgr.cleanup()

	mgr.mu.Lock()
	_, stillTracked := mgr.clients["192.168.1.1"]
	mgr.mu.Unlock()
	assert.False(t, stillTracked, "idle client should be evicted after cleanupInterval")
}

func TestCloseIsIdempotent(t *testing.T) {
	mgr := New(&config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 1}, nil)
	require.NotNil(t, mgr)
	assert.NotPanics(t, func() {
		mgr.Close()
		mgr.Close()
	})
}
