package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(New())
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.MatchingInterval)
	assert.Equal(t, 10*time.Second, cfg.RelaxationInterval)
	assert.Equal(t, 30*time.Second, cfg.MatchTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "MATCH_EVENTS", cfg.EventStream)
	assert.False(t, cfg.SweepLockEnabled)
	assert.Empty(t, cfg.RoomAllocatorURL)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(KeyMatchingInterval, "500")
	t.Setenv(KeyRelaxationInterval, "2000")
	t.Setenv(KeyMatchTimeout, "7000")
	t.Setenv(KeySweepLockEnabled, "true")
	t.Setenv(KeyRedisAddr, "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.MatchingInterval)
	assert.Equal(t, 2*time.Second, cfg.RelaxationInterval)
	assert.Equal(t, 7*time.Second, cfg.MatchTimeout)
	assert.True(t, cfg.SweepLockEnabled)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestValidateRejectsNonPositiveDurations(t *testing.T) {
	cases := []struct {
		key   string
		value int
	}{
		{KeyMatchingInterval, 0},
		{KeyRelaxationInterval, -1},
		{KeyMatchTimeout, 0},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			v := New()
			v.Set(tc.key, tc.value)
			_, err := FromViper(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestValidateRequiresRedis(t *testing.T) {
	v := New()
	v.Set(KeyRedisAddr, "")
	_, err := FromViper(v)
	assert.Error(t, err)
}
