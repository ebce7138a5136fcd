package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/domain"
)

func TestMemoryStoreRedeliversOnPollInterval(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Driver = "memory"
	cfg.Store.PollInterval = 20 * time.Millisecond
	cfg.Session.PresenceTTL = 20 * time.Second

	presence, _, closeStore, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var deliveries atomic.Int32
	sub, err := presence.Subscribe(ctx, "standup", func(domain.PresenceSnapshot) { deliveries.Add(1) })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// no writes: only the poll ticker delivers after the first snapshot
	assert.Eventually(t, func() bool { return deliveries.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}
