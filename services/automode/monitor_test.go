package automode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pms-go/cache"
)

func newTestMonitor(t *testing.T) (*SOCMonitor, *Machine, *cache.Store) {
	t.Helper()
	m, _, store := newTestMachine(t, true)
	mon := NewSOCMonitor(m, store, "bms1", time.Second, nil, zap.NewNop())
	return mon, m, store
}

func lastSOC(m *Machine) *float64 {
	return m.Status().LastSOC
}

func TestMonitorFirstReadingAlwaysSent(t *testing.T) {
	mon, m, store := newTestMonitor(t)
	cacheSOC(store, 50)

	mon.tick()
	require.NotNil(t, lastSOC(m))
	assert.Equal(t, 50.0, *lastSOC(m))
}

func TestMonitorDeltaGate(t *testing.T) {
	mon, m, store := newTestMonitor(t)

	cacheSOC(store, 50)
	mon.tick()

	// A change of exactly 0.1 is not "more than 0.1".
	cacheSOC(store, 50.1)
	mon.tick()
	assert.Equal(t, 50.0, *lastSOC(m))

	cacheSOC(store, 50.25)
	mon.tick()
	assert.Equal(t, 50.25, *lastSOC(m))
}

func TestMonitorCountsMisses(t *testing.T) {
	mon, m, _ := newTestMonitor(t)

	for i := 0; i < 7; i++ {
		mon.tick()
	}
	assert.Equal(t, 7, mon.misses)
	assert.Nil(t, lastSOC(m))
}

func TestMonitorMissesResetOnReading(t *testing.T) {
	mon, _, store := newTestMonitor(t)

	mon.tick()
	mon.tick()
	require.Equal(t, 2, mon.misses)

	cacheSOC(store, 33)
	mon.tick()
	assert.Equal(t, 0, mon.misses)
}

func TestMonitorDrivesTransitions(t *testing.T) {
	mon, m, store := newTestMonitor(t)
	forceNormal(m)

	cacheSOC(store, 90) // above the 88% threshold
	mon.tick()
	assert.Equal(t, StateSOCHighWait, m.State())
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	mon, _, _ := newTestMonitor(t)
	mon.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { mon.Run(ctx); close(done) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
