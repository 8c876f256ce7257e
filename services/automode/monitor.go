package automode

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"pms-go/cache"
	"pms-go/metrics"
)

// socDelta is the minimum SOC change that counts as an update.
const socDelta = 0.1

// missWarnEvery is how many consecutive missing readings trigger a
// diagnostic.
const missWarnEvery = 5

// SOCMonitor feeds the cached battery SOC into the machine. It never
// touches the Modbus link; the poll pipeline owns that.
type SOCMonitor struct {
	machine  *Machine
	cache    *cache.Store
	bms      string
	interval time.Duration
	met      *metrics.Metrics
	log      *zap.Logger

	lastSent float64
	haveSent bool
	misses   int
}

func NewSOCMonitor(m *Machine, c *cache.Store, bmsName string, interval time.Duration, met *metrics.Metrics, log *zap.Logger) *SOCMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if met == nil {
		met = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SOCMonitor{
		machine:  m,
		cache:    c,
		bms:      bmsName,
		interval: interval,
		met:      met,
		log:      log.Named("soc"),
	}
}

// Run polls the cache until ctx is cancelled.
func (s *SOCMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick reads once. A stale or missing reading is counted, not fatal:
// the machine keeps its last SOC and the poll pipeline keeps retrying
// the device.
func (s *SOCMonitor) tick() {
	soc, ok := s.read()
	if !ok {
		s.misses++
		if s.misses%missWarnEvery == 0 {
			s.log.Warn("battery soc unavailable",
				zap.String("device", s.bms), zap.Int("consecutive_misses", s.misses))
		}
		return
	}
	s.misses = 0
	s.met.SOCPercent.Set(soc)

	if s.haveSent && math.Abs(soc-s.lastSent) <= socDelta {
		return
	}
	s.lastSent, s.haveSent = soc, true
	s.machine.HandleSOC(soc)
}

func (s *SOCMonitor) read() (float64, bool) {
	if s.bms == "" || !s.cache.IsFresh(s.bms, 0) {
		return 0, false
	}
	return s.cache.Reading(s.bms).Field("battery_soc")
}
