// Package recovery watches the BMS fault word for the communication
// error bit and, when it appears, walks the plant through the vendor's
// reset script. The check reads the device live so a recovery is never
// driven off a stale cache entry.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pms-go/metrics"
)

// commErrorBit is bit 3 of error_code_2: BMS communication error.
const commErrorBit = 1 << 3

const (
	defaultWarmup    = 10 * time.Second
	defaultPeriod    = 30 * time.Second
	defaultStabilize = 60 * time.Second
)

// Device is the control surface the watchdog needs from a handler.
type Device interface {
	Name() string
	ReadRegister(name string) (int64, error)
	HandleControlMessage(command string, params map[string]any) error
}

// Watchdog periodically inspects the BMS and runs the recovery script
// when the communication error bit is set. Both devices are required;
// sites without a PCS simply never start the watchdog.
type Watchdog struct {
	bms Device
	pcs Device
	met *metrics.Metrics
	log *zap.Logger

	// timing, shortened by tests; waits inside the script are
	// multiples of unit
	warmup    time.Duration
	period    time.Duration
	unit      time.Duration
	stabilize time.Duration

	mu             sync.Mutex
	inProgress     bool
	count          int
	lastAttempt    time.Time
	stabilizeUntil time.Time
}

func New(bms, pcs Device, met *metrics.Metrics, log *zap.Logger) *Watchdog {
	if met == nil {
		met = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{
		bms:       bms,
		pcs:       pcs,
		met:       met,
		log:       log.Named("recovery"),
		warmup:    defaultWarmup,
		period:    defaultPeriod,
		unit:      time.Second,
		stabilize: defaultStabilize,
	}
}

// Run blocks until ctx is cancelled. The first check happens after the
// warm-up so the pollers have a chance to bring connections up first.
func (w *Watchdog) Run(ctx context.Context) {
	if !sleepCtx(ctx, w.warmup) {
		return
	}
	w.check(ctx)

	t := time.NewTicker(w.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.check(ctx)
		}
	}
}

// Count reports completed recoveries.
func (w *Watchdog) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// LastAttempt is the start time of the most recent script, zero if
// none has run.
func (w *Watchdog) LastAttempt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAttempt
}

// InProgress reports whether a script is currently running.
func (w *Watchdog) InProgress() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inProgress
}

// check reads the fault word and runs the script when the bit is set.
// Checks are suppressed while a script runs and through the
// stabilisation window after a successful one.
func (w *Watchdog) check(ctx context.Context) {
	w.mu.Lock()
	busy := w.inProgress || time.Now().Before(w.stabilizeUntil)
	w.mu.Unlock()
	if busy {
		return
	}

	v, err := w.bms.ReadRegister("error_code_2")
	if err != nil {
		// an unreachable BMS is the poller's problem to report
		w.log.Debug("fault word read failed", zap.Error(err))
		return
	}
	if v&commErrorBit == 0 {
		return
	}

	w.mu.Lock()
	w.inProgress = true
	w.lastAttempt = time.Now()
	w.mu.Unlock()

	w.log.Warn("bms communication error bit set, starting recovery",
		zap.Int64("error_code_2", v))
	err = w.runScript(ctx)

	w.mu.Lock()
	w.inProgress = false
	if err == nil {
		w.count++
		w.stabilizeUntil = time.Now().Add(w.stabilize)
	}
	count := w.count
	w.mu.Unlock()

	if err != nil {
		w.log.Error("recovery aborted", zap.Error(err))
		return
	}
	w.met.Recoveries.Inc()
	w.log.Info("recovery complete", zap.Int("total", count))
}

// runScript is the vendor's reset sequence. A failed step aborts the
// script; the next periodic check starts over.
func (w *Watchdog) runScript(ctx context.Context) error {
	steps := []struct {
		dev     Device
		command string
		params  map[string]any
		wait    time.Duration
	}{
		{w.bms, "reset_errors", nil, 2 * w.unit},
		{w.bms, "dc_contactor", map[string]any{"state": "on"}, 3 * w.unit},
		{w.pcs, "reset_faults", nil, 2 * w.unit},
		{w.pcs, "set_operation_mode", map[string]any{"mode": "independent"}, 0},
	}
	for _, s := range steps {
		if err := s.dev.HandleControlMessage(s.command, s.params); err != nil {
			return errors.Wrapf(err, "%s %s", s.dev.Name(), s.command)
		}
		if s.wait > 0 && !sleepCtx(ctx, s.wait) {
			return ctx.Err()
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
