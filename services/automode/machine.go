// Package automode is the SOC-driven state machine that sequences the
// PCS and DCDC through bring-up, high-SOC standby, low-SOC charging and
// shutdown. Transitions are serialised on one mutex; side effects run
// on the firing goroutine, outside the lock, so a Modbus write never
// blocks an observer.
package automode

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"pms-go/cache"
	"pms-go/device"
	"pms-go/errcode"
	"pms-go/metrics"
	"pms-go/types"
	"pms-go/x/mathx"
)

// State is one node of the machine.
type State string

const (
	StateIdle           State = "idle"
	StateInitializing   State = "initializing"
	StatePCSStandby     State = "pcs_standby"
	StatePCSInverter    State = "pcs_inverter"
	StateDCDCReset      State = "dcdc_reset"
	StateDCDCSolar      State = "dcdc_solar"
	StateNormal         State = "normal_operation"
	StateSOCHighWait    State = "soc_high_wait"
	StateSOCLowCharging State = "soc_low_charging"
	StateStopping       State = "stopping"
	StateError          State = "error"
)

// Event triggers a transition.
type Event string

const (
	EventStartAuto     Event = "start_auto"
	EventInitComplete  Event = "init_complete"
	EventTimer         Event = "timer"
	EventPCSReady      Event = "pcs_ready"
	EventDCDCReady     Event = "dcdc_ready"
	EventSOCHigh       Event = "soc_high"
	EventSOCLow        Event = "soc_low"
	EventSOCChargeStop Event = "soc_charge_stop"
	EventStopAuto      Event = "stop_auto"
	EventStopComplete  Event = "stop_complete"
	EventError         Event = "error"
	EventResetError    Event = "reset_error"
)

// transitions is the explicit part of the table; stop_auto and error
// are from-anywhere rules handled in target.
var transitions = map[State]map[Event]State{
	StateIdle:           {EventStartAuto: StateInitializing},
	StateInitializing:   {EventInitComplete: StatePCSStandby},
	StatePCSStandby:     {EventTimer: StatePCSInverter},
	StatePCSInverter:    {EventPCSReady: StateDCDCReset},
	StateDCDCReset:      {EventTimer: StateDCDCSolar},
	StateDCDCSolar:      {EventDCDCReady: StateNormal},
	StateNormal:         {EventSOCHigh: StateSOCHighWait, EventSOCLow: StateSOCLowCharging},
	StateSOCHighWait:    {EventTimer: StateNormal},
	StateSOCLowCharging: {EventSOCChargeStop: StateNormal},
	StateStopping:       {EventStopComplete: StateIdle, EventResetError: StateIdle},
	StateError:          {EventResetError: StateIdle},
}

func target(from State, ev Event) (State, bool) {
	switch ev {
	case EventStopAuto:
		if from == StateIdle || from == StateStopping || from == StateError {
			return "", false
		}
		return StateStopping, true
	case EventError:
		if from == StateIdle || from == StateStopping || from == StateError {
			return "", false
		}
		return StateError, true
	}
	next, ok := transitions[from][ev]
	return next, ok
}

// Writer is the register-write surface the machine needs from a device
// handler.
type Writer interface {
	WriteRegister(name string, value int) error
}

// Plant is the machine's view of the site. PCS is required; a nil DCDC
// skips the DCDC legs of every sequence; an empty BMS name disables
// SOC-driven transitions.
type Plant struct {
	BMSName  string
	PCS      Writer
	PCSName  string
	DCDC     Writer
	DCDCName string
}

// TransitionFunc observes one transition. Callbacks run under the
// transition lock and must not call back into the machine.
type TransitionFunc func(prev, next State, trigger Event)

// Machine is the auto-mode state machine.
type Machine struct {
	plant Plant
	cache *cache.Store
	met   *metrics.Metrics
	log   *zap.Logger

	// charge script timing, shortened by tests
	stepDelay  time.Duration
	chargePoll time.Duration

	root   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cfg          types.AutoModeConfig
	state        State
	since        time.Time
	timer        *time.Timer
	timerGen     uint64
	chargeCancel context.CancelFunc
	lastSOC      *float64
	callbacks    []TransitionFunc
}

func NewMachine(plant Plant, c *cache.Store, cfg types.AutoModeConfig, met *metrics.Metrics, log *zap.Logger) *Machine {
	if met == nil {
		met = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Machine{
		plant:      plant,
		cache:      c,
		met:        met,
		log:        log.Named("automode"),
		stepDelay:  5 * time.Second,
		chargePoll: 2 * time.Second,
		root:       root,
		cancel:     cancel,
		cfg:        cfg,
		state:      StateIdle,
		since:      time.Now(),
	}
}

// OnTransition registers an observer for every transition.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the active tunables.
func (m *Machine) Config() types.AutoModeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Status snapshots the machine for the periodic status payload.
func (m *Machine) Status() types.AutoModeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *float64
	if m.lastSOC != nil {
		v := *m.lastSOC
		last = &v
	}
	fresh := func(name string) bool { return name != "" && m.cache.IsFresh(name, 0) }
	return types.AutoModeStatus{
		Active:               m.state != StateIdle && m.state != StateError,
		CurrentState:         string(m.state),
		StateDurationSeconds: time.Since(m.since).Seconds(),
		Config:               m.cfg,
		LastSOC:              last,
		Devices: types.DeviceAvailability{
			BMSAvailable:  fresh(m.plant.BMSName),
			DCDCAvailable: fresh(m.plant.DCDCName),
			PCSAvailable:  fresh(m.plant.PCSName),
		},
	}
}

// StartAutoMode runs the bring-up sequence. The call returns once the
// machine is ticking on its first command timer; a machine parked in
// error or stopping is reset first, and an active one is rejected.
func (m *Machine) StartAutoMode() error {
	if st := m.State(); st == StateError || st == StateStopping {
		m.fire(EventResetError)
	}
	if !m.fire(EventStartAuto) {
		return &errcode.E{C: errcode.AlreadyRunning, Op: "auto_mode", Msg: string(m.State())}
	}
	if st := m.State(); st == StateError {
		return &errcode.E{C: errcode.Error, Op: "auto_mode", Msg: "bring-up failed"}
	}
	return nil
}

// StopAutoMode winds the machine down to idle. Stopping an idle
// machine is a success; a faulted one is reset to idle instead.
func (m *Machine) StopAutoMode() error {
	if m.State() == StateIdle {
		return nil
	}
	if !m.fire(EventStopAuto) {
		if m.fire(EventResetError) {
			return nil
		}
		return &errcode.E{C: errcode.NotRunning, Op: "auto_mode", Msg: string(m.State())}
	}
	if st := m.State(); st != StateIdle {
		return &errcode.E{C: errcode.Error, Op: "auto_mode", Msg: "stop incomplete: " + string(st)}
	}
	return nil
}

// ForceStop drives the machine to idle unconditionally, for mode
// switches and shutdown.
func (m *Machine) ForceStop() {
	if m.State() == StateIdle {
		return
	}
	if !m.fire(EventStopAuto) {
		m.fire(EventResetError)
	}
}

// Close cancels the charge script and any pending timer. The machine
// is not restartable afterwards.
func (m *Machine) Close() {
	m.cancel()
	m.mu.Lock()
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

// UpdateThresholds merges non-nil fields into the config. The result
// applies to subsequent transitions; in-flight timers keep the delay
// they were armed with.
func (m *Machine) UpdateThresholds(req types.ThresholdRequest) (types.AutoModeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg
	if req.SOCHighThreshold != nil {
		next.SOCHighThreshold = mathx.Clamp(*req.SOCHighThreshold, 0, 100)
	}
	if req.SOCLowThreshold != nil {
		next.SOCLowThreshold = mathx.Clamp(*req.SOCLowThreshold, 0, 100)
	}
	if req.SOCChargeStopThreshold != nil {
		next.SOCChargeStopThreshold = mathx.Clamp(*req.SOCChargeStopThreshold, 0, 100)
	}
	if req.DCDCStandbyTime != nil {
		next.DCDCStandbyTime = *req.DCDCStandbyTime
	}
	if req.CommandInterval != nil {
		next.CommandInterval = *req.CommandInterval
	}
	if req.ChargingPower != nil {
		next.ChargingPower = *req.ChargingPower
	}

	if !next.ThresholdsValid() {
		return m.cfg, &errcode.E{C: errcode.InvalidThresholds, Op: "auto_mode",
			Msg: "thresholds must satisfy low < charge_stop < high"}
	}
	if next.DCDCStandbyTime <= 0 || next.CommandInterval <= 0 || next.ChargingPower <= 0 {
		return m.cfg, &errcode.E{C: errcode.InvalidParams, Op: "auto_mode",
			Msg: "times and charging power must be positive"}
	}

	m.cfg = next
	m.log.Info("thresholds updated",
		zap.Float64("high", next.SOCHighThreshold),
		zap.Float64("charge_stop", next.SOCChargeStopThreshold),
		zap.Float64("low", next.SOCLowThreshold))
	return next, nil
}

// HandleSOC is the soc_update event from the monitor. The value is
// recorded in any state; it moves the machine only in normal
// operation. High SOC needs a DCDC to stand by, so sites without one
// never take that branch.
func (m *Machine) HandleSOC(soc float64) {
	m.mu.Lock()
	m.lastSOC = &soc
	st := m.state
	cfg := m.cfg
	m.mu.Unlock()

	if st != StateNormal {
		return
	}
	switch {
	case soc >= cfg.SOCHighThreshold && m.plant.DCDC != nil:
		m.fire(EventSOCHigh)
	case soc <= cfg.SOCLowThreshold:
		m.fire(EventSOCLow)
	}
}

// fire applies one event. It reports whether the event was accepted;
// rejected events are logged and otherwise ignored. Entry effects run
// after the lock is released and may fire follow-up events on the same
// goroutine, so a bring-up cascades to its first timer wait within one
// call.
func (m *Machine) fire(ev Event) bool {
	m.mu.Lock()
	next, ok := target(m.state, ev)
	if !ok {
		st := m.state
		m.mu.Unlock()
		m.log.Debug("event ignored", zap.String("state", string(st)), zap.String("event", string(ev)))
		return false
	}
	prev := m.state
	m.setStateLocked(next, ev)
	m.mu.Unlock()

	m.enter(prev, next, ev)
	return true
}

// setStateLocked commits a transition: the pending timer dies with the
// state that armed it, a charge script dies when its state is left,
// and callbacks observe (prev, next, trigger) in total order.
func (m *Machine) setStateLocked(next State, ev Event) {
	prev := m.state

	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.chargeCancel != nil && next != StateSOCLowCharging {
		m.chargeCancel()
		m.chargeCancel = nil
	}

	m.state = next
	m.since = time.Now()
	m.met.Transitions.WithLabelValues(string(prev), string(next), string(ev)).Inc()
	m.log.Info("transition",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("trigger", string(ev)))
	for _, cb := range m.callbacks {
		cb(prev, next, ev)
	}
}

// scheduleFor arms the single pending timer, unless the machine has
// already moved off the state the caller was entering.
func (m *Machine) scheduleFor(st State, d time.Duration, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != st {
		return
	}
	m.timerGen++
	gen := m.timerGen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		stale := gen != m.timerGen
		m.mu.Unlock()
		if stale {
			return
		}
		m.fire(ev)
	})
}

// enter runs the side effects of arriving in next. Write failures
// fault the machine; the stop path is best-effort instead, since a
// stop must always reach idle.
func (m *Machine) enter(_ State, next State, ev Event) {
	switch next {
	case StateInitializing:
		if m.plant.PCS == nil {
			m.log.Error("auto mode needs a PCS")
			m.fire(EventError)
			return
		}
		m.fire(EventInitComplete)

	case StatePCSStandby:
		if m.writeOrFault(m.plant.PCS, "pcs", "pcs_standby_start") {
			m.scheduleFor(StatePCSStandby, m.commandInterval(), EventTimer)
		}

	case StatePCSInverter:
		if m.writeOrFault(m.plant.PCS, "pcs", "inv_start_mode") {
			m.fire(EventPCSReady)
		}

	case StateDCDCReset:
		if m.plant.DCDC == nil {
			// no DCDC: fall straight through the DCDC leg
			m.fire(EventTimer)
			return
		}
		if m.writeOrFault(m.plant.DCDC, "dcdc", "reset_command") {
			m.scheduleFor(StateDCDCReset, m.commandInterval(), EventTimer)
		}

	case StateDCDCSolar:
		if m.plant.DCDC != nil && !m.writeOrFault(m.plant.DCDC, "dcdc", "solar_command") {
			return
		}
		m.fire(EventDCDCReady)

	case StateNormal:
		m.enterNormal(ev)

	case StateSOCHighWait:
		if m.writeOrFault(m.plant.DCDC, "dcdc", "ready_standby_command") {
			m.scheduleFor(StateSOCHighWait, m.standbyTime(), EventTimer)
		}

	case StateSOCLowCharging:
		m.startCharge()

	case StateStopping:
		m.fire(EventStopComplete)

	case StateIdle:
		if ev == EventStopComplete {
			m.parkDevices()
		}

	case StateError:
		m.log.Warn("machine faulted; waiting for reset or restart")
	}
}

func (m *Machine) enterNormal(ev Event) {
	switch ev {
	case EventDCDCReady:
		m.log.Info("bring-up complete")
	case EventTimer:
		// returning from high-SOC standby
		m.writeOrFault(m.plant.DCDC, "dcdc", "solar_command")
	case EventSOCChargeStop:
		// charge finished: power stage back to grid-tied inverter
		if m.writeOrFault(m.plant.PCS, "pcs", "pcs_stop") {
			m.writeOrFault(m.plant.PCS, "pcs", "inv_start_mode")
		}
	}
}

// startCharge launches the low-SOC charge script on its own goroutine.
// Leaving soc_low_charging for any reason cancels it.
func (m *Machine) startCharge() {
	m.mu.Lock()
	if m.state != StateSOCLowCharging {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	m.chargeCancel = cancel
	cfg := m.cfg
	m.mu.Unlock()

	go m.runCharge(ctx, cfg)
}

// runCharge is the charge script: stop the power stage, step it
// through standby into charge mode, set the power, then watch the
// cached SOC until the stop threshold. The threshold is re-read each
// poll so an operator can end a charge by lowering it.
func (m *Machine) runCharge(ctx context.Context, cfg types.AutoModeConfig) {
	if ctx.Err() != nil {
		return
	}
	steps := []string{"pcs_stop", "pcs_standby_start", "pcs_charge_start"}
	for i, reg := range steps {
		if !m.writeOrFault(m.plant.PCS, "pcs", reg) {
			return
		}
		if i < len(steps)-1 && !sleepCtx(ctx, m.stepDelay) {
			return
		}
	}

	raw := int(math.Round(cfg.ChargingPower * 10)) // register is 0.1 kW
	if err := m.plant.PCS.WriteRegister("battery_charge_power", raw); err != nil {
		m.log.Error("charge power write failed", zap.Error(err))
		m.fire(EventError)
		return
	}
	m.log.Info("charging", zap.Float64("power_kw", cfg.ChargingPower))

	for {
		if !sleepCtx(ctx, m.chargePoll) {
			return
		}
		soc, ok := m.cachedSOC()
		if !ok {
			continue
		}
		if soc >= m.chargeStopThreshold() {
			break
		}
	}
	m.fire(EventSOCChargeStop)
}

func (m *Machine) cachedSOC() (float64, bool) {
	if m.plant.BMSName == "" || !m.cache.IsFresh(m.plant.BMSName, 0) {
		return 0, false
	}
	return m.cache.Reading(m.plant.BMSName).Field("battery_soc")
}

func (m *Machine) chargeStopThreshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.SOCChargeStopThreshold
}

func (m *Machine) commandInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.cfg.CommandInterval) * time.Second
}

func (m *Machine) standbyTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.cfg.DCDCStandbyTime) * time.Second
}

// parkDevices hands the plant back to manual control on stop: PCS
// independent, DCDC solar tracking. Best-effort.
func (m *Machine) parkDevices() {
	if m.plant.PCS != nil {
		if err := m.plant.PCS.WriteRegister("independent_mode_command", device.ExecuteToken); err != nil {
			m.log.Warn("pcs independent write failed", zap.Error(err))
		}
	}
	if m.plant.DCDC != nil {
		if err := m.plant.DCDC.WriteRegister("solar_command", device.ExecuteToken); err != nil {
			m.log.Warn("dcdc solar write failed", zap.Error(err))
		}
	}
}

// writeOrFault writes one execute token; a failure faults the machine.
func (m *Machine) writeOrFault(w Writer, name, register string) bool {
	if w == nil {
		m.log.Error("sequence write to missing device", zap.String("device", name), zap.String("register", register))
		m.fire(EventError)
		return false
	}
	if err := w.WriteRegister(register, device.ExecuteToken); err != nil {
		m.log.Error("sequence write failed",
			zap.String("device", name), zap.String("register", register), zap.Error(err))
		m.fire(EventError)
		return false
	}
	return true
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
