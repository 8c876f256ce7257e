// Package opman owns the supervisor's operation mode and the inbound
// control plane: per-device register commands, mode switches, the
// auto-mode lifecycle, threshold updates and the periodic site status.
package opman

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pms-go/device"
	"pms-go/metrics"
	"pms-go/mqtt"
	"pms-go/services/automode"
	"pms-go/services/recovery"
	"pms-go/types"
	"pms-go/x/strx"
	"pms-go/x/timex"
)

const defaultStatusInterval = 30 * time.Second

// Bus is the slice of the MQTT transport the control plane uses.
type Bus interface {
	Subscribe(filter string, qos byte, h mqtt.HandlerFunc) error
	Publish(topic string, payload any) error
}

// Persister records mode and threshold changes across restarts. A nil
// Persister disables persistence.
type Persister interface {
	SaveState(mode types.OperationMode, st types.AutoModeStatus) error
}

// Options carries the optional collaborators. Monitor and Watchdog run
// on Start when present; the watchdog is wired only on sites with both
// a BMS and a PCS.
type Options struct {
	Location       string
	AutoEnabled    bool
	InitialMode    types.OperationMode
	StatusInterval time.Duration
	Monitor        *automode.SOCMonitor
	Watchdog       *recovery.Watchdog
	Store          Persister
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Manager is the operation manager. All handlers run off the broker
// I/O goroutine and may block on device writes.
type Manager struct {
	bus     Bus
	topics  mqtt.Topics
	reg     *device.Registry
	machine *automode.Machine
	router  *Router
	monitor *automode.SOCMonitor
	watch   *recovery.Watchdog
	store   Persister
	met     *metrics.Metrics
	log     *zap.Logger

	location    string
	autoEnabled bool
	statusEvery time.Duration

	mu   sync.Mutex
	mode types.OperationMode
}

func New(bus Bus, topics mqtt.Topics, reg *device.Registry, machine *automode.Machine, o Options) *Manager {
	met := o.Metrics
	if met == nil {
		met = metrics.Nop()
	}
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mode := o.InitialMode
	if !mode.Valid() {
		mode = types.ModeBasic
	}
	every := o.StatusInterval
	if every <= 0 {
		every = defaultStatusInterval
	}
	m := &Manager{
		bus:         bus,
		topics:      topics,
		reg:         reg,
		machine:     machine,
		monitor:     o.Monitor,
		watch:       o.Watchdog,
		store:       o.Store,
		met:         met,
		log:         log.Named("opman"),
		location:    strx.Coalesce(o.Location, "default"),
		autoEnabled: o.AutoEnabled,
		statusEvery: every,
		mode:        mode,
	}
	m.router = NewRouter(reg, bus, topics, met, log)
	return m
}

// Start registers the control subscriptions and launches the periodic
// status publisher, the SOC monitor and the recovery watchdog. It
// returns on the first failed subscription.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.subscribe(); err != nil {
		return err
	}
	go m.statusLoop(ctx)
	if m.monitor != nil {
		go m.monitor.Run(ctx)
	}
	if m.watch != nil {
		go m.watch.Run(ctx)
	}
	m.log.Info("operation manager started",
		zap.String("mode", string(m.Mode())),
		zap.String("location", m.location),
		zap.Bool("auto_enabled", m.autoEnabled))
	return nil
}

func (m *Manager) subscribe() error {
	subs := []struct {
		filter string
		h      mqtt.HandlerFunc
	}{
		{m.topics.CommandFilter(), m.router.Handle},
		{m.topics.Control(m.location, "operation_mode"), m.onOperationMode},
		{m.topics.Control(m.location, "auto_mode/start"), m.onAutoStart},
		{m.topics.Control(m.location, "auto_mode/stop"), m.onAutoStop},
		{m.topics.Control(m.location, "auto_mode/status"), m.onAutoStatus},
		{m.topics.Control(m.location, "threshold_config"), m.onThresholds},
		{m.topics.Control(m.location, "basic_mode"), m.onBasicMode},
	}
	for _, s := range subs {
		if err := m.bus.Subscribe(s.filter, 1, s.h); err != nil {
			return err
		}
	}
	return nil
}

// Mode returns the current operation mode.
func (m *Manager) Mode() types.OperationMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// setMode commits a mode change. Leaving auto always stops the state
// machine, forcibly if it will not wind down.
func (m *Manager) setMode(next types.OperationMode) types.OperationMode {
	m.mu.Lock()
	prev := m.mode
	m.mode = next
	m.mu.Unlock()

	if prev == types.ModeAuto && next != types.ModeAuto {
		m.machine.ForceStop()
	}
	return prev
}

// Router exposes the device command router, mainly for tests.
func (m *Manager) Router() *Router { return m.router }

func (m *Manager) onOperationMode(msg *mqtt.Inbound) {
	const verb = "operation_mode"
	var req types.ModeRequest
	if err := json.Unmarshal(msg.Raw, &req); err != nil {
		m.respond(verb, types.ModeResponse{Success: false, Message: "invalid JSON payload"})
		m.count(verb, false)
		return
	}
	if !m.locationOK(req.Location) {
		return
	}
	if !req.Mode.Valid() {
		m.respond(verb, types.ModeResponse{
			Success: false,
			Message: fmt.Sprintf("unknown mode %q; must be basic or auto", req.Mode),
			Mode:    m.Mode(),
		})
		m.count(verb, false)
		return
	}

	prev := m.setMode(req.Mode)
	m.persist()
	m.log.Info("operation mode set",
		zap.String("from", string(prev)), zap.String("to", string(req.Mode)))
	m.respond(verb, types.ModeResponse{
		Success: true,
		Message: "operation mode " + string(req.Mode),
		Mode:    req.Mode,
	})
	m.count(verb, true)
	m.publishStatus()
}

func (m *Manager) onAutoStart(msg *mqtt.Inbound) {
	const verb = "auto_mode/start"
	var req types.AutoModeRequest
	if err := json.Unmarshal(msg.Raw, &req); err != nil {
		m.respond(verb, types.ModeResponse{Success: false, Message: "invalid JSON payload"})
		m.count(verb, false)
		return
	}
	if !m.locationOK(req.Location) {
		return
	}
	if !m.autoEnabled {
		m.respond(verb, types.ModeResponse{
			Success: false,
			Message: "auto mode is disabled by configuration",
			Mode:    m.Mode(),
		})
		m.count(verb, false)
		return
	}

	m.setMode(types.ModeAuto)
	err := m.machine.StartAutoMode()
	st := m.machine.Status()
	if err != nil {
		m.respond(verb, types.ModeResponse{
			Success: false, Message: err.Error(), Mode: types.ModeAuto, AutoMode: &st,
		})
		m.count(verb, false)
		return
	}
	m.persist()
	m.respond(verb, types.ModeResponse{
		Success: true, Message: "auto mode started", Mode: types.ModeAuto, AutoMode: &st,
	})
	m.count(verb, true)
	m.publishStatus()
}

func (m *Manager) onAutoStop(msg *mqtt.Inbound) {
	const verb = "auto_mode/stop"
	var req types.AutoModeRequest
	if err := json.Unmarshal(msg.Raw, &req); err != nil {
		m.respond(verb, types.ModeResponse{Success: false, Message: "invalid JSON payload"})
		m.count(verb, false)
		return
	}
	if !m.locationOK(req.Location) {
		return
	}

	err := m.machine.StopAutoMode()
	st := m.machine.Status()
	if err != nil {
		m.respond(verb, types.ModeResponse{
			Success: false, Message: err.Error(), Mode: m.Mode(), AutoMode: &st,
		})
		m.count(verb, false)
		return
	}
	m.persist()
	m.respond(verb, types.ModeResponse{
		Success: true, Message: "auto mode stopped", Mode: m.Mode(), AutoMode: &st,
	})
	m.count(verb, true)
	m.publishStatus()
}

func (m *Manager) onAutoStatus(msg *mqtt.Inbound) {
	const verb = "auto_mode/status"
	var req types.AutoModeRequest
	if err := json.Unmarshal(msg.Raw, &req); err == nil && !m.locationOK(req.Location) {
		return
	}
	st := m.machine.Status()
	m.respond(verb, types.ModeResponse{
		Success: true, Message: st.CurrentState, Mode: m.Mode(), AutoMode: &st,
	})
	m.count(verb, true)
}

func (m *Manager) onThresholds(msg *mqtt.Inbound) {
	const verb = "threshold_config"
	var req types.ThresholdRequest
	if err := json.Unmarshal(msg.Raw, &req); err != nil {
		m.respond(verb, types.ModeResponse{Success: false, Message: "invalid JSON payload"})
		m.count(verb, false)
		return
	}
	if !m.locationOK(req.Location) {
		return
	}

	cfg, err := m.machine.UpdateThresholds(req)
	if err != nil {
		m.respond(verb, types.ModeResponse{Success: false, Message: err.Error(), Mode: m.Mode()})
		m.count(verb, false)
		return
	}
	m.persist()
	m.publishThresholds(cfg)
	m.respond(verb, types.ModeResponse{Success: true, Message: "thresholds updated", Mode: m.Mode()})
	m.count(verb, true)
}

func (m *Manager) onBasicMode(msg *mqtt.Inbound) {
	const verb = "basic_mode"
	var req types.BasicModeRequest
	if err := json.Unmarshal(msg.Raw, &req); err != nil {
		m.respond(verb, types.ModeResponse{Success: false, Message: "invalid JSON payload"})
		m.count(verb, false)
		return
	}
	if !m.locationOK(req.Location) {
		return
	}

	if req.DeviceName == "" {
		m.respond(verb, types.ModeResponse{Success: false, Message: "missing device_name", Mode: m.Mode()})
		m.count(verb, false)
		return
	}

	resp := types.CommandResponse{RequestID: req.GUIRequestID}
	switch {
	case m.Mode() != types.ModeBasic:
		resp.Message = "basic mode commands are only honoured in basic mode"
	default:
		h, ok := m.reg.Get(req.DeviceName)
		if !ok {
			resp.Message = "unknown device " + req.DeviceName
			break
		}
		if err := h.HandleControlMessage(req.Command, req.Params); err != nil {
			resp.Message = err.Error()
			break
		}
		resp.Success = true
		resp.Message = "executed " + req.Command
	}

	m.router.respond(req.DeviceName, resp)
	m.count(verb, resp.Success)
}

// locationOK applies the site filter: a mismatching location is
// another site's traffic, a missing one is accepted for older
// publishers.
func (m *Manager) locationOK(loc string) bool {
	if loc == "" || loc == m.location {
		return true
	}
	m.log.Debug("message for another site ignored", zap.String("location", loc))
	return false
}

func (m *Manager) statusLoop(ctx context.Context) {
	m.publishStatus()
	m.publishThresholds(m.machine.Config())

	t := time.NewTicker(m.statusEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.publishStatus()
			m.publishThresholds(m.machine.Config())
		}
	}
}

func (m *Manager) publishStatus() {
	mode := m.Mode()
	payload := types.Status{
		CurrentMode: mode,
		ManualMode:  mode == types.ModeBasic,
		AutoMode:    m.machine.Status(),
		Location:    m.location,
		Timestamp:   timex.NowISO(),
	}
	if m.watch != nil {
		payload.RecoveryCount = m.watch.Count()
		if at := m.watch.LastAttempt(); !at.IsZero() {
			payload.LastRecovery = timex.ISO(at)
		}
	}
	if err := m.bus.Publish(m.topics.StatusFor(m.location, "operation_mode"), payload); err != nil {
		m.log.Debug("status not queued", zap.Error(err))
	}
}

func (m *Manager) publishThresholds(cfg types.AutoModeConfig) {
	if err := m.bus.Publish(m.topics.StatusFor(m.location, "threshold_config"), cfg); err != nil {
		m.log.Debug("threshold status not queued", zap.Error(err))
	}
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveState(m.Mode(), m.machine.Status()); err != nil {
		m.log.Warn("state not persisted", zap.Error(err))
	}
}

func (m *Manager) respond(verb string, resp types.ModeResponse) {
	resp.Timestamp = timex.NowISO()
	resp.Location = m.location
	if err := m.bus.Publish(m.topics.StatusResponse(m.location, verb), resp); err != nil {
		m.log.Warn("response not queued", zap.String("verb", verb), zap.Error(err))
	}
}

func (m *Manager) count(kind string, ok bool) {
	outcome := metrics.OutcomeOK
	if !ok {
		outcome = metrics.OutcomeError
	}
	m.met.CommandsTotal.WithLabelValues(kind, outcome).Inc()
}
