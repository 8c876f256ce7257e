// Package device implements the Modbus side of the supervisor: one
// Handler per configured device owning an exclusive TCP connection,
// the raw→engineering-unit processor, and the per-type control verbs.
package device

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"

	"pms-go/config"
	"pms-go/errcode"
	"pms-go/regmap"
	"pms-go/types"
)

// Handler owns the Modbus/TCP connection to one device. All Modbus
// operations serialise on its mutex; the lock never spans devices.
type Handler struct {
	name    string
	dtype   types.DeviceType
	ip      string
	addr    string
	slaveID byte
	timeout time.Duration

	regs *regmap.Map
	log  *zap.Logger

	mu        sync.Mutex
	transport *modbus.TCPClientHandler
	client    modbus.Client
	connected bool
	lastGood  time.Time
	lastErr   error
}

// New builds a Handler for one configured device. The connection is
// lazy; nothing is dialled here.
func New(spec config.DeviceSpec, regs *regmap.Map, timeout time.Duration, log *zap.Logger) *Handler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		name:    spec.Name,
		dtype:   spec.Type,
		ip:      spec.IP,
		addr:    fmt.Sprintf("%s:%d", spec.IP, spec.Port),
		slaveID: byte(spec.SlaveID),
		timeout: timeout,
		regs:    regs,
		log:     log.With(zap.String("device", spec.Name), zap.String("addr", fmt.Sprintf("%s:%d", spec.IP, spec.Port))),
	}
}

func (h *Handler) Name() string           { return h.name }
func (h *Handler) Type() types.DeviceType { return h.dtype }
func (h *Handler) IP() string             { return h.ip }
func (h *Handler) Map() *regmap.Map       { return h.regs }

// Connected reports whether the TCP connection is currently up.
func (h *Handler) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// LastGood is the time of the last successful full read.
func (h *Handler) LastGood() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastGood
}

// EnsureConnected idempotently opens the TCP connection.
func (h *Handler) EnsureConnected() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensureLocked()
}

func (h *Handler) ensureLocked() error {
	if h.connected && h.client != nil {
		return nil
	}
	t := modbus.NewTCPClientHandler(h.addr)
	t.Timeout = h.timeout
	t.SlaveId = h.slaveID
	if err := t.Connect(); err != nil {
		h.lastErr = err
		return &errcode.E{C: errcode.NotConnected, Op: "connect", Msg: h.addr, Err: err}
	}
	h.transport = t
	h.client = modbus.NewClient(t)
	h.connected = true
	h.log.Debug("connected")
	return nil
}

func (h *Handler) teardownLocked(err error) {
	if h.transport != nil {
		_ = h.transport.Close()
	}
	h.transport = nil
	h.client = nil
	h.connected = false
	h.lastErr = err
	h.log.Debug("connection dropped", zap.Error(err))
}

// Close drops the connection. The Handler stays usable; the next
// operation redials.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardownLocked(nil)
}

// ReadData sweeps every readable register and returns a raw Reading.
// The sweep is best-effort per register: a Modbus exception response
// skips that register; a transport error tears the connection down and
// fails the whole read. Processed is left nil for the caller to fill.
func (h *Handler) ReadData(ctx context.Context) (*types.Reading, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureLocked(); err != nil {
		return nil, err
	}

	raw := make(map[string]int64)
	skipped := 0
	for _, spec := range h.regs.Readable() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := h.readLocked(spec)
		if err != nil {
			if isException(err) {
				skipped++
				h.log.Debug("register skipped", zap.String("register", spec.Name), zap.Error(err))
				continue
			}
			h.teardownLocked(err)
			return nil, &errcode.E{C: transientCode(err), Op: "read", Msg: spec.Name, Err: err}
		}
		v, err := spec.DecodeBytes(b)
		if err != nil {
			skipped++
			h.log.Debug("register skipped", zap.String("register", spec.Name), zap.Error(err))
			continue
		}
		raw[spec.Name] = v
	}

	if len(raw) == 0 {
		err := &errcode.E{C: errcode.Error, Op: "read", Msg: "no registers readable"}
		h.teardownLocked(err)
		return nil, err
	}
	if skipped > 0 {
		h.log.Debug("partial sweep", zap.Int("skipped", skipped), zap.Int("read", len(raw)))
	}

	now := time.Now()
	h.lastGood = now
	return &types.Reading{
		DeviceName: h.name,
		DeviceType: h.dtype,
		IP:         h.ip,
		Timestamp:  now,
		Raw:        raw,
	}, nil
}

func (h *Handler) readLocked(spec *regmap.Spec) ([]byte, error) {
	switch spec.FunctionCode {
	case regmap.FuncReadHolding:
		return h.client.ReadHoldingRegisters(spec.Address, spec.Count)
	case regmap.FuncReadInput:
		return h.client.ReadInputRegisters(spec.Address, spec.Count)
	default:
		return nil, &errcode.E{C: errcode.Error, Op: "read", Msg: "not a readable register: " + spec.Name}
	}
}

// WriteRegister writes one 16-bit value to a named register. Unknown
// names and non-writable registers fail without touching the
// connection; Modbus errors drop it.
func (h *Handler) WriteRegister(name string, value int) error {
	spec, ok := h.regs.Lookup(name)
	if !ok {
		return &errcode.E{C: errcode.UnknownRegister, Op: "write", Msg: name}
	}
	if !spec.Writable() {
		return &errcode.E{C: errcode.ReadOnly, Op: "write", Msg: name}
	}
	if value < 0 || value > 0xFFFF {
		return &errcode.E{C: errcode.InvalidParams, Op: "write", Msg: fmt.Sprintf("%s: value %d out of uint16 range", name, value)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureLocked(); err != nil {
		return err
	}
	if _, err := h.client.WriteSingleRegister(spec.Address, uint16(value)); err != nil {
		if !isException(err) {
			h.teardownLocked(err)
		}
		return &errcode.E{C: transientCode(err), Op: "write", Msg: name, Err: err}
	}
	h.log.Info("register written", zap.String("register", name), zap.Int("value", value))
	return nil
}

// ReadRegister reads one named register on demand, outside the poll
// sweep. Used by the command router's read_register action and the
// recovery watchdog's live fault check.
func (h *Handler) ReadRegister(name string) (int64, error) {
	spec, ok := h.regs.Lookup(name)
	if !ok {
		return 0, &errcode.E{C: errcode.UnknownRegister, Op: "read", Msg: name}
	}
	if !spec.Readable() {
		return 0, &errcode.E{C: errcode.ReadOnly, Op: "read", Msg: name + ": not readable"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureLocked(); err != nil {
		return 0, err
	}
	b, err := h.readLocked(spec)
	if err != nil {
		if !isException(err) {
			h.teardownLocked(err)
		}
		return 0, &errcode.E{C: transientCode(err), Op: "read", Msg: name, Err: err}
	}
	return spec.DecodeBytes(b)
}

// isException reports whether the device itself answered with a Modbus
// exception (illegal address, illegal value, ...). Those are
// per-register conditions; the connection is still good.
func isException(err error) bool {
	_, ok := err.(*modbus.ModbusError)
	return ok
}

func transientCode(err error) errcode.Code {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errcode.Timeout
	}
	return errcode.Error
}
