package opman

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pms-go/device"
	"pms-go/metrics"
	"pms-go/mqtt"
	"pms-go/types"
	"pms-go/x/timex"
)

// Router consumes the per-device command topics and answers on the
// device's response topic. Site-level verbs belong to the Manager.
type Router struct {
	reg    *device.Registry
	bus    Bus
	topics mqtt.Topics
	met    *metrics.Metrics
	log    *zap.Logger

	// topic level carrying the device name under <base>/control/+/command
	nameLevel int
}

func NewRouter(reg *device.Registry, bus Bus, topics mqtt.Topics, met *metrics.Metrics, log *zap.Logger) *Router {
	if met == nil {
		met = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		reg:       reg,
		bus:       bus,
		topics:    topics,
		met:       met,
		log:       log.Named("router"),
		nameLevel: strings.Count(topics.CommandFilter(), "/") - 1,
	}
}

// Handle is the handler for <base>/control/+/command.
func (r *Router) Handle(msg *mqtt.Inbound) {
	name := mqtt.Level(msg.Topic, r.nameLevel)

	var req types.CommandRequest
	if err := json.Unmarshal(msg.Raw, &req); err != nil {
		r.log.Warn("undecodable command", zap.String("device", name), zap.Error(err))
		r.respond(name, fail("invalid JSON payload"))
		r.count("invalid", false)
		return
	}

	resp := r.execute(name, req)
	resp.RequestID = req.GUIRequestID
	r.respond(name, resp)
	r.count(kindOf(req.Action), resp.Success)
}

func (r *Router) execute(name string, req types.CommandRequest) types.CommandResponse {
	h, ok := r.reg.Get(name)
	if !ok {
		return fail("unknown device " + name)
	}
	switch req.Action {
	case "write_register":
		return r.writeRegister(h, req)
	case "read_register":
		return r.readRegister(h, req)
	default:
		return fail(fmt.Sprintf("unknown action %q; supported: write_register, read_register", req.Action))
	}
}

func (r *Router) writeRegister(h *device.Handler, req types.CommandRequest) types.CommandResponse {
	name, resp := r.resolve(h, req.Address.Int())
	if name == "" {
		return resp
	}
	if err := h.WriteRegister(name, req.Value.Int()); err != nil {
		r.log.Warn("write rejected",
			zap.String("device", h.Name()), zap.String("register", name), zap.Error(err))
		return fail(err.Error())
	}
	return types.CommandResponse{
		Success: true,
		Message: fmt.Sprintf("wrote %s (address %d) = %d", name, req.Address.Int(), req.Value.Int()),
	}
}

func (r *Router) readRegister(h *device.Handler, req types.CommandRequest) types.CommandResponse {
	name, resp := r.resolve(h, req.Address.Int())
	if name == "" {
		return resp
	}
	v, err := h.ReadRegister(name)
	if err != nil {
		return fail(err.Error())
	}
	return types.CommandResponse{
		Success: true,
		Value:   &v,
		Message: fmt.Sprintf("read %s (address %d)", name, req.Address.Int()),
	}
}

// resolve maps a wire address onto its register name. Commands address
// registers numerically; everything below speaks names.
func (r *Router) resolve(h *device.Handler, addr int) (string, types.CommandResponse) {
	if addr < 0 || addr > 0xFFFF {
		return "", fail(fmt.Sprintf("address %d out of range", addr))
	}
	name, ok := h.Map().FindByAddress(uint16(addr))
	if !ok {
		return "", fail(fmt.Sprintf("%s has no register at address %d", h.Name(), addr))
	}
	return name, types.CommandResponse{}
}

func (r *Router) respond(name string, resp types.CommandResponse) {
	resp.DeviceName = name
	resp.Timestamp = timex.NowISO()
	if err := r.bus.Publish(r.topics.Response(name), resp); err != nil {
		r.log.Warn("response not queued", zap.String("device", name), zap.Error(err))
	}
}

func (r *Router) count(kind string, ok bool) {
	outcome := metrics.OutcomeOK
	if !ok {
		outcome = metrics.OutcomeError
	}
	r.met.CommandsTotal.WithLabelValues(kind, outcome).Inc()
}

// kindOf keeps command metrics labels bounded; the action string comes
// off the wire.
func kindOf(action string) string {
	switch action {
	case "write_register", "read_register":
		return action
	}
	return "unknown"
}

func fail(msg string) types.CommandResponse {
	return types.CommandResponse{Success: false, Message: msg}
}
