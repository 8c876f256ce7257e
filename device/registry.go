package device

import (
	"sort"

	"pms-go/errcode"
	"pms-go/types"
)

// Registry holds every configured device handler by name. Built once
// at startup, read-only afterwards.
type Registry struct {
	byName map[string]*Handler
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Handler)}
}

// Add registers a handler. Duplicate names are a configuration error.
func (r *Registry) Add(h *Handler) error {
	if _, dup := r.byName[h.Name()]; dup {
		return &errcode.E{C: errcode.InvalidParams, Op: "registry", Msg: "duplicate device " + h.Name()}
	}
	r.byName[h.Name()] = h
	r.order = append(r.order, h.Name())
	sort.Strings(r.order)
	return nil
}

// Get finds a handler by device name.
func (r *Registry) Get(name string) (*Handler, bool) {
	h, ok := r.byName[name]
	return h, ok
}

// ByType returns every handler of one device type, in name order.
func (r *Registry) ByType(t types.DeviceType) []*Handler {
	var out []*Handler
	for _, name := range r.order {
		if h := r.byName[name]; h.Type() == t {
			out = append(out, h)
		}
	}
	return out
}

// First returns the first handler of a type; the auto-mode machine and
// the recovery watchdog drive single-instance BMS/DCDC/PCS sites.
func (r *Registry) First(t types.DeviceType) (*Handler, bool) {
	hs := r.ByType(t)
	if len(hs) == 0 {
		return nil, false
	}
	return hs[0], true
}

// All returns every handler in name order.
func (r *Registry) All() []*Handler {
	out := make([]*Handler, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names lists registered device names in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// CloseAll drops every connection, for shutdown.
func (r *Registry) CloseAll() {
	for _, h := range r.byName {
		h.Close()
	}
}
