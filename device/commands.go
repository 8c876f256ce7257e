package device

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"pms-go/errcode"
	"pms-go/types"
)

// ExecuteToken is the vendor's "execute command" value. Control
// registers trigger on receiving it; it is not a bit field.
const ExecuteToken = 85

// bmsErrorResetMagic is the documented unlock value for the BMS error
// reset register.
const bmsErrorResetMagic = 0x0050

// verb is one named high-level command. Implemented as data plus a
// thin closure rather than per-type handler types; the differences
// between the device kinds are tables, not behaviour.
type verb func(h *Handler, params map[string]any) error

var verbTables = map[types.DeviceType]map[string]verb{
	types.DeviceBMS: {
		"dc_contactor": func(h *Handler, p map[string]any) error {
			state, err := paramString(p, "state")
			if err != nil {
				return err
			}
			switch strings.ToLower(state) {
			case "on", "close", "closed", "1":
				return h.WriteRegister("dc_contactor_control", 1)
			case "off", "open", "0":
				return h.WriteRegister("dc_contactor_control", 0)
			default:
				return &errcode.E{C: errcode.InvalidParams, Op: "dc_contactor", Msg: "state must be on or off"}
			}
		},
		"reset_errors": func(h *Handler, _ map[string]any) error {
			return h.WriteRegister("error_reset_command", bmsErrorResetMagic)
		},
		"reset_system_lock": func(h *Handler, _ map[string]any) error {
			return h.WriteRegister("system_lock_reset", 1)
		},
	},

	types.DeviceDCDC: {
		"set_operation_mode": modeVerb(map[string]string{
			"stop":        "stop_command",
			"standby":     "ready_standby_command",
			"charge":      "charge_command",
			"discharge":   "discharge_command",
			"independent": "independent_command",
			"solar":       "solar_command",
		}),
		"set_current_reference": setpointVerb("current_reference"),
		"set_voltage_reference": setpointVerb("voltage_reference"),
		"reset_faults": func(h *Handler, _ map[string]any) error {
			return h.WriteRegister("reset_command", ExecuteToken)
		},
	},

	types.DevicePCS: {
		"set_operation_mode": modeVerb(map[string]string{
			"stop":        "pcs_stop",
			"standby":     "pcs_standby_start",
			"charge":      "pcs_charge_start",
			"discharge":   "inv_start_mode",
			"independent": "independent_mode_command",
		}),
		"set_power_reference": setpointVerb("battery_charge_power"),
		"reset_faults": func(h *Handler, _ map[string]any) error {
			return h.WriteRegister("fault_reset_command", ExecuteToken)
		},
	},
}

// modeVerb maps a mode name onto its execute-token register.
func modeVerb(modes map[string]string) verb {
	return func(h *Handler, p map[string]any) error {
		mode, err := paramString(p, "mode")
		if err != nil {
			return err
		}
		reg, ok := modes[strings.ToLower(mode)]
		if !ok {
			return &errcode.E{C: errcode.InvalidParams, Op: "set_operation_mode", Msg: "unknown mode " + mode}
		}
		return h.WriteRegister(reg, ExecuteToken)
	}
}

// setpointVerb writes an engineering-unit value, converting through
// the register's scale.
func setpointVerb(register string) verb {
	return func(h *Handler, p map[string]any) error {
		val, err := paramFloat(p, "value")
		if err != nil {
			return err
		}
		spec, ok := h.regs.Lookup(register)
		if !ok {
			return &errcode.E{C: errcode.UnknownRegister, Op: "setpoint", Msg: register}
		}
		raw := int(math.Round(val / spec.Scale))
		return h.WriteRegister(register, raw)
	}
}

// HandleControlMessage dispatches a named command through the device
// type's verb table.
func (h *Handler) HandleControlMessage(command string, params map[string]any) error {
	table := verbTables[h.dtype]
	v, ok := table[command]
	if !ok {
		return &errcode.E{
			C:   errcode.UnknownCommand,
			Op:  string(h.dtype),
			Msg: fmt.Sprintf("%s; supported: %s", command, strings.Join(Commands(h.dtype), ", ")),
		}
	}
	return v(h, params)
}

// Commands lists the verbs a device type accepts, sorted for stable
// error messages.
func Commands(dt types.DeviceType) []string {
	table := verbTables[dt]
	out := make([]string, 0, len(table))
	for name := range table {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func paramString(p map[string]any, key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", &errcode.E{C: errcode.InvalidParams, Msg: "missing param " + key}
	}
	s, ok := v.(string)
	if !ok {
		return "", &errcode.E{C: errcode.InvalidParams, Msg: "param " + key + " must be a string"}
	}
	return s, nil
}

func paramFloat(p map[string]any, key string) (float64, error) {
	v, ok := p[key]
	if !ok {
		return 0, &errcode.E{C: errcode.InvalidParams, Msg: "missing param " + key}
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, &errcode.E{C: errcode.InvalidParams, Msg: fmt.Sprintf("param %s: %q is not numeric", key, n)}
		}
		return f, nil
	default:
		return 0, &errcode.E{C: errcode.InvalidParams, Msg: "param " + key + " must be numeric"}
	}
}
