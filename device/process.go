package device

import (
	"fmt"

	"pms-go/regmap"
	"pms-go/types"
)

// Process turns a raw register sweep into engineering-unit fields.
// Pure: no I/O, no clock, no shared state. Scale is applied here and
// only here; downstream consumers read processed values.
func Process(raw map[string]int64, m *regmap.Map, dt types.DeviceType) map[string]types.ProcessedField {
	out := make(map[string]types.ProcessedField, len(raw)+8)

	for name, v := range raw {
		spec, ok := m.Lookup(name)
		if !ok {
			continue
		}
		switch spec.Kind {
		case regmap.KindBitmask:
			out[name] = types.ProcessedField{
				Value:       v,
				Description: spec.Description,
				RawValue:    v,
				Kind:        types.KindBitmask,
				Bits:        spec.DecodeBits(v),
			}
		default:
			out[name] = types.ProcessedField{
				Value:       float64(v) * spec.Scale,
				Unit:        spec.Unit,
				Description: spec.Description,
				RawValue:    v,
				Kind:        types.KindValue,
			}
		}
	}

	switch dt {
	case types.DeviceBMS:
		deriveBMS(out, raw, m)
	case types.DeviceDCDC:
		deriveDCDC(out)
	case types.DevicePCS:
		derivePCS(out)
	}

	return out
}

func field(out map[string]types.ProcessedField, name string) (float64, bool) {
	f, ok := out[name]
	if !ok {
		return 0, false
	}
	return f.Float()
}

func derived(value any, unit, desc string) types.ProcessedField {
	return types.ProcessedField{Value: value, Unit: unit, Description: desc, Kind: types.KindDerived}
}

func deriveBMS(out map[string]types.ProcessedField, raw map[string]int64, m *regmap.Map) {
	if hi, ok := field(out, "max_cell_voltage"); ok {
		if lo, ok := field(out, "min_cell_voltage"); ok {
			out["cell_voltage_delta"] = derived(hi-lo, "mV", "Cell voltage spread")
		}
	}
	if hi, ok := field(out, "max_module_temp"); ok {
		if lo, ok := field(out, "min_module_temp"); ok {
			out["module_temp_delta"] = derived(hi-lo, "C", "Module temperature spread")
		}
	}
	if v, ok := field(out, "battery_voltage"); ok {
		if i, ok := field(out, "battery_current"); ok {
			out["battery_power"] = derived(v*i/1000, "kW", "Instantaneous battery power")
		}
	}
	if soc, ok := field(out, "battery_soc"); ok {
		out["soc_band"] = derived(socBand(soc), "", "SOC operating band")
	}
	if mode, ok := field(out, "operating_mode"); ok {
		out["operating_mode_text"] = derived(operatingModeText(int(mode)), "", "Pack operating mode")
	}

	// Alarm counter sums the active bits of every fault and warning
	// bitmask present in this sweep.
	count := 0
	counted := false
	for name, v := range raw {
		spec, ok := m.Lookup(name)
		if !ok || spec.Kind != regmap.KindBitmask {
			continue
		}
		if !alarmRegister(name) {
			continue
		}
		count += spec.ActiveCount(v)
		counted = true
	}
	if counted {
		out["active_alarm_count"] = derived(float64(count), "", "Active alarms, warnings and errors")
	}
}

func alarmRegister(name string) bool {
	for _, prefix := range []string{"error_", "warning_", "alarm_", "fault_"} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func socBand(soc float64) string {
	switch {
	case soc >= 90:
		return "HIGH"
	case soc <= 10:
		return "CRITICAL"
	case soc <= 20:
		return "LOW"
	default:
		return "NORMAL"
	}
}

func operatingModeText(mode int) string {
	switch mode {
	case 0:
		return "standby"
	case 1:
		return "charging"
	case 2:
		return "discharging"
	case 3:
		return "fault"
	default:
		return fmt.Sprintf("unknown(%d)", mode)
	}
}

func deriveDCDC(out map[string]types.ProcessedField) {
	var pin, pout float64
	var pinOK, poutOK bool

	if v, ok := field(out, "input_voltage"); ok {
		if i, ok := field(out, "input_current"); ok {
			pin = v * i / 1000
			pinOK = true
			out["input_power"] = derived(pin, "kW", "Battery side power")
		}
	}
	if v, ok := field(out, "output_voltage"); ok {
		if i, ok := field(out, "output_current"); ok {
			pout = v * i / 1000
			poutOK = true
			out["output_power"] = derived(pout, "kW", "Bus side power")
		}
	}
	if pinOK && poutOK && pin != 0 {
		out["efficiency"] = derived(pout/pin*100, "%", "Conversion efficiency")
	}
}

func derivePCS(out map[string]types.ProcessedField) {
	va, okA := field(out, "phase_a_voltage")
	vb, okB := field(out, "phase_b_voltage")
	vc, okC := field(out, "phase_c_voltage")
	if okA && okB && okC {
		out["ac_voltage_avg"] = derived((va+vb+vc)/3, "V", "Average phase voltage")
	}

	ia, okA := field(out, "phase_a_current")
	ib, okB := field(out, "phase_b_current")
	ic, okC := field(out, "phase_c_current")
	if okA && okB && okC {
		out["ac_current_avg"] = derived((ia+ib+ic)/3, "A", "Average phase current")
	}

	var dcPower float64
	dcOK := false
	if v, ok := field(out, "dc_voltage"); ok {
		if i, ok := field(out, "dc_current"); ok {
			dcPower = v * i / 1000
			dcOK = true
			out["dc_power"] = derived(dcPower, "kW", "DC bus power")
		}
	}
	if ac, ok := field(out, "ac_power"); ok && dcOK && dcPower != 0 {
		eff := ac / dcPower * 100
		if eff < 0 {
			eff = -eff
		}
		out["round_trip_efficiency"] = derived(eff, "%", "AC/DC conversion efficiency")
	}
}
