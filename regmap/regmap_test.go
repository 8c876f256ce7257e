package regmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pms-go/types"
)

func TestParseDefaults(t *testing.T) {
	m, err := Parse([]byte(`{
		"metering_registers": {
			"plain": {"address": 10, "function_code": 3}
		}
	}`), "")
	require.NoError(t, err)

	s, ok := m.Lookup("plain")
	require.True(t, ok)
	assert.Equal(t, uint16(1), s.Count)
	assert.Equal(t, TypeUint16, s.DataType)
	assert.Equal(t, 1.0, s.Scale)
	assert.Equal(t, KindValue, s.Kind)
	assert.Equal(t, "metering_registers", s.Section)
	assert.True(t, s.Readable())
	assert.False(t, s.Writable())
}

func TestParseRejectsBadMaps(t *testing.T) {
	cases := map[string]string{
		"bad function code": `{"s_registers": {"r": {"address": 1, "function_code": 2}}}`,
		"bad count":         `{"s_registers": {"r": {"address": 1, "function_code": 3, "register_count": 3}}}`,
		"wide write":        `{"s_registers": {"r": {"address": 1, "function_code": 6, "register_count": 2, "data_type": "uint32"}}}`,
		"bitmask write":     `{"s_registers": {"r": {"address": 1, "function_code": 6, "kind": "bitmask"}}}`,
		"type width":        `{"s_registers": {"r": {"address": 1, "function_code": 3, "register_count": 2, "data_type": "uint16"}}}`,
		"bad data type":     `{"s_registers": {"r": {"address": 1, "function_code": 3, "data_type": "float64"}}}`,
		"bad bit index":     `{"s_registers": {"r": {"address": 1, "function_code": 3, "kind": "bitmask", "bits": {"16": "x"}}}}`,
		"bits on value":     `{"s_registers": {"r": {"address": 1, "function_code": 3, "bits": {"0": "x"}}}}`,
		"empty":             `{}`,
		"wrong device type": `{"device_type": "INVERTER", "s_registers": {"r": {"address": 1, "function_code": 3}}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), "")
			assert.Error(t, err)
		})
	}
}

func TestParseDuplicateName(t *testing.T) {
	_, err := Parse([]byte(`{
		"a_registers": {"r": {"address": 1, "function_code": 3}},
		"b_registers": {"r": {"address": 2, "function_code": 3}}
	}`), "")
	assert.Error(t, err)
}

func TestDecodeBytes(t *testing.T) {
	u16 := &Spec{Name: "u", Count: 1, DataType: TypeUint16}
	i16 := &Spec{Name: "i", Count: 1, DataType: TypeInt16}
	u32 := &Spec{Name: "U", Count: 2, DataType: TypeUint32}
	i32 := &Spec{Name: "I", Count: 2, DataType: TypeInt32}

	v, err := u16.DecodeBytes([]byte{0x02, 0xEE})
	require.NoError(t, err)
	assert.Equal(t, int64(750), v)

	v, err = i16.DecodeBytes([]byte{0xFF, 0x9C})
	require.NoError(t, err)
	assert.Equal(t, int64(-100), v)

	v, err = u32.DecodeBytes([]byte{0x00, 0x01, 0x00, 0x02})
	require.NoError(t, err)
	assert.Equal(t, int64(1<<16|2), v)

	v, err = i32.DecodeBytes([]byte{0xFF, 0xFF, 0xFF, 0xFE})
	require.NoError(t, err)
	assert.Equal(t, int64(-2), v)

	_, err = u32.DecodeBytes([]byte{0x00, 0x01})
	assert.Error(t, err)
}

func TestFindByAddressPrefersWritable(t *testing.T) {
	m, err := Parse([]byte(`{
		"status_registers":  {"ro": {"address": 100, "function_code": 3}},
		"control_registers": {"rw": {"address": 100, "function_code": 6}}
	}`), "")
	require.NoError(t, err)

	name, ok := m.FindByAddress(100)
	require.True(t, ok)
	assert.Equal(t, "rw", name)

	_, ok = m.FindByAddress(101)
	assert.False(t, ok)
}

func TestReadableOrder(t *testing.T) {
	m, err := Parse([]byte(`{
		"a_registers": {
			"high": {"address": 30, "function_code": 3},
			"low":  {"address": 10, "function_code": 4},
			"cmd":  {"address": 20, "function_code": 6}
		}
	}`), "")
	require.NoError(t, err)

	sweep := m.Readable()
	require.Len(t, sweep, 2)
	assert.Equal(t, "low", sweep[0].Name)
	assert.Equal(t, "high", sweep[1].Name)
}

func TestEmbeddedMaps(t *testing.T) {
	for _, dt := range []types.DeviceType{types.DeviceBMS, types.DeviceDCDC, types.DevicePCS} {
		m, err := ForType(dt)
		require.NoError(t, err, dt)
		assert.Equal(t, dt, m.DeviceType)
		assert.NotZero(t, m.Len())
	}

	bms, err := ForType(types.DeviceBMS)
	require.NoError(t, err)

	soc, ok := bms.Lookup("battery_soc")
	require.True(t, ok)
	assert.Equal(t, uint16(256), soc.Address)
	assert.Equal(t, 0.1, soc.Scale)
	assert.Equal(t, "%", soc.Unit)
	assert.Equal(t, TypeUint16, soc.DataType)

	ec2, ok := bms.Lookup("error_code_2")
	require.True(t, ok)
	require.Equal(t, KindBitmask, ec2.Kind)
	bit, ok := ec2.Bits[3]
	require.True(t, ok)
	assert.Contains(t, bit.Desc, "BMS communication")
	assert.Equal(t, "Normal", bit.Clear)
	assert.Equal(t, "Fault", bit.Set)

	pcs, err := ForType(types.DevicePCS)
	require.NoError(t, err)
	for _, name := range []string{"pcs_stop", "pcs_standby_start", "inv_start_mode", "pcs_charge_start", "battery_charge_power", "fault_reset_command", "independent_mode_command"} {
		s, ok := pcs.Lookup(name)
		require.True(t, ok, name)
		assert.True(t, s.Writable(), name)
	}

	dcdc, err := ForType(types.DeviceDCDC)
	require.NoError(t, err)
	for _, name := range []string{"reset_command", "solar_command", "ready_standby_command"} {
		s, ok := dcdc.Lookup(name)
		require.True(t, ok, name)
		assert.True(t, s.Writable(), name)
	}
}

func TestResolveOverrideDir(t *testing.T) {
	dir := t.TempDir()
	doc := `{"device_type": "BMS", "metering_registers": {"only_reg": {"address": 1, "function_code": 3}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bms.json"), []byte(doc), 0o644))

	m, err := Resolve(dir, types.DeviceBMS)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	// No override for PCS in the directory: built-in map is used.
	m, err = Resolve(dir, types.DevicePCS)
	require.NoError(t, err)
	_, ok := m.Lookup("pcs_stop")
	assert.True(t, ok)
}
