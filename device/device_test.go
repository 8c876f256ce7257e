package device

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"

	"pms-go/config"
	"pms-go/errcode"
	"pms-go/regmap"
	"pms-go/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// newSlave starts an in-process Modbus/TCP slave and returns it with a
// device spec pointing at it.
func newSlave(t *testing.T, name string, dt types.DeviceType) (*mbserver.Server, config.DeviceSpec) {
	t.Helper()
	s := mbserver.NewServer()
	port := freePort(t)
	require.NoError(t, s.ListenTCP(fmt.Sprintf("127.0.0.1:%d", port)))
	t.Cleanup(s.Close)
	return s, config.DeviceSpec{
		Name: name, Type: dt, IP: "127.0.0.1", Port: port, SlaveID: 1, PollInterval: 1,
	}
}

func newHandler(t *testing.T, spec config.DeviceSpec) *Handler {
	t.Helper()
	m, err := regmap.ForType(spec.Type)
	require.NoError(t, err)
	return New(spec, m, time.Second, zap.NewNop())
}

func TestReadDataSweep(t *testing.T) {
	slave, spec := newSlave(t, "bms1", types.DeviceBMS)
	h := newHandler(t, spec)

	slave.HoldingRegisters[256] = 750    // battery_soc
	slave.HoldingRegisters[257] = 5000   // battery_voltage
	slave.HoldingRegisters[258] = 0xFF9C // battery_current: -100
	slave.HoldingRegisters[264] = 1      // total_charge_energy high word
	slave.HoldingRegisters[265] = 2      // total_charge_energy low word
	slave.HoldingRegisters[274] = 0x0008 // error_code_2
	slave.InputRegisters[768] = 215      // ambient_temp

	r, err := h.ReadData(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Equal(t, "bms1", r.DeviceName)
	assert.Equal(t, types.DeviceBMS, r.DeviceType)
	assert.Equal(t, "127.0.0.1", r.IP)
	assert.False(t, r.Timestamp.IsZero())

	assert.Equal(t, int64(750), r.Raw["battery_soc"])
	assert.Equal(t, int64(5000), r.Raw["battery_voltage"])
	assert.Equal(t, int64(-100), r.Raw["battery_current"])
	assert.Equal(t, int64(1<<16|2), r.Raw["total_charge_energy"])
	assert.Equal(t, int64(8), r.Raw["error_code_2"])
	assert.Equal(t, int64(215), r.Raw["ambient_temp"])

	assert.True(t, h.Connected())
	assert.False(t, h.LastGood().IsZero())
}

func TestReadDataConnectFailure(t *testing.T) {
	spec := config.DeviceSpec{
		Name: "bms1", Type: types.DeviceBMS, IP: "127.0.0.1", Port: freePort(t), SlaveID: 1,
	}
	h := newHandler(t, spec)

	r, err := h.ReadData(context.Background())
	assert.Nil(t, r)
	require.Error(t, err)
	assert.Equal(t, errcode.NotConnected, errcode.Of(err))
	assert.False(t, h.Connected())
}

func TestReadDataContextCancel(t *testing.T) {
	_, spec := newSlave(t, "bms1", types.DeviceBMS)
	h := newHandler(t, spec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := h.ReadData(ctx)
	assert.Nil(t, r)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteRegister(t *testing.T) {
	slave, spec := newSlave(t, "bms1", types.DeviceBMS)
	h := newHandler(t, spec)

	require.NoError(t, h.WriteRegister("dc_contactor_control", 1))
	assert.Equal(t, uint16(1), slave.HoldingRegisters[512])

	require.NoError(t, h.WriteRegister("error_reset_command", 0x0050))
	assert.Equal(t, uint16(0x0050), slave.HoldingRegisters[513])
}

func TestWriteRegisterPermanentErrors(t *testing.T) {
	_, spec := newSlave(t, "bms1", types.DeviceBMS)
	h := newHandler(t, spec)
	require.NoError(t, h.EnsureConnected())

	err := h.WriteRegister("no_such_register", 1)
	assert.Equal(t, errcode.UnknownRegister, errcode.Of(err))

	err = h.WriteRegister("battery_soc", 1)
	assert.Equal(t, errcode.ReadOnly, errcode.Of(err))

	err = h.WriteRegister("dc_contactor_control", 70000)
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))

	err = h.WriteRegister("dc_contactor_control", -1)
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))

	// Permanent failures never touch the connection.
	assert.True(t, h.Connected())
}

func TestWriteRegisterTransportErrorDropsConnection(t *testing.T) {
	slave, spec := newSlave(t, "bms1", types.DeviceBMS)
	h := newHandler(t, spec)
	require.NoError(t, h.EnsureConnected())
	require.True(t, h.Connected())

	slave.Close()
	// The slave is gone: the write fails and the connection is torn
	// down so the next operation redials.
	err := h.WriteRegister("dc_contactor_control", 1)
	require.Error(t, err)
	assert.False(t, h.Connected())
}

func TestReadRegisterSingle(t *testing.T) {
	slave, spec := newSlave(t, "bms1", types.DeviceBMS)
	h := newHandler(t, spec)

	slave.HoldingRegisters[256] = 823
	v, err := h.ReadRegister("battery_soc")
	require.NoError(t, err)
	assert.Equal(t, int64(823), v)

	_, err = h.ReadRegister("ghost")
	assert.Equal(t, errcode.UnknownRegister, errcode.Of(err))

	_, err = h.ReadRegister("dc_contactor_control")
	assert.Equal(t, errcode.ReadOnly, errcode.Of(err))
}

func TestEnsureConnectedIdempotent(t *testing.T) {
	_, spec := newSlave(t, "bms1", types.DeviceBMS)
	h := newHandler(t, spec)

	require.NoError(t, h.EnsureConnected())
	require.NoError(t, h.EnsureConnected())
	assert.True(t, h.Connected())

	h.Close()
	assert.False(t, h.Connected())

	// Close is not terminal: the next ensure redials.
	require.NoError(t, h.EnsureConnected())
	assert.True(t, h.Connected())
}
