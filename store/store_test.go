package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pms-go/config"
	"pms-go/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", "site1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func status(cfg types.AutoModeConfig, state string, active bool) types.AutoModeStatus {
	return types.AutoModeStatus{Active: active, CurrentState: state, Config: cfg}
}

func testCfg() types.AutoModeConfig {
	return types.AutoModeConfig{
		SOCHighThreshold:       88,
		SOCLowThreshold:        5,
		SOCChargeStopThreshold: 25,
		DCDCStandbyTime:        30,
		CommandInterval:        5,
		ChargingPower:          10,
		SOCMonitorInterval:     2,
	}
}

func TestLoadEmpty(t *testing.T) {
	s := newStore(t)

	row, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.SaveState(types.ModeAuto, status(testCfg(), "normal_operation", true)))

	row, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, DefaultUserID, row.UserID)
	assert.Equal(t, "site1", row.Location)
	assert.Equal(t, 88.0, row.SOCHighThreshold)
	assert.Equal(t, 5.0, row.SOCLowThreshold)
	assert.Equal(t, 25.0, row.SOCChargeStopThreshold)
	assert.Equal(t, 30, row.DCDCStandbyTime)
	assert.Equal(t, 5, row.CommandInterval)
	assert.Equal(t, 10.0, row.ChargingPower)
	assert.Equal(t, types.ModeAuto, row.OperationMode)
	assert.Equal(t, "normal_operation", row.AutoModeStatus)
	assert.True(t, row.AutoModeActive)
	assert.False(t, row.UpdatedAt.IsZero())
}

func TestSaveUpserts(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.SaveState(types.ModeBasic, status(testCfg(), "idle", false)))
	cfg := testCfg()
	cfg.SOCHighThreshold = 92
	require.NoError(t, s.SaveState(types.ModeAuto, status(cfg, "pcs_standby", true)))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM DEVICE_LOCATION_STATUS`).Scan(&n))
	assert.Equal(t, 1, n, "same user and site must stay one row")

	row, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 92.0, row.SOCHighThreshold)
	assert.Equal(t, types.ModeAuto, row.OperationMode)
}

func TestLoadPicksNewestActiveRow(t *testing.T) {
	s := newStore(t)

	_, err := s.db.Exec(`
INSERT INTO DEVICE_LOCATION_STATUS (
	USER_ID, DEVICE_LOCATION, SOC_HIGH_THRESHOLD, SOC_LOW_THRESHOLD,
	SOC_CHARGE_STOP_THRESHOLD, DCDC_STANDBY_TIME, COMMAND_INTERVAL,
	CHARGING_POWER, OPERATION_MODE, AUTO_MODE_STATUS, AUTO_MODE_ACTIVE,
	IS_ACTIVE, UPDATED_AT)
VALUES ('gui', 'site1', 70, 10, 30, 60, 10, 5, 'basic', 'idle', 0, 1, ?)`,
		time.Now().Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.SaveState(types.ModeAuto, status(testCfg(), "idle", false)))

	row, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, DefaultUserID, row.UserID, "newest row wins across users")
	assert.Equal(t, 88.0, row.SOCHighThreshold)
}

func TestLoadIgnoresInactiveRows(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.SaveState(types.ModeAuto, status(testCfg(), "idle", false)))
	_, err := s.db.Exec(`UPDATE DEVICE_LOCATION_STATUS SET IS_ACTIVE = 0`)
	require.NoError(t, err)

	row, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestApplyToOverridesYAML(t *testing.T) {
	cfg := &config.Config{AutoMode: testCfg()}
	row := &Row{
		SOCHighThreshold:       91,
		SOCLowThreshold:        7,
		SOCChargeStopThreshold: 28,
		DCDCStandbyTime:        45,
		CommandInterval:        6,
		ChargingPower:          8.5,
	}

	row.ApplyTo(cfg)

	assert.Equal(t, 91.0, cfg.AutoMode.SOCHighThreshold)
	assert.Equal(t, 7.0, cfg.AutoMode.SOCLowThreshold)
	assert.Equal(t, 28.0, cfg.AutoMode.SOCChargeStopThreshold)
	assert.Equal(t, 45, cfg.AutoMode.DCDCStandbyTime)
	assert.Equal(t, 6, cfg.AutoMode.CommandInterval)
	assert.Equal(t, 8.5, cfg.AutoMode.ChargingPower)
	assert.Equal(t, 2.0, cfg.AutoMode.SOCMonitorInterval, "monitor interval stays YAML-owned")
}
