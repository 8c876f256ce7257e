package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pms-go/types"
)

const minimal = `
mqtt:
  broker: 10.0.0.5
devices:
  - name: bms1
    type: BMS
    ip: 192.168.1.10
    poll_interval: 5
`

func TestParseMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "pms", cfg.MQTT.ClientID)
	assert.Equal(t, "pms", cfg.MQTT.BaseTopic)
	assert.Equal(t, 30, cfg.MQTT.Keepalive)
	assert.Equal(t, 5, cfg.MQTT.MaxPublishWorkers)
	assert.Equal(t, 1000, cfg.MQTT.QueueSize)
	assert.Equal(t, 15, cfg.MQTT.ConnectionRetryCount)
	assert.Equal(t, 30*time.Second, cfg.MQTT.HealthInterval())

	require.Len(t, cfg.Devices, 1)
	d := cfg.Devices[0]
	assert.Equal(t, 502, d.Port)
	assert.Equal(t, 1, d.SlaveID)
	assert.Equal(t, 5*time.Second, d.Interval())

	assert.Equal(t, 2*time.Second, cfg.System.Timeout())
	assert.Equal(t, "default", cfg.Location())

	a := cfg.AutoMode
	assert.Equal(t, 88.0, a.SOCHighThreshold)
	assert.Equal(t, 5.0, a.SOCLowThreshold)
	assert.Equal(t, 25.0, a.SOCChargeStopThreshold)
	assert.Equal(t, 30, a.DCDCStandbyTime)
	assert.Equal(t, 5, a.CommandInterval)
	assert.Equal(t, 10.0, a.ChargingPower)
	assert.Equal(t, 2.0, a.SOCMonitorInterval)
	assert.True(t, a.ThresholdsValid())
}

func TestParseFullFile(t *testing.T) {
	cfg, err := Parse([]byte(`
mqtt:
  broker: broker.site
  port: 8883
  client_id: pms-site7
  username: ops
  password: secret
  keepalive: 60
  base_topic: plant
  max_publish_workers: 3
devices:
  - name: bms1
    type: BMS
    ip: 10.1.1.2
    port: 1502
    slave_id: 3
    poll_interval: 2.5
  - name: pcs1
    type: PCS
    ip: 10.1.1.3
    poll_interval: 1
system:
  connection_timeout: 0.5
database:
  enabled: true
  load_config_from_db: true
  url: file:pms.db
  device_location: site7
auto_mode:
  enabled: true
  soc_high_threshold: 90
  soc_low_threshold: 10
  soc_charge_stop_threshold: 30
`))
	require.NoError(t, err)

	assert.Equal(t, "plant", cfg.MQTT.BaseTopic)
	assert.Equal(t, 60*time.Second, cfg.MQTT.KeepaliveDuration())
	assert.Equal(t, "site7", cfg.Location())
	assert.Equal(t, 500*time.Millisecond, cfg.System.Timeout())

	d, ok := cfg.DeviceByName("bms1")
	require.True(t, ok)
	assert.Equal(t, types.DeviceBMS, d.Type)
	assert.Equal(t, 1502, d.Port)
	assert.Equal(t, 3, d.SlaveID)
	assert.Equal(t, 2500*time.Millisecond, d.Interval())

	assert.True(t, cfg.AutoMode.Enabled)
	assert.Equal(t, 90.0, cfg.AutoMode.SOCHighThreshold)
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]string{
		"missing broker": `
devices:
  - {name: d, type: BMS, ip: 1.2.3.4}
`,
		"no devices": `
mqtt: {broker: b}
`,
		"unnamed device": `
mqtt: {broker: b}
devices:
  - {type: BMS, ip: 1.2.3.4}
`,
		"duplicate names": `
mqtt: {broker: b}
devices:
  - {name: d, type: BMS, ip: 1.2.3.4}
  - {name: d, type: PCS, ip: 1.2.3.5}
`,
		"bad type": `
mqtt: {broker: b}
devices:
  - {name: d, type: INVERTER, ip: 1.2.3.4}
`,
		"missing ip": `
mqtt: {broker: b}
devices:
  - {name: d, type: BMS}
`,
		"bad slave id": `
mqtt: {broker: b}
devices:
  - {name: d, type: BMS, ip: 1.2.3.4, slave_id: 300}
`,
		"threshold order": `
mqtt: {broker: b}
devices:
  - {name: d, type: BMS, ip: 1.2.3.4}
auto_mode:
  soc_high_threshold: 10
  soc_low_threshold: 50
  soc_charge_stop_threshold: 25
`,
		"db without url": `
mqtt: {broker: b}
devices:
  - {name: d, type: BMS, ip: 1.2.3.4}
database:
  enabled: true
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestThresholdClamping(t *testing.T) {
	cfg, err := Parse([]byte(`
mqtt: {broker: b}
devices:
  - {name: d, type: BMS, ip: 1.2.3.4}
auto_mode:
  soc_high_threshold: 150
  soc_low_threshold: 5
  soc_charge_stop_threshold: 25
`))
	require.NoError(t, err)
	assert.Equal(t, 100.0, cfg.AutoMode.SOCHighThreshold)
}

func TestLowercaseDeviceTypeRejected(t *testing.T) {
	// Types are uppercase on the wire and in YAML; the loader does not
	// normalise case silently.
	_, err := Parse([]byte(`
mqtt: {broker: b}
devices:
  - {name: d, type: bms, ip: 1.2.3.4}
`))
	assert.Error(t, err)
}
