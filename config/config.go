// Package config loads and validates the supervisor's YAML
// configuration. Every tunable has a default; a minimal file only
// names the broker and the devices.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"pms-go/types"
	"pms-go/x/mathx"
	"pms-go/x/strx"
)

// Config is the full configuration tree.
type Config struct {
	MQTT     MQTT                 `yaml:"mqtt"`
	Devices  []DeviceSpec         `yaml:"devices"`
	System   System               `yaml:"system"`
	Database Database             `yaml:"database"`
	AutoMode types.AutoModeConfig `yaml:"auto_mode"`
}

// MQTT configures the broker connection and the publish pool.
type MQTT struct {
	Broker               string `yaml:"broker"`
	Port                 int    `yaml:"port"`
	ClientID             string `yaml:"client_id"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	Keepalive            int    `yaml:"keepalive"`
	BaseTopic            string `yaml:"base_topic"`
	MaxPublishWorkers    int    `yaml:"max_publish_workers"`
	QueueSize            int    `yaml:"queue_size"`
	ConnectionRetryCount int    `yaml:"connection_retry_count"`
	HealthCheckInterval  int    `yaml:"health_check_interval"`
}

// KeepaliveDuration is the broker keepalive as a time.Duration.
func (m MQTT) KeepaliveDuration() time.Duration {
	return time.Duration(m.Keepalive) * time.Second
}

// HealthInterval is the connection health check period.
func (m MQTT) HealthInterval() time.Duration {
	return time.Duration(m.HealthCheckInterval) * time.Second
}

// DeviceSpec describes one polled Modbus device.
type DeviceSpec struct {
	Name         string           `yaml:"name"`
	Type         types.DeviceType `yaml:"type"`
	IP           string           `yaml:"ip"`
	Port         int              `yaml:"port"`
	SlaveID      int              `yaml:"slave_id"`
	PollInterval float64          `yaml:"poll_interval"`
}

// Interval is the poll period as a time.Duration.
func (d DeviceSpec) Interval() time.Duration {
	return time.Duration(d.PollInterval * float64(time.Second))
}

// System holds process-wide tunables.
type System struct {
	ConnectionTimeout float64 `yaml:"connection_timeout"`
	RegisterMapDir    string  `yaml:"register_map_dir"`
}

// Timeout is the Modbus connect/request timeout.
func (s System) Timeout() time.Duration {
	return time.Duration(s.ConnectionTimeout * float64(time.Second))
}

// Database configures the optional site configuration database.
type Database struct {
	Enabled          bool   `yaml:"enabled"`
	LoadConfigFromDB bool   `yaml:"load_config_from_db"`
	URL              string `yaml:"url"`
	DeviceLocation   string `yaml:"device_location"`
}

// Location is the site identifier used in control/status topics and
// the location filter.
func (c *Config) Location() string {
	return strx.Coalesce(c.Database.DeviceLocation, "default")
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "config: invalid YAML")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued tunable.
func (c *Config) ApplyDefaults() {
	m := &c.MQTT
	if m.Port == 0 {
		m.Port = 1883
	}
	m.ClientID = strx.Coalesce(m.ClientID, "pms")
	m.BaseTopic = strx.Coalesce(m.BaseTopic, "pms")
	if m.Keepalive == 0 {
		m.Keepalive = 30
	}
	if m.MaxPublishWorkers == 0 {
		m.MaxPublishWorkers = 5
	}
	if m.QueueSize == 0 {
		m.QueueSize = 1000
	}
	if m.ConnectionRetryCount == 0 {
		m.ConnectionRetryCount = 15
	}
	if m.HealthCheckInterval == 0 {
		m.HealthCheckInterval = 30
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Port == 0 {
			d.Port = 502
		}
		if d.SlaveID == 0 {
			d.SlaveID = 1
		}
		if d.PollInterval == 0 {
			d.PollInterval = 10
		}
	}

	if c.System.ConnectionTimeout == 0 {
		c.System.ConnectionTimeout = 2
	}

	a := &c.AutoMode
	if a.SOCHighThreshold == 0 {
		a.SOCHighThreshold = 88.0
	}
	if a.SOCLowThreshold == 0 {
		a.SOCLowThreshold = 5.0
	}
	if a.SOCChargeStopThreshold == 0 {
		a.SOCChargeStopThreshold = 25.0
	}
	if a.DCDCStandbyTime == 0 {
		a.DCDCStandbyTime = 30
	}
	if a.CommandInterval == 0 {
		a.CommandInterval = 5
	}
	if a.ChargingPower == 0 {
		a.ChargingPower = 10.0
	}
	if a.SOCMonitorInterval == 0 {
		a.SOCMonitorInterval = 2.0
	}

	a.SOCHighThreshold = mathx.Clamp(a.SOCHighThreshold, 0, 100)
	a.SOCLowThreshold = mathx.Clamp(a.SOCLowThreshold, 0, 100)
	a.SOCChargeStopThreshold = mathx.Clamp(a.SOCChargeStopThreshold, 0, 100)
}

// Validate enforces the invariants the rest of the process assumes.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return errors.New("config: mqtt.broker is required")
	}
	if len(c.Devices) == 0 {
		return errors.New("config: no devices configured")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return errors.Errorf("config: devices[%d]: name is required", i)
		}
		if seen[d.Name] {
			return errors.Errorf("config: duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		if !d.Type.Valid() {
			return errors.Errorf("config: device %s: unknown type %q", d.Name, d.Type)
		}
		if d.IP == "" {
			return errors.Errorf("config: device %s: ip is required", d.Name)
		}
		if d.SlaveID < 1 || d.SlaveID > 247 {
			return errors.Errorf("config: device %s: slave_id %d out of range", d.Name, d.SlaveID)
		}
		if d.PollInterval < 0 {
			return errors.Errorf("config: device %s: negative poll_interval", d.Name)
		}
	}

	if !c.AutoMode.ThresholdsValid() {
		return errors.Errorf("config: auto_mode thresholds must satisfy low < charge_stop < high (got %.1f / %.1f / %.1f)",
			c.AutoMode.SOCLowThreshold, c.AutoMode.SOCChargeStopThreshold, c.AutoMode.SOCHighThreshold)
	}

	if c.Database.Enabled && c.Database.URL == "" {
		return errors.New("config: database.enabled requires database.url")
	}

	return nil
}

// DeviceByName finds a configured device spec.
func (c *Config) DeviceByName(name string) (DeviceSpec, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceSpec{}, false
}
