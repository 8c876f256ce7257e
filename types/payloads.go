package types

// Telemetry is the per-device payload published after every successful
// poll. Timestamp is ISO-8601 with the collector's local offset.
type Telemetry struct {
	DeviceName string                    `json:"device_name"`
	DeviceType DeviceType                `json:"device_type"`
	IPAddress  string                    `json:"ip_address"`
	Timestamp  string                    `json:"timestamp"`
	Data       map[string]ProcessedField `json:"data"`
}

// CommandRequest is a per-device command received over MQTT. Address
// tolerates both numeric and string encodings.
type CommandRequest struct {
	Action       string  `json:"action"`
	Address      FlexInt `json:"address"`
	Value        FlexInt `json:"value"`
	Description  string  `json:"description,omitempty"`
	GUIRequestID string  `json:"gui_request_id,omitempty"`
}

// CommandResponse acknowledges a CommandRequest. RequestID echoes the
// request's gui_request_id when one was given; Value carries the result
// of a read_register action.
type CommandResponse struct {
	RequestID  string `json:"request_id,omitempty"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Value      *int64 `json:"value,omitempty"`
	Timestamp  string `json:"timestamp"`
	DeviceName string `json:"device_name"`
}

// ModeRequest switches the supervisor between basic and auto mode.
type ModeRequest struct {
	Mode     OperationMode `json:"mode"`
	Location string        `json:"location,omitempty"`
}

// AutoModeRequest starts or stops the automatic state machine.
type AutoModeRequest struct {
	Location string `json:"location,omitempty"`
}

// ThresholdRequest updates SOC thresholds and auto-mode tunables at
// runtime. Nil fields are left unchanged.
type ThresholdRequest struct {
	SOCHighThreshold       *float64 `json:"soc_high_threshold,omitempty"`
	SOCLowThreshold        *float64 `json:"soc_low_threshold,omitempty"`
	SOCChargeStopThreshold *float64 `json:"soc_charge_stop_threshold,omitempty"`
	DCDCStandbyTime        *int     `json:"dcdc_standby_time,omitempty"`
	CommandInterval        *int     `json:"command_interval,omitempty"`
	ChargingPower          *float64 `json:"charging_power,omitempty"`
	Location               string   `json:"location,omitempty"`
}

// BasicModeRequest is a named high-level command for one device,
// accepted only while the supervisor is in basic mode.
type BasicModeRequest struct {
	DeviceName   string         `json:"device_name"`
	Command      string         `json:"command"`
	Params       map[string]any `json:"params,omitempty"`
	Location     string         `json:"location,omitempty"`
	GUIRequestID string         `json:"gui_request_id,omitempty"`
}

// ModeResponse acknowledges mode, auto-mode and threshold commands.
type ModeResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Mode      OperationMode   `json:"mode,omitempty"`
	AutoMode  *AutoModeStatus `json:"auto_mode,omitempty"`
	Timestamp string          `json:"timestamp"`
	Location  string          `json:"location,omitempty"`
}

// AutoModeConfig carries the tunables of the automatic state machine.
// Times are whole seconds, thresholds are percent SOC, power is kW.
type AutoModeConfig struct {
	Enabled                bool    `json:"enabled" yaml:"enabled"`
	SOCHighThreshold       float64 `json:"soc_high_threshold" yaml:"soc_high_threshold"`
	SOCLowThreshold        float64 `json:"soc_low_threshold" yaml:"soc_low_threshold"`
	SOCChargeStopThreshold float64 `json:"soc_charge_stop_threshold" yaml:"soc_charge_stop_threshold"`
	DCDCStandbyTime        int     `json:"dcdc_standby_time" yaml:"dcdc_standby_time"`
	CommandInterval        int     `json:"command_interval" yaml:"command_interval"`
	ChargingPower          float64 `json:"charging_power" yaml:"charging_power"`
	SOCMonitorInterval     float64 `json:"soc_monitor_interval" yaml:"soc_monitor_interval"`
}

// ThresholdsValid checks the ordering the state machine depends on.
func (c AutoModeConfig) ThresholdsValid() bool {
	return c.SOCLowThreshold < c.SOCChargeStopThreshold &&
		c.SOCChargeStopThreshold < c.SOCHighThreshold
}

// DeviceAvailability reports which devices currently have fresh data.
type DeviceAvailability struct {
	BMSAvailable  bool `json:"bms_available"`
	DCDCAvailable bool `json:"dcdc_available"`
	PCSAvailable  bool `json:"pcs_available"`
}

// AutoModeStatus is the state-machine section of the periodic status
// payload.
type AutoModeStatus struct {
	Active               bool               `json:"active"`
	CurrentState         string             `json:"current_state"`
	StateDurationSeconds float64            `json:"state_duration_seconds"`
	Config               AutoModeConfig     `json:"config"`
	LastSOC              *float64           `json:"last_soc"`
	Devices              DeviceAvailability `json:"devices"`
}

// Status is the periodic supervisor status payload.
type Status struct {
	CurrentMode   OperationMode  `json:"current_mode"`
	ManualMode    bool           `json:"manual_mode"`
	AutoMode      AutoModeStatus `json:"auto_mode"`
	RecoveryCount int            `json:"recovery_count"`
	LastRecovery  string         `json:"last_recovery,omitempty"`
	Location      string         `json:"location"`
	Timestamp     string         `json:"timestamp"`
}

// BrokerStatus is the retained liveness payload, also used as the LWT.
// The LWT variant has no timestamp; it is prepared before the event it
// describes.
type BrokerStatus struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
