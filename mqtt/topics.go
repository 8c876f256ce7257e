package mqtt

// Topic layout under the configured base ("pms" by default):
//
//	<base>/<device_type>/<device_name>/data        telemetry
//	<base>/control/<device_name>/command           device command
//	<base>/control/<device_name>/response          command response
//	<base>/control/<location>/<verb>               mode control
//	<base>/status/<location>/<verb>                mode status
//	<base>/status                                  broker liveness (retained)

// Topics builds the topic strings for one base topic.
type Topics struct {
	Base string
}

func (t Topics) base() string {
	if t.Base == "" {
		return "pms"
	}
	return t.Base
}

// Status is the retained liveness topic, also used for the LWT.
func (t Topics) Status() string { return t.base() + "/status" }

// Telemetry is the per-device data topic.
func (t Topics) Telemetry(deviceType, deviceName string) string {
	return t.base() + "/" + deviceType + "/" + deviceName + "/data"
}

// CommandFilter subscribes to every device's command topic.
func (t Topics) CommandFilter() string { return t.base() + "/control/+/command" }

// Command is one device's command topic.
func (t Topics) Command(deviceName string) string {
	return t.base() + "/control/" + deviceName + "/command"
}

// Response is one device's command response topic.
func (t Topics) Response(deviceName string) string {
	return t.base() + "/control/" + deviceName + "/response"
}

// Control is a site-level mode control topic.
func (t Topics) Control(location, verb string) string {
	return t.base() + "/control/" + location + "/" + verb
}

// StatusFor is a site-level status topic.
func (t Topics) StatusFor(location, verb string) string {
	return t.base() + "/status/" + location + "/" + verb
}

// StatusResponse acknowledges a site-level control verb.
func (t Topics) StatusResponse(location, verb string) string {
	return t.StatusFor(location, verb) + "/response"
}
