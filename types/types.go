// Package types holds the payload and value types shared between the
// device layer, the MQTT services and the state machine. Everything here
// is JSON-serialisable; the field names are the wire contract.
package types

import (
	"strconv"
	"strings"
	"time"
)

// DeviceType identifies which register map and processing rules apply
// to a device.
type DeviceType string

const (
	DeviceBMS  DeviceType = "BMS"
	DeviceDCDC DeviceType = "DCDC"
	DevicePCS  DeviceType = "PCS"
)

// Valid reports whether t is one of the known device types.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceBMS, DeviceDCDC, DevicePCS:
		return true
	}
	return false
}

// ParseDeviceType accepts any casing of the three device type names.
func ParseDeviceType(s string) (DeviceType, bool) {
	t := DeviceType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

// OperationMode is the top-level mode of the supervisor. Exactly one
// mode is active at a time.
type OperationMode string

const (
	ModeBasic OperationMode = "basic"
	ModeAuto  OperationMode = "auto"
)

func (m OperationMode) Valid() bool {
	return m == ModeBasic || m == ModeAuto
}

// FieldKind tells a consumer how to read a ProcessedField.
type FieldKind string

const (
	KindValue   FieldKind = "value"   // scaled scalar
	KindBitmask FieldKind = "bitmask" // per-bit status word
	KindDerived FieldKind = "derived" // computed from other fields
)

// BitState is the decoded state of one bit of a bitmask register.
type BitState struct {
	Bit         int    `json:"bit"`
	Active      bool   `json:"active"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ProcessedField is one engineering-unit value derived from a raw
// register read. Value is a float64 for scalars and a string for
// derived fields that decode to text (operating modes, SOC bands).
type ProcessedField struct {
	Value       any        `json:"value"`
	Unit        string     `json:"unit,omitempty"`
	Description string     `json:"description,omitempty"`
	RawValue    int64      `json:"raw_value,omitempty"`
	Kind        FieldKind  `json:"kind"`
	Bits        []BitState `json:"bits,omitempty"`
}

// Float returns the field value as a float64 when it holds a scalar.
func (f ProcessedField) Float() (float64, bool) {
	switch v := f.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Reading is the result of one complete poll of one device.
type Reading struct {
	DeviceName string                    `json:"device_name"`
	DeviceType DeviceType                `json:"device_type"`
	IP         string                    `json:"ip_address"`
	Timestamp  time.Time                 `json:"timestamp"`
	Raw        map[string]int64          `json:"-"`
	Processed  map[string]ProcessedField `json:"data"`
}

// Field looks up a processed field as a scalar. Missing fields and
// non-scalar fields both report false.
func (r *Reading) Field(name string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	f, ok := r.Processed[name]
	if !ok {
		return 0, false
	}
	return f.Float()
}

// FlexInt is an int that unmarshals from either a JSON number or a
// decimal string. Command publishers are not consistent about which
// they send for register addresses.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

func (f FlexInt) Int() int { return int(f) }
