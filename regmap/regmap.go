// Package regmap loads the per-device-type Modbus register maps and
// answers lookups by logical register name. Maps are JSON documents
// whose top-level sections (parameter_registers, metering_registers,
// status_registers, control_registers, ...) only group entries; all
// lookups are flat by name.
package regmap

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"pms-go/types"
)

// Modbus function codes understood by the map loader.
const (
	FuncReadHolding = 0x03
	FuncReadInput   = 0x04
	FuncWriteSingle = 0x06
)

// Kind tells the processor how to interpret a register's raw value.
type Kind string

const (
	KindValue   Kind = "value"
	KindBitmask Kind = "bitmask"
)

// DataType is the wire representation of a register value.
type DataType string

const (
	TypeUint16 DataType = "uint16"
	TypeInt16  DataType = "int16"
	TypeUint32 DataType = "uint32"
	TypeInt32  DataType = "int32"
)

func (t DataType) words() uint16 {
	if t == TypeUint32 || t == TypeInt32 {
		return 2
	}
	return 1
}

func (t DataType) signed() bool {
	return t == TypeInt16 || t == TypeInt32
}

// Spec is the static descriptor of one register.
type Spec struct {
	Name         string
	Section      string
	Address      uint16
	FunctionCode uint8
	Count        uint16
	DataType     DataType
	Scale        float64
	Unit         string
	Kind         Kind
	Description  string
	Bits         map[int]BitSpec
}

// Readable reports whether the register is part of the poll sweep.
func (s *Spec) Readable() bool {
	return s.FunctionCode == FuncReadHolding || s.FunctionCode == FuncReadInput
}

// Writable reports whether the register accepts write-single-register.
func (s *Spec) Writable() bool {
	return s.FunctionCode == FuncWriteSingle
}

// DecodeBytes turns a big-endian Modbus response into a signed raw
// value. Two-register values combine as high<<16 | low; signed types
// apply two's-complement.
func (s *Spec) DecodeBytes(b []byte) (int64, error) {
	if len(b) != int(s.Count)*2 {
		return 0, errors.Errorf("register %s: got %d bytes, want %d", s.Name, len(b), s.Count*2)
	}
	if s.Count == 2 {
		u := binary.BigEndian.Uint32(b)
		if s.DataType.signed() {
			return int64(int32(u)), nil
		}
		return int64(u), nil
	}
	u := binary.BigEndian.Uint16(b)
	if s.DataType.signed() {
		return int64(int16(u)), nil
	}
	return int64(u), nil
}

// Map is the read-only register map for one device type.
type Map struct {
	DeviceType types.DeviceType

	specs    map[string]*Spec
	byAddr   map[uint16]string
	readable []*Spec
}

// Lookup finds a register by its logical name.
func (m *Map) Lookup(name string) (*Spec, bool) {
	s, ok := m.specs[name]
	return s, ok
}

// FindByAddress maps a raw address back to a register name. When a
// readable and a writable register share an address, the writable one
// wins; command routing resolves addresses for writes.
func (m *Map) FindByAddress(addr uint16) (string, bool) {
	name, ok := m.byAddr[addr]
	return name, ok
}

// Readable returns the poll sweep in address order.
func (m *Map) Readable() []*Spec {
	return m.readable
}

// Names returns all register names, sorted.
func (m *Map) Names() []string {
	out := make([]string, 0, len(m.specs))
	for n := range m.specs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len is the number of registers in the map.
func (m *Map) Len() int { return len(m.specs) }

// specJSON is the on-disk shape of one register entry.
type specJSON struct {
	Address       uint16            `json:"address"`
	FunctionCode  uint8             `json:"function_code"`
	RegisterCount uint16            `json:"register_count"`
	DataType      string            `json:"data_type"`
	Scale         float64           `json:"scale"`
	Unit          string            `json:"unit"`
	Kind          string            `json:"kind"`
	Description   string            `json:"description"`
	Bits          map[string]string `json:"bits"`
}

const sectionSuffix = "_registers"

// Parse builds a Map from a JSON register map document. want, when
// non-empty, is checked against the document's device_type field.
func Parse(data []byte, want types.DeviceType) (*Map, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "register map: invalid JSON")
	}

	m := &Map{
		DeviceType: want,
		specs:      make(map[string]*Spec),
		byAddr:     make(map[uint16]string),
	}

	if raw, ok := doc["device_type"]; ok {
		var dt string
		if err := json.Unmarshal(raw, &dt); err != nil {
			return nil, errors.Wrap(err, "register map: device_type")
		}
		got, valid := types.ParseDeviceType(dt)
		if !valid {
			return nil, errors.Errorf("register map: unknown device_type %q", dt)
		}
		if want != "" && got != want {
			return nil, errors.Errorf("register map: device_type %s, want %s", got, want)
		}
		m.DeviceType = got
	}

	sections := make([]string, 0, len(doc))
	for key := range doc {
		if strings.HasSuffix(key, sectionSuffix) {
			sections = append(sections, key)
		}
	}
	sort.Strings(sections)

	for _, section := range sections {
		var entries map[string]specJSON
		if err := json.Unmarshal(doc[section], &entries); err != nil {
			return nil, errors.Wrapf(err, "register map: section %s", section)
		}
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			spec, err := buildSpec(name, section, entries[name])
			if err != nil {
				return nil, err
			}
			if _, dup := m.specs[name]; dup {
				return nil, errors.Errorf("register map: duplicate register name %q", name)
			}
			m.specs[name] = spec
			if prev, ok := m.byAddr[spec.Address]; !ok || (!m.specs[prev].Writable() && spec.Writable()) {
				m.byAddr[spec.Address] = name
			}
		}
	}

	if len(m.specs) == 0 {
		return nil, errors.New("register map: no registers defined")
	}

	for _, s := range m.specs {
		if s.Readable() {
			m.readable = append(m.readable, s)
		}
	}
	sort.Slice(m.readable, func(i, j int) bool {
		a, b := m.readable[i], m.readable[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return a.Name < b.Name
	})

	return m, nil
}

func buildSpec(name, section string, j specJSON) (*Spec, error) {
	s := &Spec{
		Name:         name,
		Section:      section,
		Address:      j.Address,
		FunctionCode: j.FunctionCode,
		Count:        j.RegisterCount,
		Scale:        j.Scale,
		Unit:         j.Unit,
		Description:  j.Description,
	}

	switch s.FunctionCode {
	case FuncReadHolding, FuncReadInput, FuncWriteSingle:
	default:
		return nil, errors.Errorf("register %s: unsupported function code 0x%02X", name, s.FunctionCode)
	}

	if s.Count == 0 {
		s.Count = 1
	}
	if s.Count != 1 && s.Count != 2 {
		return nil, errors.Errorf("register %s: register_count %d, want 1 or 2", name, s.Count)
	}
	if s.FunctionCode == FuncWriteSingle && s.Count != 1 {
		return nil, errors.Errorf("register %s: write registers are single-word", name)
	}

	switch DataType(j.DataType) {
	case "":
		if s.Count == 2 {
			s.DataType = TypeUint32
		} else {
			s.DataType = TypeUint16
		}
	case TypeUint16, TypeInt16, TypeUint32, TypeInt32:
		s.DataType = DataType(j.DataType)
	default:
		return nil, errors.Errorf("register %s: unknown data_type %q", name, j.DataType)
	}
	if s.DataType.words() != s.Count {
		return nil, errors.Errorf("register %s: data_type %s does not fit register_count %d", name, s.DataType, s.Count)
	}

	switch Kind(j.Kind) {
	case "":
		s.Kind = KindValue
	case KindValue, KindBitmask:
		s.Kind = Kind(j.Kind)
	default:
		return nil, errors.Errorf("register %s: unknown kind %q", name, j.Kind)
	}
	if s.Kind == KindBitmask && s.FunctionCode == FuncWriteSingle {
		return nil, errors.Errorf("register %s: bitmask registers are read-only", name)
	}

	if s.Scale == 0 {
		s.Scale = 1
	}

	if len(j.Bits) > 0 {
		if s.Kind != KindBitmask {
			return nil, errors.Errorf("register %s: bits defined on non-bitmask register", name)
		}
		maxBit := int(s.Count)*16 - 1
		s.Bits = make(map[int]BitSpec, len(j.Bits))
		for key, desc := range j.Bits {
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx > maxBit {
				return nil, errors.Errorf("register %s: bad bit index %q", name, key)
			}
			s.Bits[idx] = parseBitSpec(desc)
		}
	}

	return s, nil
}
