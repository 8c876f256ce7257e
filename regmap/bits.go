package regmap

import (
	"regexp"
	"sort"
	"strings"

	"pms-go/types"
)

// BitSpec is one bit of a bitmask register with its interpretation
// pre-parsed from the description text.
type BitSpec struct {
	Desc  string // description with the state pattern stripped
	Clear string // phrase when the bit reads 0
	Set   string // phrase when the bit reads 1
}

// Device vendors embed bit semantics in free text, e.g.
// "Cell overvoltage [0: Normal / 1: Fault]". statePattern captures the
// two alternatives; unrecognised descriptions fall back to
// inactive/active at decode time.
var statePattern = regexp.MustCompile(`\[\s*([01])\s*:\s*([^/\]]+?)\s*/\s*([01])\s*:\s*([^\]]+?)\s*\]`)

const (
	fallbackClear = "inactive"
	fallbackSet   = "active"
)

func parseBitSpec(desc string) BitSpec {
	m := statePattern.FindStringSubmatchIndex(desc)
	if m == nil {
		return BitSpec{Desc: strings.TrimSpace(desc), Clear: fallbackClear, Set: fallbackSet}
	}
	sub := statePattern.FindStringSubmatch(desc)
	b := BitSpec{Desc: strings.TrimSpace(desc[:m[0]] + desc[m[1]:])}
	if sub[1] == "0" {
		b.Clear, b.Set = sub[2], sub[4]
	} else {
		b.Clear, b.Set = sub[4], sub[2]
	}
	return b
}

// DecodeBits expands a raw bitmask value into per-bit states. Only
// bits defined in the map are reported, in ascending bit order.
func (s *Spec) DecodeBits(raw int64) []types.BitState {
	if len(s.Bits) == 0 {
		return nil
	}
	idx := make([]int, 0, len(s.Bits))
	for i := range s.Bits {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]types.BitState, 0, len(idx))
	for _, i := range idx {
		spec := s.Bits[i]
		active := raw>>uint(i)&1 == 1
		status := spec.Clear
		if active {
			status = spec.Set
		}
		out = append(out, types.BitState{
			Bit:         i,
			Active:      active,
			Description: spec.Desc,
			Status:      status,
		})
	}
	return out
}

// ActiveCount reports how many defined bits are set in raw.
func (s *Spec) ActiveCount(raw int64) int {
	n := 0
	for i := range s.Bits {
		if raw>>uint(i)&1 == 1 {
			n++
		}
	}
	return n
}
