package regmap

import (
	"embed"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"pms-go/types"
)

//go:embed maps/*.json
var mapFS embed.FS

var (
	cacheMu sync.Mutex
	cache   = map[types.DeviceType]*Map{}
)

// ForType returns the built-in register map for a device type. Maps
// are parsed once and shared; they are immutable after load.
func ForType(t types.DeviceType) (*Map, error) {
	if !t.Valid() {
		return nil, errors.Errorf("register map: unknown device type %q", t)
	}
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if m, ok := cache[t]; ok {
		return m, nil
	}
	data, err := mapFS.ReadFile("maps/" + strings.ToLower(string(t)) + ".json")
	if err != nil {
		return nil, errors.Wrapf(err, "register map for %s", t)
	}
	m, err := Parse(data, t)
	if err != nil {
		return nil, err
	}
	cache[t] = m
	return m, nil
}

// LoadFile parses a register map from disk, for site-specific
// overrides of the built-in maps.
func LoadFile(path string, t types.DeviceType) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "register map %s", path)
	}
	m, err := Parse(data, t)
	if err != nil {
		return nil, errors.Wrapf(err, "register map %s", path)
	}
	return m, nil
}

// Resolve picks the map for a device type, preferring
// <dir>/<type>.json when dir is set and the file exists.
func Resolve(dir string, t types.DeviceType) (*Map, error) {
	if dir != "" {
		path := filepath.Join(dir, strings.ToLower(string(t))+".json")
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path, t)
		}
	}
	return ForType(t)
}
