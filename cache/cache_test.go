package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pms-go/types"
)

func reading(ts time.Time) *types.Reading {
	return &types.Reading{
		DeviceName: "bms1",
		DeviceType: types.DeviceBMS,
		Timestamp:  ts,
		Processed: map[string]types.ProcessedField{
			"battery_soc": {Value: 75.0, Kind: types.KindValue},
		},
	}
}

func TestUpdateAndGet(t *testing.T) {
	s := New()

	_, ok := s.Get("bms1")
	assert.False(t, ok)
	assert.Nil(t, s.Reading("bms1"))

	now := time.Now()
	s.Update("bms1", reading(now))

	e, ok := s.Get("bms1")
	require.True(t, ok)
	assert.True(t, e.Connected)
	assert.Empty(t, e.LastError)
	assert.Equal(t, now, e.LastGood)

	soc, ok := e.Reading.Field("battery_soc")
	require.True(t, ok)
	assert.Equal(t, 75.0, soc)
}

func TestSetErrorKeepsStaleReading(t *testing.T) {
	s := New()
	s.Update("bms1", reading(time.Now()))
	s.SetError("bms1", "connection refused")

	e, ok := s.Get("bms1")
	require.True(t, ok)
	assert.False(t, e.Connected)
	assert.Equal(t, "connection refused", e.LastError)
	assert.NotNil(t, e.Reading)

	// A later successful poll clears the error.
	s.Update("bms1", reading(time.Now()))
	e, _ = s.Get("bms1")
	assert.True(t, e.Connected)
	assert.Empty(t, e.LastError)
}

func TestSetErrorOnUnknownDevice(t *testing.T) {
	s := New()
	s.SetError("ghost", "timeout")

	e, ok := s.Get("ghost")
	require.True(t, ok)
	assert.False(t, e.Connected)
	assert.Nil(t, e.Reading)
}

func TestIsFresh(t *testing.T) {
	s := New()
	assert.False(t, s.IsFresh("bms1", 0))

	s.Update("bms1", reading(time.Now()))
	assert.True(t, s.IsFresh("bms1", 0))
	assert.True(t, s.IsFresh("bms1", time.Minute))

	s.Update("bms1", reading(time.Now().Add(-10*time.Minute)))
	assert.False(t, s.IsFresh("bms1", 0), "older than the 300s default")
	assert.True(t, s.IsFresh("bms1", time.Hour))

	// An error alone does not change freshness; age does.
	s.Update("bms1", reading(time.Now()))
	s.SetError("bms1", "hiccup")
	assert.True(t, s.IsFresh("bms1", 0))
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.Update("bms1", reading(time.Now()))
	s.Update("pcs1", &types.Reading{DeviceName: "pcs1", DeviceType: types.DevicePCS, Timestamp: time.Now()})

	snap := s.Snapshot()
	require.Len(t, snap, 2)

	delete(snap, "bms1")
	_, ok := s.Get("bms1")
	assert.True(t, ok, "mutating the snapshot must not touch the store")
}
