package cleanup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadScore(t *testing.T) {
	tests := []struct {
		name string
		in   LoadInputs
		want float64
	}{
		{name: "idle", in: LoadInputs{MaxConnections: 100, MaxChannels: 10}, want: 0},
		{name: "connections only", in: LoadInputs{ActiveConnections: 50, MaxConnections: 100}, want: 20},
		{name: "memory only", in: LoadInputs{MemoryPercent: 50}, want: 15},
		{name: "cpu only", in: LoadInputs{CPUPercent: 50}, want: 10},
		{name: "channels only", in: LoadInputs{Channels: 5, MaxChannels: 10}, want: 5},
		{name: "saturated", in: LoadInputs{ActiveConnections: 100, MaxConnections: 100, Channels: 10, MaxChannels: 10, CPUPercent: 100, MemoryPercent: 100}, want: 100},
		{name: "clamped", in: LoadInputs{ActiveConnections: 500, MaxConnections: 100, Channels: 90, MaxChannels: 10, CPUPercent: 250, MemoryPercent: -5}, want: 40 + 20 + 10},
		{name: "zero maxima", in: LoadInputs{ActiveConnections: 5, Channels: 5}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, LoadScore(tt.in), 0.0001)
		})
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{0, LevelLow},
		{29, LevelLow},
		{29.99, LevelLow},
		{30, LevelMedium},
		{59, LevelMedium},
		{60, LevelHigh},
		{79, LevelHigh},
		{80, LevelEmergency},
		{100, LevelEmergency},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score), "score %v", tt.score)
	}
}

func TestIntervalFor(t *testing.T) {
	assert.Equal(t, 300*time.Second, IntervalFor(LevelLow, 10))
	assert.Equal(t, 120*time.Second, IntervalFor(LevelMedium, 45))
	assert.Equal(t, 60*time.Second, IntervalFor(LevelHigh, 65))
	assert.Equal(t, 30*time.Second, IntervalFor(LevelHigh, 70))
	assert.Equal(t, 5*time.Second, IntervalFor(LevelEmergency, 95))
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "low", LevelLow.String())
	assert.Equal(t, "medium", LevelMedium.String())
	assert.Equal(t, "high", LevelHigh.String())
	assert.Equal(t, "emergency", LevelEmergency.String())
	assert.Equal(t, "unknown", Level(9).String())
}
