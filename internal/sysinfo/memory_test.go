package sysinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytes(t *testing.T) {
	m := fromBytes(8*gib, 2*gib)
	assert.InDelta(t, 8.0, m.TotalGB, 0.001)
	assert.InDelta(t, 6.0, m.UsedGB, 0.001)
	assert.InDelta(t, 75.0, m.Percent, 0.001)
	assert.True(t, m.Pressure(75))
	assert.False(t, m.Pressure(90))

	assert.Equal(t, Memory{}, fromBytes(0, 0))
	assert.InDelta(t, 0.0, fromBytes(4*gib, 8*gib).UsedGB, 0.001)
}

func TestReadMemory(t *testing.T) {
	m, err := ReadMemory()
	require.NoError(t, err)
	assert.Greater(t, m.TotalGB, 0.0)
	assert.GreaterOrEqual(t, m.Percent, 0.0)
	assert.LessOrEqual(t, m.Percent, 100.0)
}
