package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReportsUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().Add(-time.Second)
	got := clk.Now()
	after := time.Now().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after), "%v not within [%v, %v]", got, before, after)
}

func TestNewInUsesPoolTimezone(t *testing.T) {
	t.Parallel()

	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	clk := NewIn(chicago)
	assert.Equal(t, chicago, clk.Location())
	got := clk.Now()
	assert.Equal(t, chicago, got.Location())

	// Midnight in the pool timezone is not midnight UTC.
	y, m, d := got.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, chicago)
	assert.NotEqual(t, 0, midnight.UTC().Hour())
}

func TestNewInNilFallsBackToUTC(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.UTC, NewIn(nil).Location())
}

func TestNowIsMonotonic(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	assert.False(t, clk.Now().Before(first))
}
