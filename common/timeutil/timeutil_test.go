package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeDueDuration(t *testing.T) {
	ref := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	due, err := TimeDue("PT5S", ref)
	require.NoError(t, err)
	assert.Equal(t, ref.Add(5*time.Second), due)

	due, err = TimeDue("P1D", ref)
	require.NoError(t, err)
	assert.Equal(t, ref.AddDate(0, 0, 1), due)
}

func TestTimeDueCycle(t *testing.T) {
	ref := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	due, err := TimeDue("R3/PT10S", ref)
	require.NoError(t, err)
	assert.Equal(t, ref.Add(10*time.Second), due)
}

func TestTimeDueDate(t *testing.T) {
	ref := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	due, err := TimeDue("2024-06-01T00:00:00Z", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), due)
}

func TestTimeDueCron(t *testing.T) {
	ref := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	due, err := TimeDue("* * * * *", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC), due)
}

func TestTimeDueInvalid(t *testing.T) {
	_, err := TimeDue("nonsense spec", time.Now())
	assert.Error(t, err)

	_, err = TimeDue("", time.Now())
	assert.Error(t, err)
}

func TestRepeat(t *testing.T) {
	assert.Equal(t, 3, Repeat("R3/PT10S"))
	assert.Equal(t, InfiniteRepeat, Repeat("R/PT10S"))
	assert.Equal(t, 1, Repeat("PT10S"))
	assert.Equal(t, 1, Repeat("R"))
}
