package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calview/internal/temporal"
)

func TestCompute(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, berlin)

	b, err := Compute([]MonthDay{{Month: 1, Day: 15}, {Month: 1, Day: 16}, {Month: 1, Day: 17}}, now, berlin)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), b.Start.Neutral)
	assert.Equal(t, time.Date(2024, 1, 17, 23, 59, 59, 0, time.UTC), b.End.Neutral)
	assert.True(t, b.Start.Local.Equal(time.Date(2024, 1, 14, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, berlin, b.End.Local.Location())
	assert.Equal(t, 23, b.End.Local.Hour())
}

func TestCompute_ExplicitYear(t *testing.T) {
	now := time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC)
	b, err := Compute([]MonthDay{{Month: 12, Day: 31}, {Month: 1, Day: 1, Year: 2025}}, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2024, b.Start.Local.Year())
	assert.Equal(t, 2025, b.End.Local.Year())
}

func TestCompute_Errors(t *testing.T) {
	_, err := Compute(nil, time.Now(), time.UTC)
	assert.ErrorIs(t, err, ErrNoDays)

	_, err = Compute([]MonthDay{{Month: 2, Day: 30}}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	assert.ErrorIs(t, err, temporal.ErrMalformedTime)
}

func TestSpan(t *testing.T) {
	days := Span(time.Date(2024, 2, 27, 18, 0, 0, 0, time.UTC), 4)
	assert.Equal(t, []MonthDay{
		{Month: 2, Day: 27, Year: 2024},
		{Month: 2, Day: 28, Year: 2024},
		{Month: 2, Day: 29, Year: 2024},
		{Month: 3, Day: 1, Year: 2024},
	}, days)
	assert.Empty(t, Span(time.Now(), 0))
}

func TestWeek(t *testing.T) {
	// Thursday.
	now := time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)

	mon := Week(now, time.Monday)
	require.Len(t, mon, 7)
	assert.Equal(t, MonthDay{Month: 1, Day: 1, Year: 2024}, mon[0])
	assert.Equal(t, MonthDay{Month: 1, Day: 7, Year: 2024}, mon[6])

	sun := Week(now, time.Sunday)
	assert.Equal(t, MonthDay{Month: 12, Day: 31, Year: 2023}, sun[0])
}

func TestTracker(t *testing.T) {
	tr := NewTracker(time.UTC)
	_, ok := tr.Boundary()
	assert.False(t, ok)

	require.NoError(t, tr.SetNow(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, uint64(0), tr.Revision())

	require.NoError(t, tr.SetDays([]MonthDay{{Month: 1, Day: 10}}))
	b, ok := tr.Boundary()
	require.True(t, ok)
	assert.Equal(t, 10, b.Start.Local.Day())
	assert.Equal(t, uint64(1), tr.Revision())

	// Same day, same list: nothing to do.
	require.NoError(t, tr.SetNow(time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC)))
	require.NoError(t, tr.SetDays([]MonthDay{{Month: 1, Day: 10}}))
	assert.Equal(t, uint64(1), tr.Revision())

	// Rolling into a new year moves year-less days.
	require.NoError(t, tr.SetNow(time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)))
	b, _ = tr.Boundary()
	assert.Equal(t, 2025, b.Start.Local.Year())
	assert.Equal(t, uint64(2), tr.Revision())

	assert.Error(t, tr.SetDays(nil))
	_, ok = tr.Boundary()
	assert.False(t, ok)
}
