package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calview/internal/model"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestWireToZoned(t *testing.T) {
	berlin := mustLoad(t, "Europe/Berlin")

	got, err := WireToZoned(model.WireTime{Year: 2024, Month: 1, Day: 15, Hour: 8}, nil, berlin)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, berlin, got.Location())
	assert.True(t, got.Equal(time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)))

	// Summer time shifts by two hours.
	got, err = WireToZoned(model.WireTime{Year: 2024, Month: 7, Day: 1, Hour: 23, Minute: 30}, time.UTC, berlin)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Day())
	assert.Equal(t, 1, got.Hour())
	assert.Equal(t, 30, got.Minute())
}

func TestWireToZoned_Malformed(t *testing.T) {
	tests := []struct {
		name string
		wire model.WireTime
	}{
		{"month 13", model.WireTime{Year: 2024, Month: 13, Day: 1}},
		{"month 0", model.WireTime{Year: 2024, Month: 0, Day: 1}},
		{"day 32", model.WireTime{Year: 2024, Month: 1, Day: 32}},
		{"feb 30", model.WireTime{Year: 2024, Month: 2, Day: 30}},
		{"feb 29 non leap", model.WireTime{Year: 2023, Month: 2, Day: 29}},
		{"hour 24", model.WireTime{Year: 2024, Month: 1, Day: 1, Hour: 24}},
		{"second 60", model.WireTime{Year: 2024, Month: 1, Day: 1, Second: 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WireToZoned(tt.wire, nil, time.UTC)
			assert.ErrorIs(t, err, ErrMalformedTime)
		})
	}

	_, err := WireToZoned(model.WireTime{Year: 2024, Month: 2, Day: 29}, nil, time.UTC)
	assert.NoError(t, err)
}

func TestZonedToWire(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	zoned := time.Date(2024, 3, 10, 7, 15, 42, 999_000_000, tokyo)

	assert.Equal(t,
		model.WireTime{Year: 2024, Month: 3, Day: 9, Hour: 22, Minute: 15, Second: 42},
		ZonedToWire(zoned, nil))
	assert.Equal(t,
		model.WireTime{Year: 2024, Month: 3, Day: 10, Hour: 7, Minute: 15, Second: 42},
		ZonedToWire(zoned, tokyo))
}

func TestRoundTrip(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	wire := model.WireTime{Year: 2025, Month: 11, Day: 2, Hour: 5, Minute: 59, Second: 1}

	zoned, err := WireToZoned(wire, nil, ny)
	require.NoError(t, err)
	assert.Equal(t, wire, ZonedToWire(zoned, nil))
}

func TestFloatingAnchor(t *testing.T) {
	berlin := mustLoad(t, "Europe/Berlin")
	zoned := time.Date(2024, 6, 3, 9, 30, 0, 0, berlin)

	f := Floating(zoned)
	assert.Equal(t, time.UTC, f.Location())
	assert.Equal(t, 9, f.Hour())

	back := Anchor(f, berlin)
	assert.True(t, back.Equal(zoned))

	// Wall clock survives a DST change between the two dates.
	winter := Anchor(time.Date(2024, 12, 2, 9, 30, 0, 0, time.UTC), berlin)
	assert.Equal(t, 9, winter.Hour())
}

func TestDateOnlyAndSameDate(t *testing.T) {
	d := DateOnly(model.WireTime{Year: 2024, Month: 5, Day: 6, Hour: 10})
	assert.Equal(t, model.WireTime{Year: 2024, Month: 5, Day: 6, IsDate: true}, d)

	assert.True(t, SameDate(time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 6, 23, 59, 0, 0, time.UTC)))
	assert.False(t, SameDate(time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 7, 0, 0, 0, 0, time.UTC)))
}

func TestFormatOffset(t *testing.T) {
	at := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "GMT+1", FormatOffset(at, mustLoad(t, "Europe/Berlin")))
	assert.Equal(t, "GMT-3:30", FormatOffset(at, mustLoad(t, "America/St_Johns")))
	assert.Equal(t, "GMT+0", FormatOffset(at, time.UTC))
}
