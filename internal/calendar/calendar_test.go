package calendar

import (
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func microgreens() Profile {
	return Profile{{Name: "germination", Days: 3}, {Name: "growing", Days: 7}}
}

func TestProductionDateExample(t *testing.T) {
	delivery := New(2025, time.March, 20)

	assert.Equal(t, New(2025, time.March, 10), ProductionDate(delivery, microgreens()))

	transfers := StageTransfers(delivery, microgreens())
	require.Len(t, transfers, 2)
	assert.Equal(t, Transfer{Stage: "germination", Date: New(2025, time.March, 13)}, transfers[0])
	assert.Equal(t, Transfer{Stage: "growing", Date: delivery}, transfers[1])
}

func TestProductionDatePlusGrowthIsDelivery(t *testing.T) {
	profiles := []Profile{
		{{Name: "only", Days: 0}},
		{{Name: "soak", Days: 1}, {Name: "germination", Days: 0}, {Name: "growing", Days: 12}},
		{{Name: "blackout", Days: 4}, {Name: "light", Days: 400}},
	}
	start := New(2024, time.January, 1)
	for _, p := range profiles {
		for i := 0; i < 400; i += 13 {
			d := start.AddDays(i)
			got := ProductionDate(d, p).AddDays(p.TotalDays())
			assert.Equal(t, d, got, "profile %v delivery %s", p, d)
		}
	}
}

func TestStageTransfersMonotonic(t *testing.T) {
	p := Profile{{Name: "soak", Days: 1}, {Name: "dark", Days: 0}, {Name: "germination", Days: 2}, {Name: "growing", Days: 9}}
	delivery := New(2024, time.February, 28)

	transfers := StageTransfers(delivery, p)
	require.Len(t, transfers, len(p))
	prev := ProductionDate(delivery, p)
	for _, tr := range transfers {
		assert.False(t, tr.Date.Before(prev), "transfer %v goes backwards", tr)
		prev = tr.Date
	}
	assert.Equal(t, delivery, transfers[len(transfers)-1].Date)
	// zero-day stage collapses onto the previous boundary
	assert.Equal(t, transfers[0].Date, transfers[1].Date)
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"valid", microgreens(), false},
		{"zero day stage", Profile{{Name: "x", Days: 0}}, false},
		{"empty", Profile{}, true},
		{"negative", Profile{{Name: "x", Days: -1}}, true},
		{"unnamed", Profile{{Name: " ", Days: 2}}, true},
		{"duplicate", Profile{{Name: "x", Days: 1}, {Name: "x", Days: 2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseDateFormats(t *testing.T) {
	want := New(2025, time.June, 7)
	for _, in := range []string{
		"2025-06-07",
		"07.06.2025",
		"2025-06-07T23:30:00+02:00",
		"2025-06-07T00:15:00Z",
		" 2025-06-07 ",
		"2025-06-07 08:00:00",
	} {
		got, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDate("June 7th")
	assert.Error(t, err)
	_, err = ParseDate("")
	assert.Error(t, err)
}

func TestDateRoundTrip(t *testing.T) {
	d := New(2024, time.February, 29)

	parsed, err := ParseDate(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `"2024-02-29"`, string(b))
	var fromJSON Date
	require.NoError(t, json.Unmarshal(b, &fromJSON))
	assert.Equal(t, d, fromJSON)

	v, err := d.Value()
	require.NoError(t, err)
	for _, src := range []any{v, []byte(v.(string)), time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)} {
		var scanned Date
		require.NoError(t, scanned.Scan(src))
		assert.Equal(t, d, scanned)
	}
}

func TestZeroDate(t *testing.T) {
	var d Date
	assert.True(t, d.IsZero())
	assert.False(t, d.Valid())
	assert.Equal(t, "", d.String())

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	v, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, driver.Value(nil), v)

	require.NoError(t, d.Scan(nil))
	assert.True(t, d.IsZero())
}

func TestStartOfWeekAndDaysUntil(t *testing.T) {
	sunday := New(2025, time.March, 16)
	assert.Equal(t, New(2025, time.March, 10), sunday.StartOfWeek())
	monday := New(2025, time.March, 10)
	assert.Equal(t, monday, monday.StartOfWeek())

	assert.Equal(t, 6, monday.DaysUntil(sunday))
	assert.Equal(t, -6, sunday.DaysUntil(monday))
	assert.Equal(t, 365, New(2025, 1, 1).DaysUntil(New(2026, 1, 1)))
}
