package entitle

import (
	"testing"
	"time"
)

func TestCurrentCycle(t *testing.T) {
	// Anniversary on the 10th
	start := time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "In first month",
			now:       time.Date(2023, 1, 15, 12, 0, 0, 0, time.UTC),
			wantStart: time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2023, 2, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "Exactly on boundary",
			now:       time.Date(2023, 2, 10, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2023, 2, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2023, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "Just before boundary",
			now:       time.Date(2023, 2, 9, 23, 59, 59, 0, time.UTC),
			wantStart: time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2023, 2, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "Crosses year boundary",
			now:       time.Date(2023, 12, 25, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2023, 12, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "Several years later",
			now:       time.Date(2026, 7, 3, 8, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "Future start (skew)",
			now:       time.Date(2022, 12, 21, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2023, 2, 10, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CurrentCycle(start, tt.now)
			if !got.Start.Equal(tt.wantStart) {
				t.Errorf("start: got %v, want %v", got.Start, tt.wantStart)
			}
			if !got.End.Equal(tt.wantEnd) {
				t.Errorf("end: got %v, want %v", got.End, tt.wantEnd)
			}
		})
	}
}

func TestCurrentCycle_MonthEndClipping(t *testing.T) {
	start := time.Date(2024, 1, 31, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			now:       time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			now:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			now:       time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			now:       time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC),
			wantStart: time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		got := CurrentCycle(start, tt.now)
		if !got.Start.Equal(tt.wantStart) || !got.End.Equal(tt.wantEnd) {
			t.Errorf("now %v: got [%v, %v), want [%v, %v)",
				tt.now, got.Start, got.End, tt.wantStart, tt.wantEnd)
		}
	}
}

func TestCurrentCycle_NonUTCInput(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	// 2024-03-05 02:00 at +10 is 2024-03-04 16:00 UTC
	start := time.Date(2024, 3, 5, 2, 0, 0, 0, loc)

	got := CurrentCycle(start, time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))
	want := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	if !got.Start.Equal(want) {
		t.Errorf("start: got %v, want %v", got.Start, want)
	}
}
