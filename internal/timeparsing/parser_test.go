package timeparsing

import (
	"errors"
	"testing"
	"time"
)

func TestParseCompactDuration(t *testing.T) {
	// Fixed reference time for deterministic tests
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{name: "+6h adds 6 hours", input: "+6h", want: time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)},
		{name: "no sign is forward", input: "1d", want: time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC)},
		{name: "-2w subtracts 2 weeks", input: "-2w", want: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		{name: "-3m subtracts 3 months", input: "-3m", want: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)},
		{name: "-1y subtracts 1 year", input: "-1y", want: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)},
		{name: "unknown unit", input: "5s", wantErr: true},
		{name: "missing amount", input: "+h", wantErr: true},
		{name: "spaces", input: "+ 6h", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseCompactDuration(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCompactDuration(%q) unexpected error: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseCompactDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseSince(t *testing.T) {
	// Wednesday
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{name: "compact counts back", input: "6h", want: time.Date(2025, 1, 15, 4, 0, 0, 0, time.UTC)},
		{name: "plus sign still counts back", input: "+2d", want: time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC)},
		{name: "rfc3339", input: "2025-01-10T08:30:00Z", want: time.Date(2025, 1, 10, 8, 30, 0, 0, time.UTC)},
		{name: "date is midnight", input: "2025-01-02", want: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{name: "surrounding space", input: "  1w ", want: time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSince(tt.input, now)
			if err != nil {
				t.Fatalf("ParseSince(%q) unexpected error: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseSince(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseSinceNaturalLanguage(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	got, err := ParseSince("yesterday", now)
	if err != nil {
		t.Fatalf("ParseSince(yesterday) unexpected error: %v", err)
	}
	if got.Year() != 2025 || got.Month() != time.January || got.Day() != 14 {
		t.Errorf("ParseSince(yesterday) = %v, want 2025-01-14", got)
	}
}

func TestParseSinceRejects(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	if _, err := ParseSince("2025-02-01", now); !errors.Is(err, ErrFuture) {
		t.Errorf("future date: got %v, want ErrFuture", err)
	}
	for _, in := range []string{"", "banana", "-"} {
		if _, err := ParseSince(in, now); err == nil {
			t.Errorf("ParseSince(%q) expected error", in)
		}
	}
}
