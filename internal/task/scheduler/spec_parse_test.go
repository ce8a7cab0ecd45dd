package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "with seconds", raw: "*/10 * * * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every", raw: "every:1m30s", kind: SpecInterval, source: "duration", duration: 90 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			again, err := ParseSchedule(got.String())
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", got.String(), err)
			}
			if again.Kind != got.Kind || again.Every != got.Every || again.Cron != got.Cron {
				t.Fatalf("String() does not round trip: %q", got.String())
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "0s", "61 * * * *", "interval:-5m", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestNextActivation(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 17, 30, 0, time.UTC)

	every, err := ParseSchedule("15m")
	if err != nil {
		t.Fatal(err)
	}
	if got := every.Delay(now); got != 15*time.Minute {
		t.Fatalf("interval delay = %v", got)
	}

	quarter, err := ParseSchedule("CRON_TZ=UTC */15 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := quarter.Next(now), time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	if got := quarter.Delay(now); got != 12*time.Minute+30*time.Second {
		t.Fatalf("cron delay = %v", got)
	}
}

func TestParseHHMMDuration(t *testing.T) {
	t.Parallel()
	d, src, err := parseHHMMDuration("23:15")
	if err != nil {
		t.Fatalf("parseHHMMDuration error: %v", err)
	}
	if d != 23*time.Hour+15*time.Minute || src != "hhmm" {
		t.Fatalf("unexpected result: %v %s", d, src)
	}
	if _, _, err := parseHHMMDuration("00:00"); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
