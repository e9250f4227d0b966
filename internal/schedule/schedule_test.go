package schedule

import (
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	s, err := Parse("0 9 * * *")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron {
		t.Errorf("expected kind cron, got %s", s.Kind)
	}
	if s.Expr != "0 9 * * *" {
		t.Errorf("expected expr '0 9 * * *', got %q", s.Expr)
	}
}

func TestParseInterval(t *testing.T) {
	s, err := Parse("@every 15m")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindInterval {
		t.Errorf("expected kind interval, got %s", s.Kind)
	}
	if s.Every != 15*time.Minute {
		t.Errorf("expected 15m, got %v", s.Every)
	}
}

func TestParseOnce(t *testing.T) {
	s, err := Parse("@at 2030-01-02T15:04:05Z")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindOnce {
		t.Errorf("expected kind once, got %s", s.Kind)
	}
	want := time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)
	if !s.At.Equal(want) {
		t.Errorf("expected %v, got %v", want, s.At)
	}
}

func TestParseTrimsWhitespace(t *testing.T) {
	s, err := Parse("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Expr != "*/5 * * * *" {
		t.Errorf("expected trimmed expr, got %q", s.Expr)
	}
	if s.String() != "*/5 * * * *" {
		t.Errorf("expected trimmed raw form, got %q", s.String())
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"not a cron",
		"@every soon",
		"@every 100ms",
		"@at tomorrow",
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestNextCron(t *testing.T) {
	s, err := Parse("* * * * *")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	now := time.Date(2026, 8, 25, 10, 30, 20, 0, time.UTC)
	next := s.Next(now)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if !next.After(now) {
		t.Error("expected next run after now")
	}
	if next.Sub(now) > time.Minute {
		t.Errorf("every-minute cron should fire within a minute, got %v", next.Sub(now))
	}
}

func TestNextInterval(t *testing.T) {
	s, err := Parse("@every 1h")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	next := s.Next(now)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if !next.Equal(now.Add(time.Hour)) {
		t.Errorf("expected %v, got %v", now.Add(time.Hour), next)
	}
}

func TestNextOnce(t *testing.T) {
	s, err := Parse("@at 2030-01-02T15:04:05Z")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	before := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)
	next := s.Next(before)
	if next == nil || !next.Equal(s.At) {
		t.Errorf("expected the one-shot time, got %v", next)
	}

	after := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
	if s.Next(after) != nil {
		t.Error("expected nil for a one-shot in the past")
	}
}

func TestNextShortcut(t *testing.T) {
	now := time.Now()
	if next := Next("@every 30s", now); next == nil {
		t.Error("expected next run for valid spec")
	}
	if next := Next("garbage", now); next != nil {
		t.Error("expected nil for invalid spec")
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"0 9 * * *", "cron 0 9 * * *"},
		{"@every 15m", "every 15m0s"},
		{"@at 2030-01-02T15:04:05Z", "once at Jan 2 15:04"},
	}
	for _, tc := range cases {
		s, err := Parse(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if got := s.Describe(); got != tc.want {
			t.Errorf("describe %q: expected %q, got %q", tc.raw, tc.want, got)
		}
	}
}
