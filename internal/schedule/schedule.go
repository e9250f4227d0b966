// Package schedule parses recurrence specs for scheduled swarm runs.
// A spec is a plain string in one of three spellings:
//
//	"0 9 * * *"                 cron expression
//	"@every 15m"                fixed interval, Go duration syntax
//	"@at 2026-01-02T15:04:05Z"  one-shot, RFC 3339
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Spec struct {
	Kind  string
	Expr  string        // cron expression, KindCron only
	Every time.Duration // period, KindInterval only
	At    time.Time     // moment, KindOnce only

	raw string
}

// Parse validates a schedule string. The returned spec keeps the
// trimmed input for storage; store the String() form, not the original.
func Parse(raw string) (*Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("parse interval: %w", err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("interval must be at least 1s")
		}
		return &Spec{Kind: KindInterval, Every: d, raw: raw}, nil
	}

	if rest, ok := strings.CutPrefix(raw, "@at "); ok {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("parse one-shot time: %w", err)
		}
		return &Spec{Kind: KindOnce, At: at, raw: raw}, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid cron expression %q", raw)
	}
	return &Spec{Kind: KindCron, Expr: raw, raw: raw}, nil
}

// Next returns the first trigger time after now, or nil when the spec
// will never fire again (a one-shot in the past).
func (s *Spec) Next(now time.Time) *time.Time {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.Expr, now, false)
		if err != nil {
			return nil
		}
		return &next
	case KindInterval:
		next := now.Add(s.Every)
		return &next
	case KindOnce:
		if s.At.After(now) {
			at := s.At
			return &at
		}
	}
	return nil
}

// String returns the normalized spec text as stored.
func (s *Spec) String() string {
	return s.raw
}

// Describe renders the spec for listings.
func (s *Spec) Describe() string {
	switch s.Kind {
	case KindCron:
		return "cron " + s.Expr
	case KindInterval:
		return "every " + s.Every.String()
	case KindOnce:
		return "once at " + s.At.Format("Jan 2 15:04")
	}
	return s.raw
}

// Next is the store-facing shortcut: parse and compute in one step.
// Invalid specs yield nil, matching a never-firing schedule.
func Next(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	return s.Next(now)
}
