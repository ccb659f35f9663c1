package system

import (
	"testing"
	"time"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

var _ jobstats.Clock = (*Clock)(nil)

func TestNowIsCurrentUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	after := time.Now().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestNowConvertsForWorkingHours(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+8", 8*3600)
	now := New().Now()
	local := now.In(loc)
	if !local.Equal(now) {
		t.Fatalf("expected the same instant, got %v and %v", local, now)
	}
	if want := (now.Hour() + 8) % 24; local.Hour() != want {
		t.Fatalf("expected hour %d in UTC+8, got %d", want, local.Hour())
	}
}
