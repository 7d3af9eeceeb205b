package archive

import (
	"testing"
	"time"
)

func TestBatchWindowsSplitsIntoBatchWindowChunks(t *testing.T) {
	resume := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := resume.Add(65 * 24 * time.Hour)

	windows := batchWindows(resume, now)
	if len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(windows))
	}
	if !windows[0].Start.Equal(resume) {
		t.Fatalf("first window should start at resume, got %v", windows[0].Start)
	}
	if !windows[len(windows)-1].End.Equal(now) {
		t.Fatalf("last window should end at now, got %v", windows[len(windows)-1].End)
	}
	for i := 1; i < len(windows); i++ {
		if !windows[i].Start.Equal(windows[i-1].End) {
			t.Fatalf("window %d does not start where window %d ended", i, i-1)
		}
	}
}

func TestBatchWindowsEmptyWhenCaughtUp(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if windows := batchWindows(now, now); len(windows) != 0 {
		t.Fatalf("expected no windows when resume == now, got %d", len(windows))
	}
}

func TestRetryBackoffLinearCapped(t *testing.T) {
	b := newBackoffHelper(30*time.Second, 120*time.Second)
	want := []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second, 120 * time.Second, 120 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("Next() #%d = %v, want %v", i, got, w)
		}
	}
}
