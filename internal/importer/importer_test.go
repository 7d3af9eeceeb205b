package importer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeImporter struct {
	runs *int32
	err  error
}

func (f fakeImporter) Run(ctx context.Context) error {
	atomic.AddInt32(f.runs, 1)
	return f.err
}

func TestSuperviseRestartsOnError(t *testing.T) {
	var runs int32
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Supervise(ctx, "test", func() Importer {
			return fakeImporter{runs: &runs, err: errors.New("boom")}
		}, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if atomic.LoadInt32(&runs) < 2 {
		t.Fatalf("expected at least 2 runs before cancellation, got %d", runs)
	}
}

func TestSuperviseExitsCleanlyOnNilReturn(t *testing.T) {
	var runs int32
	Supervise(context.Background(), "test", func() Importer {
		return fakeImporter{runs: &runs, err: nil}
	}, time.Hour)
	if runs != 1 {
		t.Fatalf("expected exactly one run, got %d", runs)
	}
}

func TestBackoffLinearGrowthCappedAtMax(t *testing.T) {
	b := newBackoff(30*time.Second, 150*time.Second)
	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		90 * time.Second,
		120 * time.Second,
		150 * time.Second,
		150 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("Next() #%d = %v, want %v", i, got, w)
		}
	}
}
