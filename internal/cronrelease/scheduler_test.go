package cronrelease

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neuralcollective/borg/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "borg.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type countingDriver struct {
	calls atomic.Int32
	err   error
}

func (d *countingDriver) TriggerRelease(ctx context.Context) error {
	d.calls.Add(1)
	return d.err
}

func TestContinuousModeFiresEveryTick(t *testing.T) {
	st := openTestStore(t)
	driver := &countingDriver{}
	s := New(Config{Store: st, Driver: driver, Tick: 10 * time.Millisecond, Continuous: true})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(45 * time.Millisecond)
	cancel()
	s.Stop()

	if n := driver.calls.Load(); n < 2 {
		t.Fatalf("calls = %d, want at least 2", n)
	}
}

func TestGatedModeFiresOnceThenWaitsForInterval(t *testing.T) {
	st := openTestStore(t)
	driver := &countingDriver{}
	s := New(Config{Store: st, Driver: driver, Tick: 10 * time.Millisecond, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(45 * time.Millisecond)
	cancel()
	s.Stop()

	if n := driver.calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want exactly 1 (gated by a 1h interval)", n)
	}
}

func TestDueReadsLastReleaseFromKV(t *testing.T) {
	st := openTestStore(t)
	s := New(Config{Store: st, Driver: &countingDriver{}, Interval: time.Hour})
	ctx := context.Background()

	if !s.due(ctx) {
		t.Fatal("expected due with no prior release recorded")
	}

	s.recordFired(ctx)
	if s.due(ctx) {
		t.Fatal("expected not due immediately after recording a release")
	}
}
