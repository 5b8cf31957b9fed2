package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunDrainsOnContextCancel(t *testing.T) {
	var drained, started, stopped atomic.Int32
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error {
		drained.Add(1)
		return nil
	}), Hooks{
		OnStart: func() { started.Add(1) },
		OnStop:  func() { stopped.Add(1) },
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never started, state %s", r.State())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop after run: %v", err)
	}
	if drained.Load() != 1 || started.Load() != 1 || stopped.Load() != 1 {
		t.Fatalf("expected one drain/start/stop, got %d %d %d", drained.Load(), started.Load(), stopped.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second run, got %v", err)
	}
}

func TestStopReportsDrainTimeout(t *testing.T) {
	r := NewLifecycleRunner(DrainerFunc(func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}), Hooks{}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestStopEndsRun(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{}, time.Second)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	for r.State() != StateRunning {
		time.Sleep(time.Millisecond)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after stop")
	}
}
