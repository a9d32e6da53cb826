package flow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimer_PastInstantReturnsImmediately(t *testing.T) {
	timer := NewTimer()
	if err := timer.WaitUntil(context.Background(), "x", time.Now().Add(-time.Minute), "past"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(timer.ListActive()) != 0 {
		t.Error("expected no active timers")
	}
}

func TestTimer_WaitElapses(t *testing.T) {
	timer := NewTimer()
	start := time.Now()
	if err := timer.WaitUntil(context.Background(), "x", start.Add(20*time.Millisecond), "short"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("wait returned early")
	}
}

func TestTimer_ListAndStop(t *testing.T) {
	timer := NewTimer()
	done := make(chan error, 1)
	go func() {
		done <- timer.WaitUntil(context.Background(), "lead-1/f/0", time.Now().Add(time.Hour), "lead lead-1 step 0")
	}()

	deadline := time.Now().Add(time.Second)
	for len(timer.ListActive()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("wait never registered")
		}
		time.Sleep(time.Millisecond)
	}

	info, ok := timer.GetTimer("lead-1/f/0")
	if !ok {
		t.Fatal("expected timer to be found")
	}
	if info.Description != "lead lead-1 step 0" {
		t.Errorf("unexpected description %q", info.Description)
	}

	timer.Stop()
	select {
	case err := <-done:
		if !errors.Is(err, ErrTimerStopped) {
			t.Errorf("expected ErrTimerStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the wait")
	}
	if len(timer.ListActive()) != 0 {
		t.Error("expected no active timers after Stop")
	}
}

func TestTimer_ContextCancel(t *testing.T) {
	timer := NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := timer.WaitUntil(ctx, "x", time.Now().Add(time.Hour), "long")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if _, ok := timer.GetTimer("x"); ok {
		t.Error("canceled wait must be unregistered")
	}
}
