package tasks

import (
	"context"
	"testing"
	"time"
)

func TestInterruptibleSemaphoreAcquireBlocksUntilRelease(t *testing.T) {
	s := NewInterruptibleSemaphore()
	done := make(chan bool, 1)
	go func() {
		acquired, err := s.Acquire(context.Background())
		if err != nil {
			t.Errorf("Acquire: %v", err)
		}
		done <- acquired
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned before any Release")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	select {
	case acquired := <-done:
		if !acquired {
			t.Fatal("Acquire returned false after Release")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire never returned after Release")
	}
}

func TestInterruptibleSemaphoreInterruptWakesWithoutAcquiring(t *testing.T) {
	s := NewInterruptibleSemaphore()
	done := make(chan bool, 1)
	go func() {
		acquired, _ := s.Acquire(context.Background())
		done <- acquired
	}()

	time.Sleep(20 * time.Millisecond)
	s.Interrupt()

	select {
	case acquired := <-done:
		if acquired {
			t.Fatal("Acquire reported true after a bare Interrupt")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire never returned after Interrupt")
	}
}

func TestInterruptibleSemaphoreAcquireRespectsContext(t *testing.T) {
	s := NewInterruptibleSemaphore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	acquired, err := s.Acquire(ctx)
	if acquired {
		t.Fatal("Acquire reported true with nothing ever released")
	}
	if err == nil {
		t.Fatal("expected a context deadline error")
	}
}

func TestInterruptibleSemaphoreAcquireReturnsImmediatelyWhenAlreadyPosted(t *testing.T) {
	s := NewInterruptibleSemaphore()
	s.Release()
	acquired, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected Acquire to succeed against an already-posted semaphore")
	}
}
