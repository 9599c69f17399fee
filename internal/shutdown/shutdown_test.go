package shutdown

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestShutdownWithTimeout(t *testing.T) {
	s := New(zerolog.Nop())

	quickCompleted := false
	slowCompleted := false

	s.Hook("quick", func() {
		time.Sleep(50 * time.Millisecond)
		quickCompleted = true
	}, 1*time.Second)

	s.Hook("slow", func() {
		time.Sleep(2 * time.Second)
		slowCompleted = true
	}, 100*time.Millisecond)

	s.Trigger()

	if !quickCompleted {
		t.Error("quick callback should have completed")
	}
	if slowCompleted {
		t.Error("slow callback should not have completed before its timeout fired")
	}
}

func TestShutdownWithoutTimeout(t *testing.T) {
	s := New(zerolog.Nop())

	completed := false
	s.Hook("no-timeout", func() {
		time.Sleep(100 * time.Millisecond)
		completed = true
	}, 0)

	s.Trigger()

	if !completed {
		t.Error("callback without a timeout should have completed")
	}
}

func TestContextCanceledOnTrigger(t *testing.T) {
	s := New(zerolog.Nop())
	select {
	case <-s.Context().Done():
		t.Fatal("context should not be canceled before Trigger")
	default:
	}

	s.Trigger()

	select {
	case <-s.Context().Done():
	default:
		t.Fatal("context should be canceled after Trigger")
	}
}
