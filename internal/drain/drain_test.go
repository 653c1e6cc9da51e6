package drain

import (
	"testing"
	"time"
)

func TestWaitBlocksUntilTriggered(t *testing.T) {
	g := New()
	done := make(chan struct{})
	go func() {
		<-g.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Wait returned before Trigger was called")
	case <-time.After(20 * time.Millisecond):
	}

	g.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not unblock after Trigger")
	}
}

func TestResetArmsANewGeneration(t *testing.T) {
	g := New()
	g.Trigger()
	if !g.Triggered() {
		t.Fatalf("expected Triggered() true after Trigger")
	}

	g.Reset()
	if g.Triggered() {
		t.Fatalf("expected Triggered() false after Reset")
	}

	done := make(chan struct{})
	go func() {
		<-g.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Wait returned before the new generation was triggered")
	case <-time.After(20 * time.Millisecond):
	}

	g.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not unblock after re-Trigger")
	}
}

func TestTriggerIsIdempotent(t *testing.T) {
	g := New()
	g.Trigger()
	g.Trigger() // must not panic on double-close
	if !g.Triggered() {
		t.Fatalf("expected Triggered() true")
	}
}
