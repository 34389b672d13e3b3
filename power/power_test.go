package power

import (
	"testing"
	"time"
)

// longRunningCommand is a cross-platform stand-in for caffeinate that
// blocks until killed, letting the refcounting tests run without macOS.
func longRunningCommand() (string, []string) {
	return "sleep", []string{"5"}
}

func TestCoordinatorRefcountsAcquireRelease(t *testing.T) {
	t.Parallel()
	c := New()
	c.Command, c.Args = longRunningCommand()

	if c.Held() {
		t.Fatal("expected no hold before first Acquire")
	}
	if err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Acquire(); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if !c.Held() {
		t.Fatal("expected a hold after Acquire")
	}

	c.Release()
	if !c.Held() {
		t.Fatal("expected hold to survive one Release out of two Acquires")
	}

	c.Release()
	if c.Held() {
		t.Fatal("expected no hold after matching Releases")
	}

	// Releasing past zero must not panic or go negative.
	c.Release()
	if c.Held() {
		t.Fatal("expected Held() == false after an extra Release")
	}

	time.Sleep(10 * time.Millisecond)
}

func TestCoordinatorAcquireErrorDoesNotIncrementCount(t *testing.T) {
	t.Parallel()
	c := New()
	c.Command = "mirrorcore-definitely-not-a-real-binary"

	if err := c.Acquire(); err == nil {
		t.Fatal("expected Acquire to fail for a nonexistent binary")
	}
	if c.Held() {
		t.Fatal("expected no hold after a failed Acquire")
	}
}
