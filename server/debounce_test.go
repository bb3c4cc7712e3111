package server

import (
	"testing"
	"time"
)

func TestFatalErrorDebouncerSuppressesWithinWindow(t *testing.T) {
	d := newFatalErrorDebouncer(time.Minute)
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }

	ok, suppressed := d.allow()
	if !ok || suppressed != 0 {
		t.Fatalf("first call: got ok=%v suppressed=%d, want true/0", ok, suppressed)
	}

	now = now.Add(10 * time.Second)
	if ok, _ := d.allow(); ok {
		t.Fatalf("call within window should be suppressed")
	}
	now = now.Add(10 * time.Second)
	if ok, _ := d.allow(); ok {
		t.Fatalf("second call within window should be suppressed")
	}

	now = now.Add(time.Minute)
	ok, suppressed = d.allow()
	if !ok {
		t.Fatalf("call past window should be allowed")
	}
	if suppressed != 2 {
		t.Fatalf("expected 2 suppressed occurrences reported, got %d", suppressed)
	}
}

func TestFatalErrorDebouncerZeroWindowAlwaysAllows(t *testing.T) {
	d := newFatalErrorDebouncer(0)
	for i := 0; i < 3; i++ {
		ok, _ := d.allow()
		if !ok {
			t.Fatalf("zero window should never suppress, call %d was suppressed", i)
		}
	}
}
