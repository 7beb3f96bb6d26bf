package debug_test

import (
	"testing"

	"github.com/tinyrange/sel4vm/internal/debug"
)

func TestRingCapturesEvents(t *testing.T) {
	ring := debug.NewRing(2)
	debug.Open(ring)
	defer debug.Open(nil)

	debug.Writef("test.source", "hello %d", 1)
	debug.Writef("test.source", "hello %d", 2)
	debug.Writef("test.source", "hello %d", 3)

	events := ring.Events()
	if len(events) != 2 {
		t.Fatalf("expected ring to cap at 2 events, got %d", len(events))
	}
	if events[0].Message != "hello 2" || events[1].Message != "hello 3" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestWritefNoopWithoutSink(t *testing.T) {
	debug.Open(nil)
	// Must not panic when no sink is installed.
	debug.Writef("test.source", "dropped")
}
