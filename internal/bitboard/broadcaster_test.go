package bitboard

import (
	"testing"
	"time"
)

func TestSegmentBroadcaster_SubscribeSeedsCurrentValue(t *testing.T) {
	sb := newSegmentBroadcaster()

	var want [ChunkBytes]byte
	want[0] = 0x42
	sb.publish(want)

	ch, cancel := sb.subscribe()
	defer cancel()

	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("seeded value=%v, want=%v", got[:4], want[:4])
		}
	default:
		t.Fatal("subscribe did not seed the channel with the current value")
	}
}

func TestSegmentBroadcaster_PublishDeliversToAllSubscribers(t *testing.T) {
	sb := newSegmentBroadcaster()

	ch1, cancel1 := sb.subscribe()
	defer cancel1()

	ch2, cancel2 := sb.subscribe()
	defer cancel2()

	// Drain the zero-value seed from both.
	<-ch1
	<-ch2

	var v [ChunkBytes]byte
	v[1] = 7
	sb.publish(v)

	select {
	case got := <-ch1:
		if got != v {
			t.Fatalf("ch1 got=%v, want=%v", got[:4], v[:4])
		}
	case <-time.After(time.Second):
		t.Fatal("ch1 did not receive the publish")
	}

	select {
	case got := <-ch2:
		if got != v {
			t.Fatalf("ch2 got=%v, want=%v", got[:4], v[:4])
		}
	case <-time.After(time.Second):
		t.Fatal("ch2 did not receive the publish")
	}
}

// TestSegmentBroadcaster_LatchedChannelNeverQueues verifies that a
// subscriber who doesn't drain between publishes only ever sees the latest
// value, not a backlog of every intermediate one.
func TestSegmentBroadcaster_LatchedChannelNeverQueues(t *testing.T) {
	sb := newSegmentBroadcaster()

	ch, cancel := sb.subscribe()
	defer cancel()

	<-ch // drain seed

	for i := 0; i < 5; i++ {
		var v [ChunkBytes]byte
		v[0] = byte(i)
		sb.publish(v)
	}

	select {
	case got := <-ch:
		if got[0] != 4 {
			t.Fatalf("latched value byte=%d, want=%d (the last published)", got[0], 4)
		}
	default:
		t.Fatal("expected the latched channel to hold the latest publish")
	}

	select {
	case v := <-ch:
		t.Fatalf("expected exactly one queued value, got a second one: %v", v[:4])
	default:
	}
}

func TestSegmentBroadcaster_CancelUnsubscribes(t *testing.T) {
	sb := newSegmentBroadcaster()

	ch, cancel := sb.subscribe()
	<-ch // drain seed
	cancel()

	var v [ChunkBytes]byte
	v[0] = 1
	sb.publish(v)

	select {
	case got, ok := <-ch:
		if ok {
			t.Fatalf("cancelled subscriber should not receive further publishes, got %v", got[:4])
		}
	default:
	}
}

func TestSegmentBroadcaster_NotifyChangedCoalescesRepeatedSignals(t *testing.T) {
	sb := newSegmentBroadcaster()

	for i := 0; i < 10; i++ {
		sb.notifyChanged()
	}

	select {
	case <-sb.changed:
	default:
		t.Fatal("expected at least one pending notification")
	}

	select {
	case <-sb.changed:
		t.Fatal("expected repeated notifyChanged calls to coalesce into a single pending signal")
	default:
	}
}
