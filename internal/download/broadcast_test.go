package download

import (
	"testing"
	"time"
)

func recvTask(t *testing.T, ch <-chan Task) Task {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Task{}
	}
}

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe("t1", 4)
	defer unsub()

	b.Publish(Task{ID: "t1", Status: StatusQueued})
	b.Publish(Task{ID: "t1", Status: StatusDownloading})

	if got := recvTask(t, ch).Status; got != StatusQueued {
		t.Fatalf("first snapshot status = %q", got)
	}
	if got := recvTask(t, ch).Status; got != StatusDownloading {
		t.Fatalf("second snapshot status = %q", got)
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe("t1", 4)
	unsub()

	b.Publish(Task{ID: "t1", Status: StatusQueued})

	select {
	case snap, ok := <-ch:
		if ok {
			t.Fatalf("received %q after unsubscribe", snap.Status)
		}
	default:
	}
}

func TestBroadcasterSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe("t1", 2)
	defer unsub()

	b.Publish(Task{ID: "t1", DownloadedBytes: 1})
	b.Publish(Task{ID: "t1", DownloadedBytes: 2})
	b.Publish(Task{ID: "t1", DownloadedBytes: 3})

	// The oldest pending snapshot was sacrificed; the newest survived.
	first := recvTask(t, ch)
	second := recvTask(t, ch)
	if first.DownloadedBytes != 2 || second.DownloadedBytes != 3 {
		t.Fatalf("got %d then %d, want 2 then 3", first.DownloadedBytes, second.DownloadedBytes)
	}
}

func TestBroadcasterIsolatesTasks(t *testing.T) {
	b := NewBroadcaster()
	ch1, unsub1 := b.Subscribe("t1", 4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe("t2", 4)
	defer unsub2()

	b.Publish(Task{ID: "t1", Status: StatusCompleted})

	if got := recvTask(t, ch1).ID; got != "t1" {
		t.Fatalf("subscriber 1 got task %q", got)
	}
	select {
	case snap := <-ch2:
		t.Fatalf("subscriber for t2 received %q", snap.ID)
	default:
	}
}
