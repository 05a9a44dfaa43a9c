package download

import (
	"errors"
	"testing"
)

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewTaskRegistry(0)

	created, err := r.Create("t1", Request{
		Title:   "Some Book",
		BookURL: "https://example.org/md5/abc",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != StatusQueued {
		t.Fatalf("new task status = %q, want %q", created.Status, StatusQueued)
	}

	got, ok := r.Get("t1")
	if !ok {
		t.Fatal("Get: task not found")
	}
	if got.Title != "Some Book" {
		t.Fatalf("Title = %q", got.Title)
	}

	// Returned values are copies; mutating them must not leak back.
	got.Title = "mutated"
	again, _ := r.Get("t1")
	if again.Title != "Some Book" {
		t.Fatal("Get returned a live reference, not a copy")
	}
}

func TestRegistryCreateDuplicate(t *testing.T) {
	r := NewTaskRegistry(0)
	if _, err := r.Create("t1", Request{BookURL: "u"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("t1", Request{BookURL: "u"}); err == nil {
		t.Fatal("duplicate Create succeeded")
	}
}

func TestRegistryUpdateNotFound(t *testing.T) {
	r := NewTaskRegistry(0)
	_, err := r.Update("missing", func(t *Task) {})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestRegistrySetProgressMonotonic(t *testing.T) {
	r := NewTaskRegistry(0)
	if _, err := r.Create("t1", Request{BookURL: "u"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := r.SetProgress("t1", 50, 100); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	got, _ := r.Get("t1")
	if got.DownloadedBytes != 50 || got.Progress != 0.5 {
		t.Fatalf("after 50/100: downloaded=%d progress=%v", got.DownloadedBytes, got.Progress)
	}

	// A lower report must not move anything backwards.
	if _, err := r.SetProgress("t1", 20, 100); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	got, _ = r.Get("t1")
	if got.DownloadedBytes != 50 || got.Progress != 0.5 {
		t.Fatalf("regressed: downloaded=%d progress=%v", got.DownloadedBytes, got.Progress)
	}

	// Overshoot clamps to the total.
	if _, err := r.SetProgress("t1", 150, 100); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	got, _ = r.Get("t1")
	if got.DownloadedBytes != 100 || got.Progress != 1 {
		t.Fatalf("after overshoot: downloaded=%d progress=%v", got.DownloadedBytes, got.Progress)
	}
}

func TestRegistrySnapshotAndDelete(t *testing.T) {
	r := NewTaskRegistry(0)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Create(id, Request{BookURL: "u"}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if n := len(r.Snapshot()); n != 3 {
		t.Fatalf("Snapshot len = %d, want 3", n)
	}
	if r.Size() != 3 {
		t.Fatalf("Size = %d, want 3", r.Size())
	}

	if !r.Delete("b") {
		t.Fatal("Delete existing returned false")
	}
	if r.Delete("b") {
		t.Fatal("Delete missing returned true")
	}
	if r.Size() != 2 {
		t.Fatalf("Size after delete = %d, want 2", r.Size())
	}
}
