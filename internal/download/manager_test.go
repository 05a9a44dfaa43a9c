package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warreth/OpenlibExtended-sub001/internal/mirror"
)

// fakeDiscoverer is a canned mirror source. When block is set it waits
// for release (or context cancellation) before answering, which lets
// tests hold a worker busy.
type fakeDiscoverer struct {
	mu      sync.Mutex
	mirrors []string
	err     error
	calls   int

	started chan struct{}
	block   chan struct{}
}

func (d *fakeDiscoverer) FetchMirrors(ctx context.Context, bookURL, donationKey string) ([]string, error) {
	d.mu.Lock()
	d.calls++
	mirrors := append([]string(nil), d.mirrors...)
	err := d.err
	started := d.started
	block := d.block
	d.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return mirrors, nil
}

func (d *fakeDiscoverer) set(mirrors []string, err error) {
	d.mu.Lock()
	d.mirrors = mirrors
	d.err = err
	d.mu.Unlock()
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := m.Snapshot(id)
		if !ok {
			t.Fatalf("task %s disappeared", id)
		}
		if snap.Status == want {
			return snap
		}
		if snap.Status.Terminal() && want != snap.Status {
			t.Fatalf("task settled at %q (error %q), want %q", snap.Status, snap.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := m.Snapshot(id)
	t.Fatalf("timed out waiting for %q, last status %q (error %q)", want, snap.Status, snap.Error)
	return Task{}
}

func contentServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManagerDownloadCompletes(t *testing.T) {
	content := []byte("the complete text of a very short book")
	srv := contentServer(t, content)
	disc := &fakeDiscoverer{mirrors: []string{srv.URL}}

	m := NewManager(disc, ManagerOptions{Workers: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	dest := filepath.Join(t.TempDir(), "book.epub")
	id, err := m.Enqueue(Request{
		Title:          "Short Book",
		BookURL:        "https://archive.example/md5/abc",
		ExpectedDigest: md5Hex(content),
		DestPath:       dest,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	snap := waitStatus(t, m, id, StatusCompleted)
	if snap.VerifyState != VerifySuccess {
		t.Fatalf("VerifyState = %q", snap.VerifyState)
	}
	if snap.Progress != 1 {
		t.Fatalf("Progress = %v", snap.Progress)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("artifact content = %q", got)
	}
}

func TestManagerSkipsDeadMirror(t *testing.T) {
	content := []byte("served by the second mirror")
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer dead.Close()
	good := contentServer(t, content)

	disc := &fakeDiscoverer{mirrors: []string{dead.URL, good.URL}}
	m := NewManager(disc, ManagerOptions{Workers: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	id, err := m.Enqueue(Request{
		BookURL:        "https://archive.example/md5/abc",
		ExpectedDigest: md5Hex(content),
		DestPath:       filepath.Join(t.TempDir(), "book.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	snap := waitStatus(t, m, id, StatusCompleted)
	if snap.MirrorURL != good.URL {
		t.Fatalf("committed mirror = %q, want %q", snap.MirrorURL, good.URL)
	}
	if snap.Error != "" {
		t.Fatalf("Error = %q on completed task", snap.Error)
	}
}

func TestManagerRetriesTransientThenSucceeds(t *testing.T) {
	content := []byte("eventually served")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "hiccup", http.StatusServiceUnavailable)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	disc := &fakeDiscoverer{mirrors: []string{srv.URL}}
	m := NewManager(disc, ManagerOptions{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	id, err := m.Enqueue(Request{
		BookURL:        "https://archive.example/md5/abc",
		ExpectedDigest: md5Hex(content),
		DestPath:       filepath.Join(t.TempDir(), "book.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitStatus(t, m, id, StatusCompleted)
	if got := hits.Load(); got != 3 {
		t.Fatalf("mirror hit %d times, want 3", got)
	}
}

func TestManagerAllMirrorsFailed(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer dead.Close()

	disc := &fakeDiscoverer{mirrors: []string{dead.URL, dead.URL + "/other"}}
	m := NewManager(disc, ManagerOptions{Workers: 1, MaxRetries: 0, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	id, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/abc",
		DestPath: filepath.Join(t.TempDir(), "book.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	snap := waitStatus(t, m, id, StatusFailed)
	if snap.ChallengeRequired {
		t.Fatal("plain mirror failure marked as challenge")
	}
	if snap.Error == "" {
		t.Fatal("failed task carries no error message")
	}
}

func TestManagerChallengeAndRestart(t *testing.T) {
	content := []byte("rescued after the interstitial")
	good := contentServer(t, content)

	challengeURL := "https://archive.example/account/verify"
	disc := &fakeDiscoverer{err: &mirror.ChallengeRequiredError{URL: challengeURL}}
	m := NewManager(disc, ManagerOptions{Workers: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	id, err := m.Enqueue(Request{
		BookURL:        "https://archive.example/md5/abc",
		ExpectedDigest: md5Hex(content),
		DestPath:       filepath.Join(t.TempDir(), "book.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	snap := waitStatus(t, m, id, StatusFailed)
	if !snap.ChallengeRequired {
		t.Fatal("ChallengeRequired not set")
	}
	if snap.MirrorURL != challengeURL {
		t.Fatalf("MirrorURL = %q, want challenge URL", snap.MirrorURL)
	}

	// Restart is gated on the challenge marker.
	if err := m.RestartWithMirrors(id, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("restart with empty list: err = %v", err)
	}
	if err := m.RestartWithMirrors(id, []string{good.URL}); err != nil {
		t.Fatalf("RestartWithMirrors: %v", err)
	}

	snap = waitStatus(t, m, id, StatusCompleted)
	if snap.ChallengeRequired {
		t.Fatal("ChallengeRequired survived recovery")
	}

	// A task that did not fail on a challenge cannot take this path.
	disc.set(nil, errors.New("instance unreachable"))
	id2, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/def",
		DestPath: filepath.Join(t.TempDir(), "other.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStatus(t, m, id2, StatusFailed)
	if err := m.RestartWithMirrors(id2, []string{good.URL}); !errors.Is(err, ErrNotChallenge) {
		t.Fatalf("restart of non-challenge failure: err = %v", err)
	}
}

func TestManagerRetryOnlyFromFailed(t *testing.T) {
	content := []byte("second attempt works")
	good := contentServer(t, content)

	disc := &fakeDiscoverer{err: errors.New("instance unreachable")}
	m := NewManager(disc, ManagerOptions{Workers: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	dest := filepath.Join(t.TempDir(), "book.epub")
	id, err := m.Enqueue(Request{
		BookURL:        "https://archive.example/md5/abc",
		ExpectedDigest: md5Hex(content),
		DestPath:       dest,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStatus(t, m, id, StatusFailed)

	disc.set([]string{good.URL}, nil)
	if err := m.Retry(id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitStatus(t, m, id, StatusCompleted)

	// Retry of a completed task is rejected.
	if err := m.Retry(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("retry of completed task: err = %v", err)
	}
	if err := m.Retry("no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("retry of unknown task: err = %v", err)
	}
}

func TestManagerChecksumMismatchFails(t *testing.T) {
	content := []byte("not what the catalog promised")
	srv := contentServer(t, content)

	disc := &fakeDiscoverer{mirrors: []string{srv.URL}}
	m := NewManager(disc, ManagerOptions{Workers: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	id, err := m.Enqueue(Request{
		BookURL:        "https://archive.example/md5/abc",
		ExpectedDigest: md5Hex([]byte("something else entirely")),
		DestPath:       filepath.Join(t.TempDir(), "book.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	snap := waitStatus(t, m, id, StatusFailed)
	if snap.VerifyState != VerifyFailed {
		t.Fatalf("VerifyState = %q, want %q", snap.VerifyState, VerifyFailed)
	}
	if snap.ChallengeRequired {
		t.Fatal("digest mismatch marked as challenge")
	}
}

func TestManagerPauseResume(t *testing.T) {
	content := []byte("0123456789abcdef")
	firstHalf := 6
	streaming := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write(content[:firstHalf])
			w.(http.Flusher).Flush()
			select {
			case streaming <- struct{}{}:
			default:
			}
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", firstHalf, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[firstHalf:])
	}))
	defer srv.Close()

	disc := &fakeDiscoverer{mirrors: []string{srv.URL}}
	m := NewManager(disc, ManagerOptions{Workers: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	dest := filepath.Join(t.TempDir(), "book.epub")
	id, err := m.Enqueue(Request{
		BookURL:        "https://archive.example/md5/abc",
		ExpectedDigest: md5Hex(content),
		DestPath:       dest,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitStatus(t, m, id, StatusDownloading)
	<-streaming

	if err := m.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	snap := waitStatus(t, m, id, StatusPaused)
	if snap.DownloadedBytes != int64(firstHalf) {
		t.Fatalf("paused with %d bytes, want %d", snap.DownloadedBytes, firstHalf)
	}

	// Pause is only valid while the task is moving.
	if err := m.Pause(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause of paused task: err = %v", err)
	}

	if err := m.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, m, id, StatusCompleted)

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("artifact content = %q, want %q", got, content)
	}
}

func TestManagerCancelQueuedAndActive(t *testing.T) {
	disc := &fakeDiscoverer{
		started: make(chan struct{}, 4),
		block:   make(chan struct{}),
	}
	m := NewManager(disc, ManagerOptions{Workers: 1, QueueCap: 4, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	dir := t.TempDir()
	active, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/active",
		DestPath: filepath.Join(dir, "active.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue active: %v", err)
	}
	<-disc.started // worker is now parked inside discovery

	queued, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/queued",
		DestPath: filepath.Join(dir, "queued.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue queued: %v", err)
	}

	// Cancel the one still in the queue. It finalizes immediately.
	if err := m.Cancel(queued); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	waitStatus(t, m, queued, StatusCancelled)

	// Cancel the in-flight one. The worker finalizes it cooperatively.
	if err := m.Cancel(active); err != nil {
		t.Fatalf("Cancel active: %v", err)
	}
	waitStatus(t, m, active, StatusCancelled)

	// Terminal tasks reject further cancellation.
	if err := m.Cancel(active); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel of cancelled task: err = %v", err)
	}
	close(disc.block)
}

func TestManagerCancelRemovesPartialFile(t *testing.T) {
	content := []byte("0123456789")
	streaming := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content[:4])
		w.(http.Flusher).Flush()
		select {
		case streaming <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	disc := &fakeDiscoverer{mirrors: []string{srv.URL}}
	m := NewManager(disc, ManagerOptions{Workers: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	dest := filepath.Join(t.TempDir(), "book.epub")
	id, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/abc",
		DestPath: dest,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitStatus(t, m, id, StatusDownloading)
	<-streaming

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitStatus(t, m, id, StatusCancelled)

	if _, err := os.Stat(dest); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial artifact still present: %v", err)
	}
}

func TestManagerQueueFull(t *testing.T) {
	disc := &fakeDiscoverer{
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	m := NewManager(disc, ManagerOptions{Workers: 1, QueueCap: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	dir := t.TempDir()
	if _, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/a",
		DestPath: filepath.Join(dir, "a.epub"),
	}); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	<-disc.started // worker busy; the channel slot is free again

	if _, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/b",
		DestPath: filepath.Join(dir, "b.epub"),
	}); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}

	_, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/c",
		DestPath: filepath.Join(dir, "c.epub"),
	})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(disc.block)
}

func TestManagerShuttingDownRejectsEnqueue(t *testing.T) {
	disc := &fakeDiscoverer{}
	m := NewManager(disc, ManagerOptions{Workers: 1})
	m.StopAccepting()

	_, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/a",
		DestPath: filepath.Join(t.TempDir(), "a.epub"),
	})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
	m.Shutdown()
}

func TestManagerSubscribeSeesProgress(t *testing.T) {
	content := []byte("enough bytes to produce at least one progress tick")
	srv := contentServer(t, content)

	// Hold discovery until the subscription is in place.
	disc := &fakeDiscoverer{mirrors: []string{srv.URL}, block: make(chan struct{})}
	m := NewManager(disc, ManagerOptions{Workers: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	id, err := m.Enqueue(Request{
		BookURL:        "https://archive.example/md5/abc",
		ExpectedDigest: md5Hex(content),
		DestPath:       filepath.Join(t.TempDir(), "book.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, ch, unsub, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()
	close(disc.block)

	var prevBytes int64
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.DownloadedBytes < prevBytes {
				t.Fatalf("downloaded bytes went backwards: %d -> %d", prevBytes, snap.DownloadedBytes)
			}
			prevBytes = snap.DownloadedBytes
			if snap.Status == StatusCompleted {
				return
			}
			if snap.Status == StatusFailed {
				t.Fatalf("task failed: %s", snap.Error)
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion event")
		}
	}
}

func TestManagerCancelDuringVerify(t *testing.T) {
	content := []byte("bytes worth checking twice")
	srv := contentServer(t, content)

	verifyStarted := make(chan struct{})
	verifyRelease := make(chan struct{})
	disc := &fakeDiscoverer{mirrors: []string{srv.URL}}
	m := NewManager(disc, ManagerOptions{
		Workers:    1,
		RetryDelay: time.Millisecond,
		Verify: func(path, expectedHex string) error {
			close(verifyStarted)
			<-verifyRelease
			return nil
		},
	})
	defer m.Shutdown()

	dest := filepath.Join(t.TempDir(), "book.epub")
	id, err := m.Enqueue(Request{
		BookURL:        "https://archive.example/md5/abc",
		ExpectedDigest: md5Hex(content),
		DestPath:       dest,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	<-verifyStarted
	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(verifyRelease)

	snap := waitStatus(t, m, id, StatusCancelled)
	if snap.VerifyState == VerifySuccess {
		t.Fatalf("VerifyState = %q on a cancelled task", snap.VerifyState)
	}
	if _, err := os.Stat(dest); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact kept after cancel: %v", err)
	}
}

func TestManagerCancelFailedRejected(t *testing.T) {
	disc := &fakeDiscoverer{err: errors.New("instance unreachable")}
	m := NewManager(disc, ManagerOptions{Workers: 1, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	id, err := m.Enqueue(Request{
		BookURL:  "https://archive.example/md5/abc",
		DestPath: filepath.Join(t.TempDir(), "book.epub"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	failed := waitStatus(t, m, id, StatusFailed)

	if err := m.Cancel(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel of failed task: err = %v", err)
	}
	after, _ := m.Snapshot(id)
	if after.Status != StatusFailed {
		t.Fatalf("Status = %q after rejected cancel", after.Status)
	}
	if after.Error != failed.Error {
		t.Fatalf("Error rewritten by rejected cancel: %q -> %q", failed.Error, after.Error)
	}
}

func TestManagerCancelNeverResurrects(t *testing.T) {
	disc := &fakeDiscoverer{err: errors.New("instance unreachable")}
	m := NewManager(disc, ManagerOptions{Workers: 2, QueueCap: 64, RetryDelay: time.Millisecond})
	defer m.Shutdown()

	dir := t.TempDir()
	for i := 0; i < 25; i++ {
		id, err := m.Enqueue(Request{
			BookURL:  "https://archive.example/md5/race",
			DestPath: filepath.Join(dir, fmt.Sprintf("race-%d.epub", i)),
		})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		cancelErr := m.Cancel(id)

		var final Task
		deadline := time.Now().Add(5 * time.Second)
		for {
			snap, ok := m.Snapshot(id)
			if !ok {
				t.Fatalf("task %d disappeared", i)
			}
			if snap.Status.Terminal() {
				final = snap
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("task %d never settled, status %q", i, snap.Status)
			}
			time.Sleep(time.Millisecond)
		}

		// An accepted cancel must win regardless of how the cancel
		// interleaved with the worker.
		if cancelErr == nil && final.Status != StatusCancelled {
			t.Fatalf("task %d settled %q after an accepted cancel", i, final.Status)
		}
		if cancelErr != nil && !errors.Is(cancelErr, ErrInvalidTransition) {
			t.Fatalf("task %d: Cancel: %v", i, cancelErr)
		}

		time.Sleep(2 * time.Millisecond)
		if snap, _ := m.Snapshot(id); snap.Status != final.Status {
			t.Fatalf("task %d moved %q -> %q after settling", i, final.Status, snap.Status)
		}
	}
}
