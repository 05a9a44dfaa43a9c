package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/warreth/OpenlibExtended-sub001/internal/logging"
	"github.com/warreth/OpenlibExtended-sub001/internal/mirror"
	"github.com/warreth/OpenlibExtended-sub001/internal/verify"
)

// Discoverer resolves a book detail page into download candidates.
type Discoverer interface {
	FetchMirrors(ctx context.Context, bookURL, donationKey string) ([]string, error)
}

// Request describes one book to acquire. DestPath is supplied by the
// caller: the engine streams bytes there but does not decide layout.
type Request struct {
	Title          string
	Author         string
	BookURL        string
	ExpectedDigest string
	DestPath       string
}

type job struct {
	id    string
	token uint64
	// skipDiscovery jumps straight to the transfer stage using the
	// task's stored mirror list (resume and restart-with-mirrors).
	skipDiscovery bool
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Workers    int
	QueueCap   int
	MaxRetries int
	RetryDelay time.Duration

	// Client is used for mirror transfers.
	Client HTTPClient

	// DonationKey returns the user's donation key, or "".
	DonationKey func() string

	// Verify overrides the checksum verifier; used by tests.
	Verify func(path, expectedHex string) error
}

// Manager owns the task lifecycle: mirror discovery, candidate racing,
// streaming transfer, pause/resume/cancel and verification. It is the
// single writer of task state; everyone else sees snapshots.
type Manager struct {
	discoverer  Discoverer
	transfer    *Transfer
	verifyFn    func(path, expectedHex string) error
	donationKey func() string

	jobs    chan job
	wg      sync.WaitGroup
	closing atomic.Bool

	registry *TaskRegistry
	events   *Broadcaster

	maxRetries int
	retryDelay time.Duration

	runCtx    context.Context
	runCancel context.CancelFunc

	mu     sync.Mutex
	active map[string]context.CancelFunc
	// stopIntents records why an in-flight task context was cancelled:
	// paused vs cancelled. Read once by the worker that owns the task.
	stopIntents map[string]Status
}

// NewManager creates a download manager with a worker pool and a
// bounded queue.
func NewManager(discoverer Discoverer, opts ManagerOptions) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 64
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Verify == nil {
		opts.Verify = verify.File
	}
	if opts.DonationKey == nil {
		opts.DonationKey = func() string { return "" }
	}

	m := &Manager{
		discoverer:  discoverer,
		transfer:    NewTransfer(opts.Client),
		verifyFn:    opts.Verify,
		donationKey: opts.DonationKey,
		jobs:        make(chan job, opts.QueueCap),
		registry:    NewTaskRegistry(opts.QueueCap * 2),
		events:      NewBroadcaster(),
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
		active:      make(map[string]context.CancelFunc),
		stopIntents: make(map[string]Status),
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())

	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// StopAccepting stops queueing new tasks; Enqueue returns an error afterwards.
func (m *Manager) StopAccepting() {
	m.closing.Store(true)
}

// Shutdown cancels in-flight transfers and waits for workers to drain.
// Safe to call multiple times after StopAccepting.
func (m *Manager) Shutdown() {
	m.closing.Store(true)
	m.runCancel()
	close(m.jobs)
	m.wg.Wait()
}

// Enqueue admits a new task and returns its id. Excess tasks beyond the
// queue capacity are rejected with ErrQueueFull.
func (m *Manager) Enqueue(req Request) (string, error) {
	if m.closing.Load() {
		return "", ErrShuttingDown
	}
	if req.BookURL == "" {
		return "", errors.New("empty book url")
	}
	if req.DestPath == "" {
		return "", errors.New("empty destination path")
	}

	id := uuid.NewString()
	t, err := m.registry.Create(id, req)
	if err != nil {
		return "", err
	}
	m.publish(t)

	select {
	case m.jobs <- job{id: id}:
		return id, nil
	default:
		// queue full; remove the entry we just added
		m.registry.Delete(id)
		return "", ErrQueueFull
	}
}

// Snapshot returns a copy of one task.
func (m *Manager) Snapshot(id string) (Task, bool) {
	return m.registry.Get(id)
}

// SnapshotAll returns copies of every task.
func (m *Manager) SnapshotAll() []Task {
	return m.registry.Snapshot()
}

// Subscribe returns the current snapshot of a task plus a channel of
// subsequent snapshots. New subscribers receive no history. The
// unsubscribe function must be called to avoid leaks.
func (m *Manager) Subscribe(id string) (Task, <-chan Task, func(), error) {
	t, ok := m.registry.Get(id)
	if !ok {
		return Task{}, nil, nil, ErrTaskNotFound
	}
	ch, unsub := m.events.Subscribe(id, 16)
	return t, ch, unsub, nil
}

// Pause halts an active transfer, retaining partial bytes and a
// resumable offset when the mirror supports ranged requests. A task
// still parked in the queue pauses immediately.
func (m *Manager) Pause(id string) error {
	t, ok := m.registry.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	switch t.Status {
	case StatusDownloading:
		m.mu.Lock()
		cancel, running := m.active[id]
		if running {
			if cur, ok := m.registry.Get(id); !ok || cur.Status != StatusDownloading {
				m.mu.Unlock()
				return ErrInvalidTransition
			}
			m.stopIntents[id] = StatusPaused
			cancel()
		}
		m.mu.Unlock()
		if !running {
			return ErrInvalidTransition
		}
		return nil
	case StatusQueued:
		m.mu.Lock()
		if _, running := m.active[id]; running {
			// A worker claimed the job between the snapshot and now.
			m.mu.Unlock()
			return ErrInvalidTransition
		}
		var paused bool
		snap, err := m.registry.Update(id, func(t *Task) {
			if t.Status != StatusQueued {
				return
			}
			paused = true
			t.queueToken++
			t.Status = StatusPaused
		})
		m.mu.Unlock()
		if err != nil {
			return err
		}
		if !paused {
			return ErrInvalidTransition
		}
		logging.LogTaskStateChange(id, snap.MirrorURL, string(StatusPaused))
		m.publish(snap)
		return nil
	default:
		return ErrInvalidTransition
	}
}

// Resume re-enters a paused task, continuing from the last committed
// offset when possible, else restarting the candidate list.
func (m *Manager) Resume(id string) error {
	var (
		token   uint64
		resumed bool
		mirrors int
	)
	snap, err := m.registry.Update(id, func(t *Task) {
		if t.Status != StatusPaused {
			return
		}
		resumed = true
		t.queueToken++
		token = t.queueToken
		t.Status = StatusQueued
		mirrors = len(t.mirrors)
	})
	if err != nil {
		return err
	}
	if !resumed {
		return ErrInvalidTransition
	}
	logging.LogTaskStateChange(id, snap.MirrorURL, string(StatusQueued))
	m.publish(snap)

	select {
	case m.jobs <- job{id: id, token: token, skipDiscovery: mirrors > 0}:
		return nil
	default:
		// Park it again; skip the revert if something else moved the
		// task in the meantime.
		snap, err := m.registry.Update(id, func(t *Task) {
			if t.Status == StatusQueued && t.queueToken == token {
				t.Status = StatusPaused
			}
		})
		if err == nil && snap.Status == StatusPaused {
			logging.LogTaskStateChange(id, snap.MirrorURL, string(StatusPaused))
			m.publish(snap)
		}
		return ErrQueueFull
	}
}

// Cancel aborts a task from any non-terminal state, discards the
// partial artifact and transitions to the terminal cancelled status.
// Cancellation of an in-flight transfer is cooperative: the abort lands
// at the next I/O checkpoint.
func (m *Manager) Cancel(id string) error {
	t, ok := m.registry.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	cancel, running := m.active[id]
	if running {
		// Re-read under the lock: terminal transitions hold it too, so
		// the task either settles after seeing this intent or we observe
		// that it already settled.
		if cur, ok := m.registry.Get(id); !ok || cur.Status.Terminal() {
			m.mu.Unlock()
			return ErrInvalidTransition
		}
		m.stopIntents[id] = StatusCancelled
		cancel()
		m.mu.Unlock()
		return nil
	}
	// Nothing in flight: invalidate the queued job while still holding
	// the lock so no worker can claim it, then finalize directly.
	m.invalidateQueued(id)
	m.mu.Unlock()

	if !m.finalizeCancel(id) {
		return ErrInvalidTransition
	}
	return nil
}

// Retry re-queues a failed task from scratch, re-entering the pipeline
// at mirror discovery. Only valid from the failed status.
func (m *Manager) Retry(id string) error {
	var (
		token   uint64
		retried bool
	)
	snap, err := m.registry.Update(id, func(t *Task) {
		if t.Status != StatusFailed {
			return
		}
		retried = true
		t.queueToken++
		token = t.queueToken
		t.Status = StatusQueued
		t.Error = ""
		t.ChallengeRequired = false
		t.MirrorURL = ""
		t.mirrors = nil
		t.mirrorIndex = 0
		t.resumeOffset = 0
		t.canResume = false
		t.DownloadedBytes = 0
		t.TotalBytes = 0
		t.Progress = 0
		t.VerifyState = VerifyNone
	})
	if err != nil {
		return err
	}
	if !retried {
		return ErrInvalidTransition
	}
	m.publish(snap)

	select {
	case m.jobs <- job{id: id, token: token}:
		return nil
	default:
		m.failTask(id, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// RestartWithMirrors is the recovery path for challenge-failed tasks:
// a human passed the interstitial out of band and produced fresh mirror
// URLs. The task skips discovery and re-enters candidate racing with
// exactly this list.
func (m *Manager) RestartWithMirrors(id string, mirrors []string) error {
	t, ok := m.registry.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != StatusFailed || !t.ChallengeRequired {
		return ErrNotChallenge
	}
	if len(mirrors) == 0 {
		return fmt.Errorf("%w: empty mirror list", ErrInvalidTransition)
	}

	var (
		token     uint64
		restarted bool
	)
	snap, err := m.registry.Update(id, func(t *Task) {
		if t.Status != StatusFailed || !t.ChallengeRequired {
			return
		}
		restarted = true
		t.queueToken++
		token = t.queueToken
		t.Status = StatusQueued
		t.Error = ""
		t.ChallengeRequired = false
		t.MirrorURL = ""
		t.mirrors = append([]string(nil), mirrors...)
		t.mirrorIndex = 0
		t.resumeOffset = 0
		t.canResume = false
		t.DownloadedBytes = 0
		t.TotalBytes = 0
		t.Progress = 0
		t.VerifyState = VerifyNone
	})
	if err != nil {
		return err
	}
	if !restarted {
		return ErrNotChallenge
	}
	m.publish(snap)

	select {
	case m.jobs <- job{id: id, token: token, skipDiscovery: true}:
		return nil
	default:
		m.failTask(id, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for j := range m.jobs {
		m.run(j)
	}
}

// run drives one task through discovery, candidate racing, transfer and
// verification. Every exit path lands in a valid terminal or
// recoverable status.
func (m *Manager) run(j job) {
	// Claiming the job is one critical section: the staleness check and
	// the active registration must not be separated, or a Cancel/Pause
	// landing between them would finalize a task this worker then
	// resurrects.
	m.mu.Lock()
	t, ok := m.registry.Get(j.id)
	if !ok || t.queueToken != j.token || t.Status != StatusQueued {
		m.mu.Unlock()
		return
	}
	// One context covers discovery and transfer; Pause/Cancel cancel it
	// and record their intent.
	tctx, cancel := context.WithCancel(m.runCtx)
	m.active[j.id] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, j.id)
		delete(m.stopIntents, j.id)
		m.mu.Unlock()
	}()

	if !j.skipDiscovery || len(t.mirrors) == 0 {
		if !m.discover(tctx, j.id) {
			return
		}
	} else {
		snap, err := m.registry.Update(j.id, func(t *Task) {
			t.Status = StatusDownloadingMirrors
		})
		if err != nil {
			return
		}
		logging.LogTaskStateChange(j.id, "", string(StatusDownloadingMirrors))
		m.publish(snap)
	}

	m.raceMirrors(tctx, j.id)
}

// discover runs mirror discovery for a task. It reports whether the
// pipeline should continue to the transfer stage.
func (m *Manager) discover(ctx context.Context, id string) bool {
	t, err := m.registry.Update(id, func(t *Task) {
		t.Status = StatusFetchingMirrors
	})
	if err != nil {
		return false
	}
	logging.LogTaskStateChange(id, "", string(StatusFetchingMirrors))
	m.publish(t)

	mirrors, ferr := m.discoverer.FetchMirrors(ctx, t.BookURL, m.donationKey())
	if ferr != nil {
		if ctx.Err() != nil {
			if m.cancelRequested(id) {
				m.finalizeCancel(id)
			}
			// No intent means engine shutdown; leave the task as-is.
			return false
		}
		var challenge *mirror.ChallengeRequiredError
		if errors.As(ferr, &challenge) {
			// Recoverable: the caller routes a human to the challenge
			// URL and feeds fresh mirrors back via RestartWithMirrors.
			snap, ok := m.settle(id, func(t *Task) {
				t.Status = StatusFailed
				t.Error = challenge.Error()
				t.ChallengeRequired = true
				t.MirrorURL = challenge.URL
			})
			if ok {
				logging.LogTaskError(id, "manual verification required", ferr)
				m.publish(snap)
			}
			return false
		}
		m.failTask(id, ferr.Error())
		return false
	}

	snap, err := m.registry.Update(id, func(t *Task) {
		t.Status = StatusDownloadingMirrors
		t.mirrors = mirrors
		t.mirrorIndex = 0
	})
	if err != nil {
		return false
	}
	logging.LogTaskStateChange(id, "", string(StatusDownloadingMirrors))
	m.publish(snap)
	return true
}

// raceMirrors attempts candidates in order. A candidate that fails fast
// is skipped; the first one that begins streaming becomes the committed
// mirror. After commitment, transient errors are retried with backoff
// against the same mirror before the task fails.
func (m *Manager) raceMirrors(ctx context.Context, id string) {
	var attemptErrs []error

	for {
		t, ok := m.registry.Get(id)
		if !ok {
			return
		}
		if t.mirrorIndex >= len(t.mirrors) {
			if len(attemptErrs) == 0 {
				m.failTask(id, ErrAllMirrorsFailed.Error())
			} else {
				m.failTask(id, errors.Join(append([]error{ErrAllMirrorsFailed}, attemptErrs...)...).Error())
			}
			return
		}

		mirrorURL := t.mirrors[t.mirrorIndex]
		snap, err := m.registry.Update(id, func(t *Task) {
			t.MirrorURL = mirrorURL
		})
		if err != nil {
			return
		}
		m.publish(snap)

		attemptErr, done := m.attemptMirror(ctx, id, mirrorURL, t.mirrorIndex)
		if done {
			return
		}
		// Candidate exhausted without commitment: move on.
		attemptErrs = append(attemptErrs, attemptErr)
		if _, err := m.registry.Update(id, func(t *Task) {
			t.mirrorIndex++
			t.resumeOffset = 0
			t.DownloadedBytes = 0
		}); err != nil {
			return
		}
	}
}

// attemptMirror drives one candidate including transient retries. When
// the task reached a final or parked state (completed, failed, paused,
// cancelled) it returns done = true. Otherwise it returns the error
// that disqualified the candidate.
func (m *Manager) attemptMirror(ctx context.Context, id, mirrorURL string, index int) (error, bool) {
	committed := false
	retries := 0

	for {
		t, ok := m.registry.Get(id)
		if !ok {
			return nil, true
		}
		offset := t.resumeOffset

		var streamed atomic.Bool
		supportsRange, err := m.transfer.Fetch(ctx, mirrorURL, t.destPath, offset, func(downloaded, total int64) {
			if streamed.CompareAndSwap(false, true) {
				// First bytes: this mirror is committed.
				snap, _ := m.registry.Update(id, func(t *Task) {
					t.Status = StatusDownloading
				})
				logging.LogMirrorAttempt(id, mirrorURL, index, nil)
				logging.LogTaskStateChange(id, mirrorURL, string(StatusDownloading))
				m.publish(snap)
			}
			if _, perr := m.registry.SetProgress(id, downloaded, total); perr == nil {
				snap, _ := m.registry.Update(id, func(t *Task) {
					t.resumeOffset = downloaded
				})
				logging.LogTaskProgress(id, downloaded, total)
				m.publish(snap)
			}
		})
		committed = committed || streamed.Load()

		if err == nil {
			m.verifyArtifact(id)
			return nil, true
		}

		// Cooperative stop: pause keeps the partial file and offset,
		// cancel discards both.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			intent, ok := m.takeIntent(id)
			if !ok {
				// Engine shutdown; leave the task as-is.
				return nil, true
			}
			switch intent {
			case StatusPaused:
				snap, _ := m.registry.Update(id, func(t *Task) {
					t.Status = StatusPaused
					t.canResume = supportsRange
					if !supportsRange {
						t.resumeOffset = 0
					}
				})
				logging.LogTaskStateChange(id, mirrorURL, string(StatusPaused))
				m.publish(snap)
			default:
				m.finalizeCancel(id)
			}
			return nil, true
		}

		var terr *TransferError
		if errors.As(err, &terr) {
			if !committed && terr.FastFail() {
				logging.LogMirrorAttempt(id, mirrorURL, index, err)
				return err, false
			}
			if terr.Transient() && retries < m.maxRetries {
				retries++
				logging.LogMirrorAttempt(id, mirrorURL, index, err)
				select {
				case <-time.After(backoffDelay(m.retryDelay, retries-1)):
				case <-ctx.Done():
					continue // next loop iteration resolves the intent
				}
				continue
			}
		}

		if committed {
			// The committed mirror died for good; that fails the task
			// rather than silently switching content sources.
			m.failTask(id, fmt.Sprintf("transfer failed after %d retries: %v", retries, err))
			return nil, true
		}
		logging.LogMirrorAttempt(id, mirrorURL, index, err)
		return err, false
	}
}

// verifyArtifact runs the checksum stage and settles the task. A
// cancellation accepted at any point before the task settles wins over
// the verification outcome and discards the artifact.
func (m *Manager) verifyArtifact(id string) {
	if m.cancelRequested(id) {
		m.finalizeCancel(id)
		return
	}
	t, err := m.registry.Update(id, func(t *Task) {
		t.Status = StatusVerifying
		t.VerifyState = VerifyWaiting
	})
	if err != nil {
		return
	}
	logging.LogTaskStateChange(id, t.MirrorURL, string(StatusVerifying))
	m.publish(t)

	snap, _ := m.registry.Update(id, func(t *Task) {
		t.VerifyState = VerifyRunning
	})
	m.publish(snap)

	var verr error
	if t.expectedDigest != "" {
		verr = m.verifyFn(t.destPath, t.expectedDigest)
	}
	if m.cancelRequested(id) {
		m.finalizeCancel(id)
		return
	}
	if verr != nil {
		snap, ok := m.settle(id, func(t *Task) {
			t.Status = StatusFailed
			t.VerifyState = VerifyFailed
			t.Error = verr.Error()
		})
		if ok {
			logging.LogVerify(id, "", false)
			m.publish(snap)
		}
		return
	}

	snap, ok := m.settle(id, func(t *Task) {
		t.Status = StatusCompleted
		t.VerifyState = VerifySuccess
		if t.TotalBytes == 0 {
			t.TotalBytes = t.DownloadedBytes
		}
		t.DownloadedBytes = t.TotalBytes
		t.Progress = 1
	})
	if !ok {
		return
	}
	logging.LogVerify(id, "", true)
	logging.LogTaskStateChange(id, snap.MirrorURL, string(StatusCompleted))
	m.publish(snap)
}

// settle writes a terminal status for a task. It holds the manager
// lock so the write is atomic with respect to stop intents: an already
// accepted cancellation wins over a concurrent completed or failed
// transition, and a task that has settled is never overwritten. It
// reports whether the transition happened.
func (m *Manager) settle(id string, fn func(t *Task)) (Task, bool) {
	m.mu.Lock()
	if intent, ok := m.stopIntents[id]; ok && intent == StatusCancelled {
		delete(m.stopIntents, id)
		m.mu.Unlock()
		m.finalizeCancel(id)
		return Task{}, false
	}
	var settled bool
	snap, err := m.registry.Update(id, func(t *Task) {
		if t.Status.Terminal() {
			return
		}
		settled = true
		fn(t)
	})
	m.mu.Unlock()
	if err != nil || !settled {
		return Task{}, false
	}
	return snap, true
}

// failTask settles a task as failed with a human-readable message.
func (m *Manager) failTask(id, msg string) {
	if len(msg) > 512 {
		msg = msg[:512]
	}
	snap, ok := m.settle(id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = msg
	})
	if !ok {
		return
	}
	logging.LogTaskError(id, "task failed", errors.New(msg))
	m.publish(snap)
}

// finalizeCancel settles a task as cancelled and discards the partial
// artifact. It reports whether the task actually transitioned; a task
// that settled some other way first is left untouched.
func (m *Manager) finalizeCancel(id string) bool {
	var settled bool
	m.mu.Lock()
	snap, err := m.registry.Update(id, func(t *Task) {
		if t.Status.Terminal() {
			return
		}
		settled = true
		t.Status = StatusCancelled
		t.Error = ""
		t.ChallengeRequired = false
		t.resumeOffset = 0
		t.canResume = false
	})
	m.mu.Unlock()
	if err != nil || !settled {
		return false
	}
	if snap.destPath != "" {
		_ = os.Remove(snap.destPath)
	}
	logging.LogTaskStateChange(id, snap.MirrorURL, string(StatusCancelled))
	m.publish(snap)
	return true
}

// cancelRequested consumes a pending stop intent and reports whether
// it was a cancellation.
func (m *Manager) cancelRequested(id string) bool {
	intent, ok := m.takeIntent(id)
	return ok && intent == StatusCancelled
}

// takeIntent consumes the recorded stop intent for a task, if any.
func (m *Manager) takeIntent(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.stopIntents[id]
	if ok {
		delete(m.stopIntents, id)
	}
	return intent, ok
}

// invalidateQueued bumps the queue token so a job still sitting in the
// channel for this task is dropped by the worker.
func (m *Manager) invalidateQueued(id string) {
	_, _ = m.registry.Update(id, func(t *Task) {
		t.queueToken++
	})
}

func (m *Manager) publish(t Task) {
	m.events.Publish(t)
}
