package download

import "time"

// Status is the lifecycle state of a download task.
type Status string

const (
	StatusQueued             Status = "queued"
	StatusFetchingMirrors    Status = "fetching_mirrors"
	StatusDownloadingMirrors Status = "downloading_mirrors"
	StatusDownloading        Status = "downloading"
	StatusPaused             Status = "paused"
	StatusVerifying          Status = "verifying"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// Terminal reports whether the task has settled. Failed tasks count as
// settled: the engine never moves them on its own, only an explicit
// Retry or RestartWithMirrors re-queues one.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// VerifyState tracks checksum verification, meaningful only while the
// task status is verifying (and afterwards as a record of the outcome).
type VerifyState string

const (
	VerifyNone    VerifyState = ""
	VerifyWaiting VerifyState = "waiting"
	VerifyRunning VerifyState = "running"
	VerifyFailed  VerifyState = "failed"
	VerifySuccess VerifyState = "success"
)

// Task is one book-acquisition attempt. It is owned exclusively by the
// Manager; consumers only ever see point-in-time copies, never live
// references. Tasks are not persisted: a restart loses the queue by
// design.
type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`

	// BookURL is the detail page on the current archive instance.
	BookURL string `json:"book_url"`

	// MirrorURL is the committed download mirror while transferring,
	// or the challenge page URL when ChallengeRequired is set.
	MirrorURL string `json:"mirror_url,omitempty"`

	Progress        float64 `json:"progress"` // fraction in [0,1]
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`

	Status      Status      `json:"status"`
	VerifyState VerifyState `json:"verify_state,omitempty"`
	Error       string      `json:"error,omitempty"`

	// ChallengeRequired marks a failed task that is recoverable by a
	// human passing the interstitial at MirrorURL and feeding fresh
	// mirrors back via RestartWithMirrors.
	ChallengeRequired bool `json:"challenge_required,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Unexported bookkeeping, copied along with the struct but never
	// serialized.
	expectedDigest string
	destPath       string
	mirrors        []string
	mirrorIndex    int
	resumeOffset   int64
	canResume      bool
	queueToken     uint64
	updatedAt      time.Time
}

// DestPath returns the filesystem target supplied at enqueue time.
func (t *Task) DestPath() string { return t.destPath }
