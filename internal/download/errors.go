package download

import "errors"

var (
	// ErrQueueFull indicates the task queue is at capacity
	ErrQueueFull = errors.New("queue_full")

	// ErrShuttingDown indicates the manager is no longer accepting new tasks
	ErrShuttingDown = errors.New("shutting_down")

	// ErrTaskNotFound indicates the referenced task id is unknown
	ErrTaskNotFound = errors.New("task_not_found")

	// ErrInvalidTransition indicates an operation that is not valid
	// from the task's current status (e.g. retry of a running task)
	ErrInvalidTransition = errors.New("invalid_transition")

	// ErrNotChallenge indicates RestartWithMirrors on a task that did
	// not fail with a verification challenge
	ErrNotChallenge = errors.New("not_challenge_failed")

	// ErrAllMirrorsFailed indicates every discovered candidate was
	// exhausted without a single byte stream committing
	ErrAllMirrorsFailed = errors.New("all mirrors failed")
)
