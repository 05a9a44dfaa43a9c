package download

import (
	"fmt"
	"sync"
	"time"
)

// TaskRegistry provides thread-safe storage and manipulation of tasks.
// It acts as a pure state container without any download logic; all
// mutation is funneled through the Manager (single-writer discipline)
// and readers only ever receive copies.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewTaskRegistry creates a TaskRegistry with the given initial capacity.
func NewTaskRegistry(capacity int) *TaskRegistry {
	if capacity <= 0 {
		capacity = 128
	}
	return &TaskRegistry{
		tasks: make(map[string]*Task, capacity),
	}
}

// Create adds a new task to the registry and returns a copy of it.
// Returns an error if a task with the given ID already exists.
func (r *TaskRegistry) Create(id string, req Request) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; exists {
		return Task{}, fmt.Errorf("task with id %s already exists", id)
	}

	t := &Task{
		ID:             id,
		Title:          req.Title,
		Author:         req.Author,
		BookURL:        req.BookURL,
		Status:         StatusQueued,
		CreatedAt:      time.Now(),
		expectedDigest: req.ExpectedDigest,
		destPath:       req.DestPath,
		updatedAt:      time.Now(),
	}
	r.tasks[id] = t
	return *t, nil
}

// Get retrieves a copy of a single task by ID.
func (r *TaskRegistry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tasks[id]; ok {
		return *t, true
	}
	return Task{}, false
}

// Update atomically updates a task using the provided function.
// Returns a copy of the updated task.
func (r *TaskRegistry) Update(id string, fn func(*Task)) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}

	fn(t)
	t.updatedAt = time.Now()
	return *t, nil
}

// Snapshot returns copies of all tasks in the registry.
func (r *TaskRegistry) Snapshot() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	return out
}

// SetProgress updates byte counters, keeping progress monotonically
// non-decreasing while a transfer is running. Returns the updated copy.
func (r *TaskRegistry) SetProgress(id string, downloaded, total int64) (Task, error) {
	return r.Update(id, func(t *Task) {
		if downloaded > t.DownloadedBytes {
			t.DownloadedBytes = downloaded
		}
		if total > 0 {
			t.TotalBytes = total
		}
		if t.TotalBytes > 0 {
			if t.DownloadedBytes > t.TotalBytes {
				t.DownloadedBytes = t.TotalBytes
			}
			p := float64(t.DownloadedBytes) / float64(t.TotalBytes)
			if p > t.Progress {
				t.Progress = p
			}
		}
	})
}

// Delete removes a task from the registry.
// Returns true if the task existed and was deleted.
func (r *TaskRegistry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; ok {
		delete(r.tasks, id)
		return true
	}
	return false
}

// Size returns the number of tasks in the registry.
func (r *TaskRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
