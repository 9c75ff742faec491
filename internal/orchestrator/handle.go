package orchestrator

import (
	"context"
	"slices"
	"sync"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

// TaskHandle tracks one submitted task. Its result is fixed once Done is
// closed.
type TaskHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     model.TaskState
	progress  float64
	listeners []func(float64)
	result    model.TaskResult
}

func newHandle(id string, cancel context.CancelFunc) *TaskHandle {
	return &TaskHandle{id: id, cancel: cancel, done: make(chan struct{}), state: model.StatePending}
}

func (h *TaskHandle) ID() string { return h.id }

func (h *TaskHandle) State() model.TaskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *TaskHandle) Progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// OnProgress registers fn for later progress reports. Callbacks run on the
// task's worker and must not block.
func (h *TaskHandle) OnProgress(fn func(float64)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Cancel asks the task to stop at its next checkpoint. It has no effect on
// a finished task.
func (h *TaskHandle) Cancel() { h.cancel() }

func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Result blocks until the task finishes.
func (h *TaskHandle) Result() model.TaskResult {
	<-h.done
	return h.snapshot()
}

// Wait is Result bounded by ctx.
func (h *TaskHandle) Wait(ctx context.Context) (model.TaskResult, error) {
	select {
	case <-h.done:
		return h.snapshot(), nil
	case <-ctx.Done():
		return model.TaskResult{}, ctx.Err()
	}
}

// Snapshot returns the result so far without waiting.
func (h *TaskHandle) Snapshot() (model.TaskResult, bool) {
	select {
	case <-h.done:
		return h.snapshot(), true
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return model.TaskResult{TaskID: h.id, State: h.state}, false
}

func (h *TaskHandle) snapshot() model.TaskResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *TaskHandle) setState(s model.TaskState) {
	h.mu.Lock()
	if !h.state.Terminal() {
		h.state = s
	}
	h.mu.Unlock()
}

func (h *TaskHandle) report(f float64) {
	h.mu.Lock()
	if f < h.progress {
		h.mu.Unlock()
		return
	}
	h.progress = f
	ls := slices.Clone(h.listeners)
	h.mu.Unlock()
	for _, fn := range ls {
		fn(f)
	}
}

func (h *TaskHandle) finish(res model.TaskResult) {
	h.mu.Lock()
	res.TaskID = h.id
	h.state = res.State
	h.result = res
	h.mu.Unlock()
	close(h.done)
	h.cancel()
}
