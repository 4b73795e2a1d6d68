package substrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrDependencyFailed marks a task that never ran because a dependency failed.
var ErrDependencyFailed = errors.New("dependency failed")

// ResourceType names a pool of execution slots.
type ResourceType string

const (
	ResourceTranscode ResourceType = "transcode" // codec sessions (parallel up to worker count)
	ResourceIO        ResourceType = "io"        // output commits (sequential)
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// Task is a unit of work with dependencies and a resource requirement.
type Task struct {
	ID           string
	Run          func(ctx context.Context) error
	Dependencies []string
	Resource     ResourceType

	Status    TaskStatus
	Error     error
	StartTime time.Time
	EndTime   time.Time
}

// ResourceConstraint limits concurrent tasks of one resource type.
type ResourceConstraint struct {
	Type     ResourceType
	MaxSlots int64
}

// Stats counts tasks by status.
type Stats struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// Scheduler runs a DAG of tasks, starting each task once its dependencies
// have completed and a slot of its resource type is free. A failed task
// fails every task that depends on it, directly or transitively; unrelated
// tasks keep running.
//
// Task status is owned by the goroutine calling Execute. Task goroutines
// only report back through a channel, and Execute does not return while
// any of them is still running.
type Scheduler struct {
	tasks map[string]*Task
	order []string
	slots map[ResourceType]*semaphore.Weighted

	onProgress func(completed, total int, task *Task)
}

// NewScheduler creates a scheduler with the given resource constraints.
// Resource types without a constraint are unlimited.
func NewScheduler(constraints ...ResourceConstraint) *Scheduler {
	slots := make(map[ResourceType]*semaphore.Weighted, len(constraints))
	for _, c := range constraints {
		n := c.MaxSlots
		if n < 1 {
			n = 1
		}
		slots[c.Type] = semaphore.NewWeighted(n)
	}
	return &Scheduler{
		tasks: make(map[string]*Task),
		slots: slots,
	}
}

// AddTask registers a task.
func (s *Scheduler) AddTask(task *Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %s has no run function", task.ID)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	task.Status = TaskPending
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	return nil
}

// SetProgressCallback sets a callback invoked after every task settles.
func (s *Scheduler) SetProgressCallback(callback func(completed, total int, task *Task)) {
	s.onProgress = callback
}

// Tasks returns the tasks in the order they were added.
func (s *Scheduler) Tasks() []*Task {
	out := make([]*Task, len(s.order))
	for i, id := range s.order {
		out[i] = s.tasks[id]
	}
	return out
}

// Execute runs every task and returns once all of them have settled.
// The returned error covers only an invalid graph; task failures are
// recorded on the tasks themselves.
func (s *Scheduler) Execute(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}

	total := len(s.tasks)
	completed := 0
	running := 0
	done := make(chan *Task)

	// Task failures stay on the tasks, so the group never cancels siblings.
	var g errgroup.Group

	settle := func(t *Task) {
		completed++
		if s.onProgress != nil {
			s.onProgress(completed, total, t)
		}
	}

	for {
		for changed := true; changed; {
			changed = false
			for _, id := range s.order {
				t := s.tasks[id]
				if t.Status != TaskPending {
					continue
				}
				if dep := s.failedDependency(t); dep != "" {
					t.Status = TaskFailed
					t.Error = fmt.Errorf("%w: %s", ErrDependencyFailed, dep)
					settle(t)
					changed = true
					continue
				}
				if s.dependenciesMet(t) {
					t.Status = TaskRunning
					running++
					g.Go(func() error {
						s.run(ctx, t, done)
						return nil
					})
				}
			}
		}

		if running == 0 {
			return g.Wait()
		}

		t := <-done
		running--
		if t.Error != nil {
			t.Status = TaskFailed
		} else {
			t.Status = TaskCompleted
		}
		settle(t)
	}
}

func (s *Scheduler) run(ctx context.Context, t *Task, done chan<- *Task) {
	if sem, ok := s.slots[t.Resource]; ok {
		if err := sem.Acquire(ctx, 1); err != nil {
			t.Error = err
			done <- t
			return
		}
		defer sem.Release(1)
	}

	t.StartTime = time.Now()
	err := t.Run(ctx)
	t.EndTime = time.Now()
	t.Error = err
	done <- t
}

func (s *Scheduler) dependenciesMet(t *Task) bool {
	for _, dep := range t.Dependencies {
		if s.tasks[dep].Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) failedDependency(t *Task) string {
	for _, dep := range t.Dependencies {
		if s.tasks[dep].Status == TaskFailed {
			return dep
		}
	}
	return ""
}

func (s *Scheduler) validate() error {
	for _, id := range s.order {
		for _, dep := range s.tasks[id].Dependencies {
			if _, exists := s.tasks[dep]; !exists {
				return fmt.Errorf("task %s depends on non-existent task %s", id, dep)
			}
		}
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var hasCycle func(id string) bool
	hasCycle = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, dep := range s.tasks[id].Dependencies {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, id := range s.order {
		if !visited[id] && hasCycle(id) {
			return fmt.Errorf("cycle detected in task dependencies")
		}
	}
	return nil
}

// Stats returns task counts by status.
func (s *Scheduler) Stats() Stats {
	st := Stats{Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case TaskPending:
			st.Pending++
		case TaskRunning:
			st.Running++
		case TaskCompleted:
			st.Completed++
		case TaskFailed:
			st.Failed++
		}
	}
	return st
}
