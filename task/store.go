package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// Store persists tasks and their execution history.
type Store interface {
	PutTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, key string) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)
	DeleteTask(ctx context.Context, key string) error

	CreateExecution(ctx context.Context, e *Execution) error
	UpdateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, key string) (*Execution, error)
	// ListExecutions returns a task's executions, oldest first.
	ListExecutions(ctx context.Context, taskKey string) ([]*Execution, error)
	DeleteExecution(ctx context.Context, key string) error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	executions map[string]*Execution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*Task),
		executions: make(map[string]*Execution),
	}
}

func (s *MemoryStore) PutTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.tasks[t.Key] = &c
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, key string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) ListTasks(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteTask removes the task and its executions.
func (s *MemoryStore) DeleteTask(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[key]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}
	delete(s.tasks, key)
	for k, e := range s.executions {
		if e.TaskKey == key {
			delete(s.executions, k)
		}
	}
	return nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[e.TaskKey]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, e.TaskKey)
	}
	c := *e
	s.executions[e.Key] = &c
	return nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.Key]; !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, e.Key)
	}
	c := *e
	s.executions[e.Key] = &c
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, key string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, key)
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, taskKey string) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, e := range s.executions {
		if e.TaskKey == taskKey {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].Key < out[j].Key
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func (s *MemoryStore) DeleteExecution(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[key]; !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, key)
	}
	delete(s.executions, key)
	return nil
}
