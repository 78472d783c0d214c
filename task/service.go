package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"f0oster/idsync/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNoRunner       = errors.New("no runner for task type")
	ErrNotRunning     = errors.New("execution is not running")
	ErrNotTerminal    = errors.New("execution has not finished")
	ErrServiceStopped = errors.New("task service stopped")
)

// Result is what a Runner reports for one execution.
type Result struct {
	Status  Status
	Message string
}

// Runner executes one type of task. A returned error fails the execution
// with the error as message; context cancellation cancels it.
type Runner interface {
	Run(ctx context.Context, t *Task, dryRun bool) (Result, error)
}

type RunnerFunc func(ctx context.Context, t *Task, dryRun bool) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, t *Task, dryRun bool) (Result, error) {
	return f(ctx, t, dryRun)
}

type Options struct {
	Workers int
}

type running struct {
	taskKey string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Service runs task executions on a bounded pool. Executions of tasks bound
// to the same resource run one at a time; other executions run in parallel
// up to the pool size.
type Service struct {
	log   zerolog.Logger
	store Store
	pool  *semaphore.Weighted

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	mu     sync.Mutex
	run    map[string]*running
	locks  map[string]*semaphore.Weighted
	runner map[Type]Runner
}

func NewService(log zerolog.Logger, store Store, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		log:    log.With().Str("component", "task").Logger(),
		store:  store,
		pool:   semaphore.NewWeighted(int64(opts.Workers)),
		ctx:    ctx,
		stop:   stop,
		now:    time.Now,
		run:    make(map[string]*running),
		locks:  make(map[string]*semaphore.Weighted),
		runner: make(map[Type]Runner),
	}
}

func (s *Service) Store() Store { return s.store }

func (s *Service) RegisterRunner(t Type, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner[t] = r
}

// Save validates and stores a task definition.
func (s *Service) Save(ctx context.Context, t *Task) error {
	if t.Key == "" {
		t.Key = uuid.NewString()
	}
	if t.Created.IsZero() {
		t.Created = s.now()
	}
	if err := t.Validate(); err != nil {
		return err
	}
	return s.store.PutTask(ctx, t)
}

// Record stores a task together with one already finished execution. It
// is how propagation outcomes enter the history.
func (s *Service) Record(ctx context.Context, t *Task, e *Execution) error {
	if err := s.Save(ctx, t); err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}
	if e.Key == "" {
		e.Key = uuid.NewString()
	}
	e.TaskKey = t.Key
	if err := s.store.CreateExecution(ctx, e); err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	metrics.RecordTaskExecution(string(t.Type), string(e.Status))
	return nil
}

// Execute submits a run of the task and returns the SUBMITTED execution.
func (s *Service) Execute(ctx context.Context, taskKey string, dryRun bool) (*Execution, error) {
	if s.ctx.Err() != nil {
		return nil, ErrServiceStopped
	}
	t, err := s.store.GetTask(ctx, taskKey)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	runner, ok := s.runner[t.Type]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRunner, t.Type)
	}

	exec := &Execution{
		Key:     uuid.NewString(),
		TaskKey: t.Key,
		Status:  StatusSubmitted,
		DryRun:  dryRun,
		Start:   s.now(),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	r := &running{taskKey: t.Key, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.run[exec.Key] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(runCtx, r, t, runner, *exec)

	submitted := *exec
	return &submitted, nil
}

// resourceLock serialises executions bound to one resource. It is a
// semaphore of one so a queued execution can be canceled while it waits.
func (s *Service) resourceLock(t *Task) *semaphore.Weighted {
	res := strings.ToLower(t.Resource())
	if res == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[res]
	if !ok {
		l = semaphore.NewWeighted(1)
		s.locks[res] = l
	}
	return l
}

func (s *Service) execute(ctx context.Context, r *running, t *Task, runner Runner, exec Execution) {
	defer s.wg.Done()
	defer close(r.done)
	defer r.cancel()
	defer func() {
		s.mu.Lock()
		delete(s.run, exec.Key)
		s.mu.Unlock()
	}()

	log := s.log.With().Str("task", t.Key).Str("execution", exec.Key).Str("type", string(t.Type)).Logger()

	if l := s.resourceLock(t); l != nil {
		if err := l.Acquire(ctx, 1); err != nil {
			s.finish(log, t, &exec, Result{Status: StatusCanceled, Message: "canceled before start"})
			return
		}
		defer l.Release(1)
	}
	if ctx.Err() != nil {
		s.finish(log, t, &exec, Result{Status: StatusCanceled, Message: "canceled before start"})
		return
	}
	if err := s.pool.Acquire(ctx, 1); err != nil {
		s.finish(log, t, &exec, Result{Status: StatusCanceled, Message: "canceled before start"})
		return
	}
	defer s.pool.Release(1)

	exec.Status = StatusRunning
	exec.Start = s.now()
	if err := s.store.UpdateExecution(context.Background(), &exec); err != nil {
		log.Error().Err(err).Msg("failed to mark execution running")
	}
	log.Info().Bool("dry_run", exec.DryRun).Msg("execution started")

	res, err := runner.Run(ctx, t, exec.DryRun)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		res = Result{Status: StatusCanceled, Message: joinMessage(res.Message, "canceled")}
	case err != nil:
		res = Result{Status: StatusFailure, Message: joinMessage(res.Message, err.Error())}
	case res.Status == "":
		res.Status = StatusSuccess
	}
	s.finish(log, t, &exec, res)
}

func joinMessage(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n" + b
}

func (s *Service) finish(log zerolog.Logger, t *Task, exec *Execution, res Result) {
	exec.Status = res.Status
	exec.Message = res.Message
	exec.End = s.now()
	if err := s.store.UpdateExecution(context.Background(), exec); err != nil {
		log.Error().Err(err).Msg("failed to store execution result")
	}
	metrics.RecordTaskExecution(string(t.Type), string(exec.Status))
	ev := log.Info()
	if exec.Status == StatusFailure {
		ev = log.Warn()
	}
	ev.Str("status", string(exec.Status)).Dur("duration", exec.End.Sub(exec.Start)).Msg("execution finished")
}

// Wait blocks until the execution is terminal and returns it.
func (s *Service) Wait(ctx context.Context, execKey string) (*Execution, error) {
	s.mu.Lock()
	r, ok := s.run[execKey]
	s.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.store.GetExecution(ctx, execKey)
}

// Cancel signals a submitted or running execution to stop. Runners check
// for cancellation between units of work.
func (s *Service) Cancel(execKey string) error {
	s.mu.Lock()
	r, ok := s.run[execKey]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, execKey)
	}
	r.cancel()
	return nil
}

// Running reports whether the task has an execution in flight.
func (s *Service) Running(taskKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.run {
		if r.taskKey == taskKey {
			return true
		}
	}
	return false
}

func (s *Service) ListExecutions(ctx context.Context, taskKey string) ([]*Execution, error) {
	if _, err := s.store.GetTask(ctx, taskKey); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, taskKey)
}

// DeleteExecution removes a finished execution from the history.
func (s *Service) DeleteExecution(ctx context.Context, execKey string) error {
	e, err := s.store.GetExecution(ctx, execKey)
	if err != nil {
		return err
	}
	if !e.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, execKey)
	}
	return s.store.DeleteExecution(ctx, execKey)
}

// Report records an out-of-band outcome for an execution.
func (s *Service) Report(ctx context.Context, execKey, externalStatus, message string) (*Execution, error) {
	e, err := s.store.GetExecution(ctx, execKey)
	if err != nil {
		return nil, err
	}
	e.ExternalStatus = externalStatus
	e.Message = joinMessage(e.Message, message)
	if err := s.store.UpdateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to report execution %s: %w", execKey, err)
	}
	return e, nil
}

// Close cancels every execution and waits for the workers to return.
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}
