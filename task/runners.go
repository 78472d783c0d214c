package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Job is the body of a SCHEDULED task.
type Job func(ctx context.Context, params map[string]string) (string, error)

// Jobs is the registry scheduled tasks name their job from.
type Jobs struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]Job)}
}

func (j *Jobs) Register(name string, job Job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[name] = job
}

func (j *Jobs) Names() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	names := make([]string, 0, len(j.jobs))
	for n := range j.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run implements Runner for SCHEDULED tasks. Dry runs only check that the
// job exists.
func (j *Jobs) Run(ctx context.Context, t *Task, dryRun bool) (Result, error) {
	j.mu.RLock()
	job, ok := j.jobs[t.Scheduled.Job]
	j.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown job %q", t.Scheduled.Job)
	}
	if dryRun {
		return Result{Status: StatusSuccess, Message: "dry run: job " + t.Scheduled.Job + " not started"}, nil
	}
	msg, err := job(ctx, t.Scheduled.Params)
	if err != nil {
		return Result{Message: msg}, err
	}
	return Result{Status: StatusSuccess, Message: msg}, nil
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n *NotificationSpec) error
}

// LogNotifier writes notifications to the log. It stands in where no mail
// transport is configured.
type LogNotifier struct {
	Log zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n *NotificationSpec) error {
	if len(n.Recipients) == 0 {
		return fmt.Errorf("notification %q has no recipients", n.Subject)
	}
	l.Log.Info().
		Str("event", n.Event).
		Str("recipients", strings.Join(n.Recipients, ",")).
		Str("subject", n.Subject).
		Msg("notification")
	return nil
}

// NotificationRunner runs NOTIFICATION tasks through a Notifier.
type NotificationRunner struct {
	Notifier Notifier
}

func (r NotificationRunner) Run(ctx context.Context, t *Task, dryRun bool) (Result, error) {
	if dryRun {
		return Result{Status: StatusNotAttempted, Message: "dry run"}, nil
	}
	if err := r.Notifier.Notify(ctx, t.Notification); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusSuccess, Message: fmt.Sprintf("sent to %d recipients", len(t.Notification.Recipients))}, nil
}
