package task_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"f0oster/idsync/task"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler(t *testing.T) {
	s := newService(t, 1)
	ctx := context.Background()
	jobs := task.NewJobs()
	var runs atomic.Int32
	jobs.Register("purge", func(context.Context, map[string]string) (string, error) {
		runs.Add(1)
		return "purged", nil
	})
	s.RegisterRunner(task.TypeScheduled, jobs)
	require.NoError(t, s.Save(ctx, &task.Task{
		Key:       "purge",
		Type:      task.TypeScheduled,
		Scheduled: &task.ScheduledSpec{Job: "purge"},
		Interval:  10 * time.Millisecond,
	}))
	require.NoError(t, s.Save(ctx, &task.Task{Key: "once", Type: task.TypeScheduled, Scheduled: &task.ScheduledSpec{Job: "purge"}}))

	sched := task.NewScheduler(zerolog.Nop(), s)
	n, err := sched.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	sched.Stop()
}

func TestJobs(t *testing.T) {
	jobs := task.NewJobs()
	jobs.Register("fail", func(context.Context, map[string]string) (string, error) {
		return "partial", errors.New("boom")
	})
	assert.Equal(t, []string{"fail"}, jobs.Names())

	_, err := jobs.Run(context.Background(), &task.Task{Scheduled: &task.ScheduledSpec{Job: "missing"}}, false)
	assert.Error(t, err)

	res, err := jobs.Run(context.Background(), &task.Task{Scheduled: &task.ScheduledSpec{Job: "fail"}}, true)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, res.Status)

	res, err = jobs.Run(context.Background(), &task.Task{Scheduled: &task.ScheduledSpec{Job: "fail"}}, false)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, "partial", res.Message)
}

func TestNotificationRunner(t *testing.T) {
	r := task.NotificationRunner{Notifier: task.LogNotifier{Log: zerolog.Nop()}}
	tk := &task.Task{Type: task.TypeNotification, Notification: &task.NotificationSpec{Subject: "hi", Recipients: []string{"a@x.com"}}}

	res, err := r.Run(context.Background(), tk, false)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, res.Status)

	res, err = r.Run(context.Background(), tk, true)
	require.NoError(t, err)
	assert.Equal(t, task.StatusNotAttempted, res.Status)

	tk.Notification.Recipients = nil
	_, err = r.Run(context.Background(), tk, false)
	assert.Error(t, err)
}
