package task

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler fires tasks that declare an Interval. A tick is skipped while
// the previous execution of the same task is still in flight.
type Scheduler struct {
	log     zerolog.Logger
	service *Service

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(log zerolog.Logger, service *Service) *Scheduler {
	return &Scheduler{
		log:     log.With().Str("component", "scheduler").Logger(),
		service: service,
	}
}

// Start schedules every periodic task currently stored. It returns the
// number of scheduled tasks.
func (s *Scheduler) Start(ctx context.Context) (int, error) {
	tasks, err := s.service.Store().ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, s.cancel = context.WithCancel(ctx)

	scheduled := 0
	for _, t := range tasks {
		if t.Interval <= 0 || (t.Type != TypeSync && t.Type != TypeScheduled) {
			continue
		}
		scheduled++
		s.wg.Add(1)
		go s.loop(ctx, t.Key, t.Interval)
	}
	s.log.Info().Int("tasks", scheduled).Msg("scheduler started")
	return scheduled, nil
}

func (s *Scheduler) loop(ctx context.Context, taskKey string, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.service.Running(taskKey) {
				s.log.Debug().Str("task", taskKey).Msg("previous execution still running, skipping tick")
				continue
			}
			if _, err := s.service.Execute(ctx, taskKey, false); err != nil {
				s.log.Error().Err(err).Str("task", taskKey).Msg("failed to submit scheduled execution")
			}
		}
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
