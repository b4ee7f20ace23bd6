package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// schedulerTick bounds how long a runnable task can sit before a worker
// picks it up when no wake signal fires first.
const schedulerTick = 100 * time.Millisecond

// Run drives the scheduler until ctx is cancelled: it claims runnable tasks
// up to the concurrency cap, executes them through the configured Executor
// and runs the recovery sweep. Call it in its own goroutine; it blocks and
// waits for in-flight workers before returning.
func (s *Service) Run(ctx context.Context) {
	if s.exec == nil {
		log.Warn().Msg("Queue scheduler started without an executor; storage-only mode")
		<-ctx.Done()
		return
	}

	log.Info().
		Int("concurrency", s.opts.Concurrency).
		Dur("sweep_interval", s.opts.SweepInterval).
		Msg("Queue scheduler started")

	tick := time.NewTicker(schedulerTick)
	defer tick.Stop()
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info().Msg("Queue scheduler stopped")
			return
		case <-tick.C:
			s.dispatch(ctx, &wg)
		case <-s.wake:
			s.dispatch(ctx, &wg)
		case <-sweep.C:
			s.sweepExpired(ctx)
		}
	}
}

// dispatch claims tasks until the concurrency cap is reached or the backend
// runs dry.
func (s *Service) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	for {
		select {
		case s.sem <- struct{}{}:
		default:
			return // all workers busy
		}

		task, err := s.Dequeue(ctx, "")
		if err != nil {
			<-s.sem
			log.Error().Err(err).Msg("Queue dequeue failed")
			return
		}
		if task == nil {
			<-s.sem
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runTask(ctx, task)
		}()
	}
}

// runTask executes one claimed task and settles it with exactly one Ack or
// Fail. Panics inside the executor count as failed attempts.
func (s *Service) runTask(ctx context.Context, task *models.Task) {
	defer func() {
		<-s.sem
		s.poke()
	}()

	// Execution outlives a shutting-down scheduler so in-flight work is not
	// failed spuriously; the executor applies its own timeouts.
	execCtx := context.WithoutCancel(ctx)

	err := s.execute(execCtx, task)
	if err != nil {
		if failErr := s.Fail(execCtx, task.ID, err.Error()); failErr != nil {
			log.Error().Err(failErr).Str("task_id", task.ID).Msg("Queue fail transition failed")
		}
		return
	}
	if ackErr := s.Ack(execCtx, task.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("task_id", task.ID).Msg("Queue ack transition failed")
	}
}

// execute wraps the executor with panic recovery.
func (s *Service) execute(ctx context.Context, task *models.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task executor panicked: %v", r)
		}
	}()
	return s.exec(ctx, task)
}

// sweepExpired runs one recovery pass over expired in-flight tasks.
func (s *Service) sweepExpired(ctx context.Context) {
	recovered, err := s.backend.RecoverExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Queue recovery sweep failed")
		return
	}
	for _, task := range recovered {
		log.Warn().
			Str("task_id", task.ID).
			Str("priority", string(task.Priority)).
			Msg("Task visibility expired, returned to queue")
		s.events.publish(EventRecovered, task)
	}
	if len(recovered) > 0 {
		s.poke()
	}
}

// poke nudges the scheduler without waiting for the next tick.
func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
