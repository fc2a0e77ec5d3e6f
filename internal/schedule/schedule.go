// Package schedule fires the sync passes on cron specs.
package schedule

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named callback run on a cron spec.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context)
}

// Scheduler runs jobs on five-field cron specs; descriptors such as
// "@every 30s" are accepted too. A job that is still running when its next
// tick arrives is skipped for that tick. Different jobs may overlap.
type Scheduler struct {
	c   *cron.Cron
	log zerolog.Logger

	mu  sync.Mutex
	ctx context.Context
	wg  sync.WaitGroup
}

// New returns a Scheduler with jobs registered. It fails on an invalid spec.
func New(log zerolog.Logger, jobs ...Job) (*Scheduler, error) {
	log = log.With().Str("component", "schedule").Logger()
	cl := cronLogger{log: log}
	s := &Scheduler{
		c: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		log: log,
		ctx: context.Background(),
	}
	for _, j := range jobs {
		if j.Spec == "" {
			log.Info().Str("job", j.Name).Msg("job has no schedule, not registered")
			continue
		}
		if _, err := s.c.AddFunc(j.Spec, s.wrap(j)); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", j.Name, j.Spec, err)
		}
		log.Info().Str("job", j.Name).Str("spec", j.Spec).Msg("job scheduled")
	}
	return s, nil
}

func (s *Scheduler) wrap(j Job) func() {
	return func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.log.Debug().Str("job", j.Name).Msg("job fired")
		j.Run(ctx)
	}
}

// Start begins firing jobs. Jobs receive ctx, so cancelling it stops
// in-flight work.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.c.Start()
}

// RunNow fires every registered job once, each in its own goroutine, and
// returns without waiting. Call it after Start. A job still running from
// RunNow skips its next tick.
func (s *Scheduler) RunNow() {
	for _, e := range s.c.Entries() {
		job := e.WrappedJob
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.Run()
		}()
	}
}

// Stop stops the scheduler and returns a context done when running jobs,
// including those started by RunNow, finish.
func (s *Scheduler) Stop() context.Context {
	cronDone := s.c.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// Entries returns how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.c.Entries())
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
