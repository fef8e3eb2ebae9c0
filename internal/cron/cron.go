package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	rcron "github.com/robfig/cron/v3"
)

// Job defines a scheduled run.
// Schedule accepts standard cron expressions with an optional seconds field
// ("0 */6 * * *", "30 0 3 * * *") and descriptors ("@daily", "@every 6h").
// Non-overlap: if the previous run of the same job is still running, the tick is skipped.
//
// Name must be unique across jobs inside the same Scheduler.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	// internal (guarded via atomic)
	running atomic.Bool
	skipped atomic.Int64
}

// Skipped reports how many ticks were dropped because a run was in flight.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// parseSchedule parses expr. "@every" durations must be positive.
func parseSchedule(expr string) (rcron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid @every duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("@every duration must be > 0")
		}
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// ValidateSchedule is used by config validation.
func ValidateSchedule(expr string) error {
	_, err := parseSchedule(expr)
	return err
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return errors.New("cron job requires a run function")
	}
	_, err := parseSchedule(j.Schedule)
	return err
}

// Scheduler runs jobs on their own timers.
// Use Start to launch the background loops, and Stop to cancel them.
type Scheduler struct {
	clock clock.Clock
	jobs  []*Job

	quit   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{clock: clk}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("duplicate cron job %s", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops. Call Stop to cancel.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.quit != nil {
		return errors.New("scheduler already started")
	}
	scheds := make([]rcron.Schedule, len(s.jobs))
	for i, j := range s.jobs {
		sched, err := parseSchedule(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		scheds[i] = sched
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.quit = make(chan struct{})
	for i, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, j, scheds[i])
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job, sched rcron.Schedule) {
	defer s.wg.Done()
	slog.Info("Scheduled job", "job", j.Name, "schedule", j.Schedule)
	for {
		now := s.clock.Now()
		next := sched.Next(now)
		slog.Debug("Next scheduled run", "job", j.Name, "at", next)
		select {
		case <-s.quit:
			return
		case <-s.clock.After(next.Sub(now)):
			// attempt to mark running; if already true, skip this tick
			if !j.running.CompareAndSwap(false, true) {
				j.skipped.Add(1)
				slog.Warn("Previous run still in progress, skipping tick", "job", j.Name)
				continue
			}
			s.wg.Add(1)
			// run in a separate goroutine so the timer keeps its cadence
			go func(j *Job) {
				defer s.wg.Done()
				defer j.running.Store(false)
				if err := j.Run(ctx); err != nil {
					slog.Error("Scheduled job failed", "job", j.Name, "error", err)
				}
			}(j)
		}
	}
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}
	// Close once; leaving channel non-nil avoids racy nil assignment observed by goroutines.
	select {
	case <-s.quit:
		// already closed
	default:
		close(s.quit)
		s.cancel()
	}
	s.wg.Wait()
}
