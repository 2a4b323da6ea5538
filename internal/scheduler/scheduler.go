package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/qclimate/climate-tiles/internal/observation"
	"github.com/qclimate/climate-tiles/internal/pipeline"
)

// Scheduler periodically runs refresh cycles. Variables sharing the default
// interval run as one grouped cycle; variables with an interval override get
// their own job. Overlapping runs of the same variable are serialized by the
// pipeline's per-variable locks.
type Scheduler struct {
	scheduler *gocron.Scheduler
	pipe      *pipeline.Pipeline
	variables []observation.Variable
	interval  time.Duration
	overrides map[observation.Variable]time.Duration
	timeout   time.Duration
}

// New creates a Scheduler. interval is the default cycle cadence, overrides
// holds per-variable cadences, and timeout bounds every cycle's runtime.
func New(pipe *pipeline.Pipeline, variables []observation.Variable, interval time.Duration, overrides map[observation.Variable]time.Duration, timeout time.Duration) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		pipe:      pipe,
		variables: variables,
		interval:  interval,
		overrides: overrides,
		timeout:   timeout,
	}
}

// Start registers the jobs and starts the underlying scheduler. Each job
// fires once immediately so tiles exist soon after boot.
func (s *Scheduler) Start() error {
	if len(s.variables) == 0 {
		log.Println("INFO: scheduler: no variables configured; nothing to schedule")
		return nil
	}

	var grouped []observation.Variable
	for _, v := range s.variables {
		if _, ok := s.overrides[v]; !ok {
			grouped = append(grouped, v)
		}
	}

	if len(grouped) > 0 {
		if _, err := s.scheduler.Every(s.interval).StartImmediately().Do(func() {
			s.run(grouped)
		}); err != nil {
			return err
		}
	}
	for v, interval := range s.overrides {
		v := v
		if _, err := s.scheduler.Every(interval).StartImmediately().Do(func() {
			s.run([]observation.Variable{v})
		}); err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) run(variables []observation.Variable) {
	log.Printf("INFO: scheduler: starting refresh cycle for %v", variables)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.pipe.RunFor(ctx, variables); err != nil {
		log.Printf("ERROR: scheduler: refresh cycle for %v: %v", variables, err)
		return
	}
	log.Printf("INFO: scheduler: completed refresh cycle for %v", variables)
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
