package orchestrator

import (
	"context"
	"fmt"
	"time"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/types"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next cycle start. cron.Schedule satisfies it.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Every is a fixed delay between the end of one cycle and the next start.
type Every time.Duration

// Next implements Schedule.
func (e Every) Next(after time.Time) time.Time {
	return after.Add(time.Duration(e))
}

// ParseCron parses a standard five-field expression or a descriptor such
// as "@hourly".
func ParseCron(expr string) (Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, types.ConfigurationError("schedule", fmt.Errorf("invalid cron expression %q: %w", expr, err))
	}
	return sched, nil
}

// Run executes cycles until ctx is cancelled. Cancellation is observed only
// while waiting between cycles and between reclaim batches. A failed cycle
// is logged and the loop continues; the next cycle retries.
func (o *Orchestrator) Run(ctx context.Context, sched Schedule) error {
	log := logging.Get(logging.CategoryOrchestrator)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := o.RunCycle(ctx); err != nil {
			if types.IsKind(err, types.KindConfiguration) {
				return err
			}
		}

		next := sched.Next(time.Now())
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		log.Infof("Next cycle at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Stop requested; scheduling loop exiting")
			return nil
		case <-timer.C:
		}
	}
}
