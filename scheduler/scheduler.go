// Package scheduler drives periodic market collection.
// It handles:
// - The single recurring collector tick
// - Manual one-off captures
// - The bounded log of recent collection errors
//
// The collector is implemented in jobs.go
package scheduler

import (
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// Timer runs fn every interval until the returned cancel func is called
type Timer interface {
	Schedule(every time.Duration, fn func()) (cancel func(), err error)
}

// GocronTimer implements Timer on a gocron scheduler
type GocronTimer struct {
	cron *gocron.Scheduler
}

// NewGocronTimer creates the timer and starts its scheduler loop
func NewGocronTimer() *GocronTimer {
	cron := gocron.NewScheduler(time.UTC)
	cron.StartAsync()
	return &GocronTimer{cron: cron}
}

// Schedule registers fn as a repeating job. The first run happens one
// interval from now, and a run never starts while the previous one is active.
func (t *GocronTimer) Schedule(every time.Duration, fn func()) (func(), error) {
	job, err := t.cron.Every(every).WaitForSchedule().SingletonMode().Do(fn)
	if err != nil {
		return nil, err
	}
	return func() {
		t.cron.RemoveByReference(job)
	}, nil
}

// Stop stops the scheduler and every job on it
func (t *GocronTimer) Stop() {
	t.cron.Stop()
	log.Println("Scheduler stopped")
}
