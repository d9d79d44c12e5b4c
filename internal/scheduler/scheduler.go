// Package scheduler runs the periodic maintenance jobs of serve mode.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/smssh/internal/reaper"
)

const (
	auditPurgeSchedule = "@daily"
	idleSweepSchedule  = "@every 1m"
	reaperJobTimeout   = 10 * time.Minute
)

// ReaperRunner is satisfied by *reaper.Reaper.
type ReaperRunner interface {
	Run(ctx context.Context, ageDays int) (reaper.BatchResult, error)
}

// Purger is satisfied by *audit.Auditor.
type Purger interface {
	PurgeOlderThan(days int) (int64, error)
	RetentionDays() int
}

// Sweeper is satisfied by *tunnel.Manager.
type Sweeper interface {
	SweepIdle(timeout time.Duration) int
}

type printfLogger struct{}

func (printfLogger) Printf(format string, args ...interface{}) {
	log.Printf("[scheduler] "+format, args...)
}

// Scheduler wraps a cron runner whose jobs skip a tick while the previous
// run is still going.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	jobs map[string]cron.EntryID
}

// New creates a stopped scheduler. Jobs receive ctx.
func New(ctx context.Context) *Scheduler {
	logger := cron.PrintfLogger(printfLogger{})
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:  ctx,
		jobs: make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) add(name, spec string, fn func()) error {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.jobs[name] = id
	log.Printf("[scheduler] %s scheduled (%s)", name, spec)
	return nil
}

// AddReaper deregisters registrations offline for more than ageDays on
// spec. An empty spec disables the job.
func (s *Scheduler) AddReaper(spec string, r ReaperRunner, ageDays int) error {
	if spec == "" || r == nil {
		return nil
	}
	return s.add("reaper", spec, reaperJob(s.ctx, r, ageDays))
}

// AddAuditPurge trims the audit trail once a day. A nil purger disables the
// job.
func (s *Scheduler) AddAuditPurge(p Purger) error {
	if p == nil {
		return nil
	}
	return s.add("audit-purge", auditPurgeSchedule, purgeJob(p))
}

// AddIdleSweep closes tunnels idle for timeout every minute. A non-positive
// timeout disables the job.
func (s *Scheduler) AddIdleSweep(sw Sweeper, timeout time.Duration) error {
	if sw == nil || timeout <= 0 {
		return nil
	}
	return s.add("idle-sweep", idleSweepSchedule, func() { sw.SweepIdle(timeout) })
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Next returns the next run time of a job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	id, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running jobs up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Printf("[scheduler] stop: jobs still running")
	}
}

func reaperJob(ctx context.Context, r ReaperRunner, ageDays int) func() {
	return func() {
		ctx, cancel := context.WithTimeout(ctx, reaperJobTimeout)
		defer cancel()
		res, err := r.Run(ctx, ageDays)
		if err != nil {
			log.Printf("[scheduler] reaper: %v", err)
			return
		}
		if res.Requested > 0 {
			log.Printf("[scheduler] reaper removed %d of %d expired registrations", res.Deregistered, res.Requested)
		}
	}
}

func purgeJob(p Purger) func() {
	return func() {
		n, err := p.PurgeOlderThan(p.RetentionDays())
		if err != nil {
			log.Printf("[scheduler] audit purge: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[scheduler] purged %d audit records older than %d days", n, p.RetentionDays())
		}
	}
}
