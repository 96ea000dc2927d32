package packer

import (
	"context"
	"time"

	"github.com/parkerjbeard/chronicle/ringbuf"
)

// SchedulerConfig controls when the orchestrator wakes up to drain,
// mirroring friggdb's ticker-driven poll loop but with a second,
// pressure-based trigger the ring's utilization can fire independently
// of the clock.
type SchedulerConfig struct {
	// DailyAt is the local time of day (e.g. 3*time.Hour for 03:00) the
	// scheduler fires a drain regardless of ring pressure.
	DailyAt time.Duration
	// Location is the timezone DailyAt is interpreted in. Defaults to
	// time.Local.
	Location *time.Location
	// PollInterval is how often the scheduler checks ring pressure
	// between daily fires. Defaults to 30s.
	PollInterval time.Duration
	// PressureBytes is the absolute used-bytes threshold that fires an
	// out-of-band drain. Defaults to 50 MiB.
	PressureBytes uint64
	// PressureFraction is the ring utilization fraction that fires an
	// out-of-band drain. Defaults to 0.8 (matching the ring's own
	// backpressure threshold default).
	PressureFraction float64
}

const (
	defaultPollInterval     = 30 * time.Second
	defaultPressureBytes    = 50 * 1024 * 1024
	defaultPressureFraction = 0.8
)

func (c *SchedulerConfig) setDefaults() {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PressureBytes == 0 {
		c.PressureBytes = defaultPressureBytes
	}
	if c.PressureFraction == 0 {
		c.PressureFraction = defaultPressureFraction
	}
}

// Scheduler watches the clock and ring pressure and emits a signal on
// Fire whenever a drain should run. It never drains itself; that
// separation lets the orchestrator serialize drains against manual
// triggers (e.g. the CLI's "process" command) without the scheduler
// needing to know about them.
type Scheduler struct {
	cfg  SchedulerConfig
	ring *ringbuf.Ring
	fire chan string
}

// NewScheduler builds a Scheduler over ring, applying cfg's zero-value
// defaults.
func NewScheduler(cfg SchedulerConfig, ring *ringbuf.Ring) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{cfg: cfg, ring: ring, fire: make(chan string, 1)}
}

// Fire receives a reason string ("daily" or "pressure") each time a
// drain should run. The channel is buffered by one and Run drops a
// fire it can't deliver immediately, since a pending signal already
// covers the next drain.
func (s *Scheduler) Fire() <-chan string {
	return s.fire
}

// Run drives the scheduler until ctx is canceled, polling ring
// pressure every PollInterval and additionally firing once per day at
// DailyAt. This is the direct descendant of friggdb's
// runBlockListPollLoop, generalized from a single ticker to two
// independent trigger sources.
func (s *Scheduler) Run(ctx context.Context) {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	nextDaily := s.nextDailyFire(time.Now())
	dailyTimer := time.NewTimer(time.Until(nextDaily))
	defer dailyTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			stats := s.ring.Stats()
			if stats.Used >= s.cfg.PressureBytes || stats.Utilization >= s.cfg.PressureFraction {
				s.try("pressure")
			}
		case <-dailyTimer.C:
			s.try("daily")
			nextDaily = s.nextDailyFire(time.Now())
			dailyTimer.Reset(time.Until(nextDaily))
		}
	}
}

func (s *Scheduler) try(reason string) {
	select {
	case s.fire <- reason:
	default:
	}
}

// nextDailyFire returns the next occurrence of DailyAt in Location
// strictly after now.
func (s *Scheduler) nextDailyFire(now time.Time) time.Time {
	loc := s.cfg.Location
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	candidate := midnight.Add(s.cfg.DailyAt)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
