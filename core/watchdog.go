package core

import (
	"context"
	"sync"
	"time"
)

// WatchdogOptions configures the stuck-actor watchdog.
type WatchdogOptions struct {
	// Threshold is how long a single run may take before it is flagged
	Threshold time.Duration

	// Interval between samples; defaults to a quarter of Threshold
	Interval time.Duration

	// Disabled turns the watchdog off
	Disabled bool
}

// WatchdogReport describes a flagged run.
type WatchdogReport struct {
	Worker  int
	Addr    Addr
	Group   string
	Key     string
	Elapsed time.Duration
}

// Watchdog samples per-worker run start times and reports runs that exceed
// the threshold. It only observes: a flagged actor keeps running.
type Watchdog struct {
	threshold time.Duration
	interval  time.Duration
	slots     []watchSlot
	report    func(WatchdogReport)
	now       func() time.Time
}

type watchSlot struct {
	mu      sync.Mutex
	inst    *ActorInstance
	started time.Time
	run     uint64
	flagged uint64
}

// NewWatchdog creates a watchdog for the given number of worker slots.
func NewWatchdog(workers int, opts WatchdogOptions, report func(WatchdogReport)) *Watchdog {
	if opts.Threshold <= 0 {
		opts.Threshold = time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = opts.Threshold / 4
	}
	return &Watchdog{
		threshold: opts.Threshold,
		interval:  opts.Interval,
		slots:     make([]watchSlot, workers),
		report:    report,
		now:       time.Now,
	}
}

func (wd *Watchdog) begin(worker int, inst *ActorInstance) {
	s := &wd.slots[worker]
	s.mu.Lock()
	s.inst = inst
	s.started = wd.now()
	s.run++
	s.mu.Unlock()
}

func (wd *Watchdog) end(worker int) {
	s := &wd.slots[worker]
	s.mu.Lock()
	s.inst = nil
	s.mu.Unlock()
}

// Run samples until ctx is done.
func (wd *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(wd.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wd.Sample()
		}
	}
}

// Sample checks every worker once. Each run is reported at most once.
func (wd *Watchdog) Sample() []WatchdogReport {
	now := wd.now()

	var reports []WatchdogReport
	for i := range wd.slots {
		s := &wd.slots[i]
		s.mu.Lock()
		if s.inst != nil && s.flagged != s.run {
			if elapsed := now.Sub(s.started); elapsed > wd.threshold {
				s.flagged = s.run
				reports = append(reports, WatchdogReport{
					Worker:  i,
					Addr:    s.inst.addr,
					Group:   s.inst.group.name,
					Key:     s.inst.key,
					Elapsed: elapsed,
				})
			}
		}
		s.mu.Unlock()
	}

	if wd.report != nil {
		for _, r := range reports {
			wd.report(r)
		}
	}
	return reports
}
