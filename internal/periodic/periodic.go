// Package periodic runs the core's recurring ticks off a single cron
// scheduler, the way the orchestrator drives its own cron schedules. The
// app wires three of them: the starvation scan, the fleet health sweep and
// the stale-agent sweep; there is no SLA-window or rebalancing tick.
package periodic

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Driver owns a cron.Cron instance with seconds precision and named entries.
type Driver struct {
	cron *cron.Cron
	log  *slog.Logger
	ids  map[string]cron.EntryID
}

// New constructs a Driver. Call Start to begin firing.
func New(log *slog.Logger) *Driver {
	return &Driver{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		log:  log,
		ids:  map[string]cron.EntryID{},
	}
}

// Every schedules fn to run at the given interval under name, using cron's
// "@every" shorthand rather than a raw crontab expression. cron rounds
// intervals below one second up to one second.
func (d *Driver) Every(name string, interval time.Duration, fn func()) error {
	id, err := d.cron.AddFunc("@every "+interval.String(), func() {
		start := time.Now()
		fn()
		d.log.Debug("periodic tick completed", "name", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return err
	}
	d.ids[name] = id
	return nil
}

// Start begins firing scheduled entries in their own goroutine.
func (d *Driver) Start() { d.cron.Start() }

// Stop blocks until any in-flight entries finish, then stops firing.
func (d *Driver) Stop() {
	ctx := d.cron.Stop()
	<-ctx.Done()
}

// Entries reports how many named jobs are currently scheduled.
func (d *Driver) Entries() int { return len(d.cron.Entries()) }
