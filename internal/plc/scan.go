// Package plc drives the cyclic PLC scan: a fixed-interval tick that
// calls every registered Connection function block exactly once per
// scan, on a single cooperative goroutine that performs no I/O of its
// own (§5 — "the PLC program itself is a single cooperative thread").
package plc

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Step is one Connection's per-scan work: gather its current inputs and
// call its function block's Cycle. The scan driver treats it as opaque.
type Step func()

// ScanDriver ticks every registered Step once per scan interval, scaled
// by DilationFactor (§10.3/§12): a dilation > 1 slows the simulated scan
// rate down relative to wall-clock time, since this system makes no
// wall-clock guarantee (spec Non-goals).
type ScanDriver struct {
	cron     *cron.Cron
	mu       sync.Mutex
	steps    []Step
	interval time.Duration
	entryID  cron.EntryID
	started  bool
}

// NewScanDriver builds a driver ticking every baseInterval*dilation.
func NewScanDriver(baseInterval time.Duration, dilationFactor float64) *ScanDriver {
	if dilationFactor <= 0 {
		dilationFactor = 1
	}
	interval := time.Duration(float64(baseInterval) * dilationFactor)
	return &ScanDriver{
		cron:     cron.New(cron.WithSeconds()),
		interval: interval,
	}
}

// Register adds a Step to run on every scan tick, in registration order.
func (d *ScanDriver) Register(step Step) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, step)
}

// Start begins ticking. It is safe to Register additional Steps after
// Start, but they won't run until the tick after they're added.
func (d *ScanDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	// cron's "@every" spec rounds intervals under one second up to a
	// second, so the tick is installed as a plain fixed-delay schedule.
	d.entryID = d.cron.Schedule(fixedInterval(d.interval), cron.FuncJob(d.scanOnce))
	d.cron.Start()
	d.started = true
	return nil
}

// Stop halts ticking; in-flight scan steps are allowed to finish.
func (d *ScanDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	ctx := d.cron.Stop()
	<-ctx.Done()
	d.started = false
}

// fixedInterval is a cron.Schedule that fires every interval, with no
// rounding to whole seconds.
type fixedInterval time.Duration

func (f fixedInterval) Next(t time.Time) time.Time { return t.Add(time.Duration(f)) }

func (d *ScanDriver) scanOnce() {
	d.mu.Lock()
	steps := make([]Step, len(d.steps))
	copy(steps, d.steps)
	d.mu.Unlock()

	for _, step := range steps {
		step()
	}
}
