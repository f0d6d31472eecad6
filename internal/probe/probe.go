// Package probe provides the synthetic workloads metrond schedules. A
// probe burns a configurable amount of time per run and can be told to
// fail or panic every Nth run, which makes scheduler lag, fault
// isolation, and metrics observable end to end.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "github.com/jazzonaut/metronome/pkg/logx"
)

// ErrSynthetic marks failures a probe produced on purpose.
var ErrSynthetic = errors.New("synthetic failure")

// Spec shapes one probe's behavior.
type Spec struct {
	Name string

	// Work is the busy time per run; Jitter adds a random 0..Jitter on
	// top of it.
	Work   time.Duration
	Jitter time.Duration

	// FailEvery makes every Nth run return ErrSynthetic; PanicEvery makes
	// every Nth run panic. Zero disables. When both divide the same run,
	// the panic wins.
	FailEvery  int
	PanicEvery int
}

// Probe implements metronome.Task.
type Probe struct {
	spec Spec
	log  logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	runs uint64
}

func New(spec Spec, log logx.Logger) *Probe {
	return &Probe{
		spec: spec,
		log:  log,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Runs reports how many times Run was invoked.
func (p *Probe) Runs() uint64 { return atomic.LoadUint64(&p.runs) }

// Run burns the configured busy time, honoring ctx cancellation.
func (p *Probe) Run(ctx context.Context) error {
	n := atomic.AddUint64(&p.runs, 1)
	id := uuid.New().String()
	busy := p.busy()

	if !p.log.IsZero() {
		p.log.Debug("probe run",
			logx.String("run_id", id),
			logx.Uint64("run", n),
			logx.Duration("busy", busy),
		)
	}

	if busy > 0 {
		t := time.NewTimer(busy)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if p.spec.PanicEvery > 0 && n%uint64(p.spec.PanicEvery) == 0 {
		panic(fmt.Sprintf("%s: synthetic panic on run %d (id %s)", p.spec.Name, n, id))
	}
	if p.spec.FailEvery > 0 && n%uint64(p.spec.FailEvery) == 0 {
		return fmt.Errorf("%s run %d: %w", p.spec.Name, n, ErrSynthetic)
	}
	return nil
}

// busy samples the per-run busy time: Work plus 0..Jitter.
func (p *Probe) busy() time.Duration {
	d := p.spec.Work
	if p.spec.Jitter > 0 {
		p.rngMu.Lock()
		d += time.Duration(p.rng.Int63n(int64(p.spec.Jitter) + 1))
		p.rngMu.Unlock()
	}
	return d
}
