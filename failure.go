package metronome

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/jazzonaut/metronome/pkg/logx"
)

// Failure describes one faulted cycle: the task returned a non-nil error
// or panicked. Faults never stop the timing loop.
type Failure struct {
	// Scheduler is the WithName label; may be empty.
	Scheduler string
	// Cycle is the number of completed runs when the fault occurred,
	// i.e. the zero-based index of the faulted cycle.
	Cycle uint64
	// Err is the task error, or a wrapped panic value.
	Err error
	// Stack is the goroutine stack captured for panics; empty for
	// ordinary errors.
	Stack string
	// At is the wall-clock time the fault was observed.
	At time.Time
	// Fatal is reserved for faults that stop the loop. Task faults are
	// always non-fatal; only abnormal internal conditions could set it.
	Fatal bool
}

type failureSub struct {
	id int
	fn func(Failure)
}

// OnFailure registers fn to be called for every faulted cycle. Handlers
// run synchronously on the timing loop goroutine, in registration order,
// so they should be quick; a slow handler delays subsequent cycles just
// like a slow task. A panic inside fn is recovered and logged.
//
// The returned function removes the subscription and is safe to call
// more than once.
func (s *Scheduler) OnFailure(fn func(Failure)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	s.obsMu.Lock()
	id := s.obsSeq
	s.obsSeq++
	s.obs = append(s.obs, failureSub{id: id, fn: fn})
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			for i := range s.obs {
				if s.obs[i].id == id {
					s.obs = append(s.obs[:i], s.obs[i+1:]...)
					break
				}
			}
			s.obsMu.Unlock()
		})
	}
}

func (s *Scheduler) notifyFailure(log logx.Logger, f Failure) {
	atomic.AddUint64(&s.failures, 1)

	s.obsMu.Lock()
	subs := make([]failureSub, len(s.obs))
	copy(subs, s.obs)
	s.obsMu.Unlock()

	log.Debug("cycle faulted",
		logx.Uint64("cycle", f.Cycle),
		logx.Err(f.Err),
		logx.Bool("panic", f.Stack != ""),
	)

	for _, sub := range subs {
		dispatchFailure(sub.fn, f, log)
	}
}

// dispatchFailure isolates handler panics from the timing loop.
func dispatchFailure(fn func(Failure), f Failure, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in failure handler",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	fn(f)
}
