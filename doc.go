// Package metronome runs a task at a fixed rate and compensates for runs
// that overshoot their interval.
//
// A Scheduler computes every firing from one formula instead of chaining
// sleeps, so timing errors never accumulate:
//
//	target = runs*interval + startDelay + lag + epoch
//
// When a run takes longer than the interval, the overshoot is added to a
// cumulative lag term, which pushes ALL later targets back by the same
// amount. Spacing between targets stays even and the long-run rate
// converges on the configured interval; the scheduler never fires
// back-to-back bursts to "catch up".
//
// Keep in mind:
//   - Runs never overlap. A slow task lowers the effective rate.
//   - Task errors and panics are isolated: the loop keeps going, and each
//     fault is delivered to OnFailure subscribers.
//   - Counters (RunCount, TotalRunTime, TotalLagTime, FailureCount) are
//     lifetime values; Stop/Start does not reset them.
package metronome
