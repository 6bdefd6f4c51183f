// Package retry schedules failed invoice charges through the recovery stages.
//
// # Stages
//
//	1 immediate   each usable method is retried up to Stage1MaxPerMethod times,
//	              rotating through the hierarchy, ImmediateDelay apart
//	2 grace       the issue enters grace_period; all usable methods are cycled at
//	              grace start + k*GraceInterval until the grace end
//	3 escalated   at the grace end the issue escalates and the subscription is
//	              suspended; no further automatic retries
//
// A subscriber without a usable method escalates at once, from any stage.
//
// # Entry points
//
//   - Collect: first attempt on a new invoice
//   - ProcessDue: every issue whose next retry is due, run through async.Batch
//   - RetryNow: manual retry; duplicate calls share one attempt, and an escalated
//     issue re-enters stage 1 with fresh counters
//
// Every step runs under the invoice lock, so attempt numbers stay gap-free even when
// a manual retry races the scheduler.
//
// # Policy
//
// The timing knobs live in a PolicyStore that can be swapped at runtime or reloaded
// from a YAML file with PolicyStore.Watch.
package retry
