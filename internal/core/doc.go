// Package core holds the domain vocabulary of the file pipeline.
//
// It has no transport or storage dependencies and is shared by intake,
// workers, the projector and the HTTP layer.
//
// # Records
//
// A [FileSubmission] is written once when an upload is accepted. Its
// [StatusRecord] is the single authoritative status of the file and is
// only ever changed by a version-guarded conditional write:
//
//	submitted --Started--> processing --Succeeded--> completed
//	    |                      |
//	    +------Failed----------+-----Failed--------> failed
//	                                                   |
//	submitted <----------------Resubmitted-------------+  (manual retry)
//
// # Events
//
// [Event] is a closed union ([Submitted], [Started], [Succeeded], [Failed],
// [Resubmitted]). Consumers use a type switch with a default branch that
// rejects unknown variants. Worker outcome ids come from
// [DeterministicEventID], so redelivered work carries the id of its first run.
//
// # Errors
//
//   - [ValidationError]: submission rejected before persistence
//   - [ParseError]: malformed content, terminal
//   - [Transient]: infrastructure failure worth retrying
//   - [ErrVersionConflict], [ErrConsistencyAnomaly], [ErrNotFound]
//
// [MapError] turns any of these into a coded [UserMessage].
//
// # Retries
//
// [Retry] runs an operation under a [RetryPolicy]: bounded attempts with
// exponential backoff, the state held in a cenkalti/backoff value created
// per operation.
package core
