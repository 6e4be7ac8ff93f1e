package status

import (
	"fmt"
	"time"

	"github.com/JonMunkholm/fileflow/internal/core"
)

// Decision is what the state machine concluded about an event.
type Decision int

const (
	// Apply means the event produces a new record that must be written.
	Apply Decision = iota
	// Noop means the event is already reflected (duplicate, stale, late signal).
	Noop
	// Anomaly means the event contradicts a terminal record and is rejected.
	Anomaly
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Noop:
		return "noop"
	case Anomaly:
		return "anomaly"
	default:
		return "unknown"
	}
}

// Outcome is the result of Decide.
type Outcome struct {
	Decision Decision
	Next     core.StatusRecord // valid when Decision == Apply
	Reason   string            // why a Noop or Anomaly was chosen
}

// Decide evaluates ev against the current record. It is pure: the same
// inputs always give the same outcome. A returned error wraps
// core.ErrIllegalTransition and is reserved for manual retries of files
// that are not Failed.
//
// Legal edges:
//
//	Submitted  --Started-->     Processing
//	Submitted  --Succeeded-->   Completed
//	Processing --Succeeded-->   Completed
//	Submitted  --Failed-->      Failed
//	Processing --Failed-->      Failed
//	Failed     --Resubmitted--> Submitted (generation+1)
func Decide(cur core.StatusRecord, ev core.Event, now time.Time) (Outcome, error) {
	h := ev.Header()

	if h.EventID != "" && h.EventID == cur.LastEventID {
		return noop("event already applied"), nil
	}

	if r, ok := ev.(core.Resubmitted); ok {
		return decideResubmit(cur, r, now)
	}

	if h.Generation < cur.Generation {
		return noop(fmt.Sprintf("stale generation %d < %d", h.Generation, cur.Generation)), nil
	}
	if h.Generation > cur.Generation {
		return anomaly(fmt.Sprintf("event generation %d ahead of record generation %d", h.Generation, cur.Generation)), nil
	}

	next := cur
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	next.LastEventID = h.EventID

	switch e := ev.(type) {
	case core.Submitted:
		return noop("submission does not change status"), nil

	case core.Started:
		if cur.State != core.StateSubmitted {
			return noop("already past " + string(core.StateSubmitted)), nil
		}
		next.State = core.StateProcessing
		return Outcome{Decision: Apply, Next: next}, nil

	case core.Succeeded:
		switch cur.State {
		case core.StateSubmitted, core.StateProcessing:
			res := e.Result
			next.State = core.StateCompleted
			next.Result = &res
			next.Error = nil
			return Outcome{Decision: Apply, Next: next}, nil
		case core.StateCompleted:
			if cur.Result != nil && cur.Result.Equal(e.Result) {
				return noop("already completed with the same result"), nil
			}
			return anomaly("succeeded with a different result than the recorded one"), nil
		default:
			return anomaly("succeeded after " + string(cur.State)), nil
		}

	case core.Failed:
		switch cur.State {
		case core.StateSubmitted, core.StateProcessing:
			detail := e.Detail
			next.State = core.StateFailed
			next.Error = &detail
			next.Result = nil
			return Outcome{Decision: Apply, Next: next}, nil
		case core.StateFailed:
			return noop("already failed"), nil
		default:
			return anomaly("failed after " + string(cur.State)), nil
		}

	default:
		return Outcome{}, fmt.Errorf("%w: unknown event %T", core.ErrIllegalTransition, ev)
	}
}

func decideResubmit(cur core.StatusRecord, ev core.Resubmitted, now time.Time) (Outcome, error) {
	if ev.Generation <= cur.Generation {
		return noop(fmt.Sprintf("generation %d already dispatched", ev.Generation)), nil
	}
	if cur.State != core.StateFailed {
		return Outcome{}, fmt.Errorf("%w: retry requires %s, file is %s", core.ErrIllegalTransition, core.StateFailed, cur.State)
	}
	if ev.Generation != cur.Generation+1 {
		return Outcome{}, fmt.Errorf("%w: retry generation %d, want %d", core.ErrIllegalTransition, ev.Generation, cur.Generation+1)
	}

	next := cur
	next.State = core.StateSubmitted
	next.Version = cur.Version + 1
	next.Generation = ev.Generation
	next.UpdatedAt = now
	next.LastEventID = ev.EventID
	next.Error = nil
	next.Result = nil
	return Outcome{Decision: Apply, Next: next}, nil
}

func noop(reason string) Outcome    { return Outcome{Decision: Noop, Reason: reason} }
func anomaly(reason string) Outcome { return Outcome{Decision: Anomaly, Reason: reason} }
