package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the wire discriminator of an Event.
type EventType string

const (
	EventSubmitted   EventType = "submitted"
	EventStarted     EventType = "started"
	EventSucceeded   EventType = "succeeded"
	EventFailed      EventType = "failed"
	EventResubmitted EventType = "resubmitted"
)

// eventNamespace seeds deterministic event ids so a redelivered piece of
// work produces the same identifier as its first run.
var eventNamespace = uuid.MustParse("7b1d7c52-3f0e-4c55-9d0c-2f6a0e5b8a41")

// DeterministicEventID derives an event id from the file, the dispatch
// generation and the event type.
func DeterministicEventID(fileID string, generation int, typ EventType) string {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s/%d/%s", fileID, generation, typ))).String()
}

// EventHeader is carried by every event variant.
type EventHeader struct {
	EventID    string    `json:"event_id"`
	FileID     string    `json:"file_id"`
	Generation int       `json:"generation"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event is the closed set of pipeline events. Consumers switch on the
// concrete type and must handle every variant.
type Event interface {
	Header() EventHeader
	Type() EventType
	sealed()
}

// Submitted announces that a file is stored and awaiting processing.
type Submitted struct {
	EventHeader
	Submission FileSubmission `json:"submission"`
}

// Started announces that a worker claimed the file.
type Started struct {
	EventHeader
	Worker string `json:"worker,omitempty"`
}

// Succeeded carries the result summary of a processed file.
type Succeeded struct {
	EventHeader
	Result ResultSummary `json:"result"`
}

// Failed carries the reason a file could not be processed.
type Failed struct {
	EventHeader
	Detail ErrorDetail `json:"detail"`
}

// Resubmitted is the manual retry trigger that moves Failed back to Submitted.
type Resubmitted struct {
	EventHeader
	RequestedBy string `json:"requested_by,omitempty"`
}

func (e Submitted) Header() EventHeader   { return e.EventHeader }
func (e Started) Header() EventHeader     { return e.EventHeader }
func (e Succeeded) Header() EventHeader   { return e.EventHeader }
func (e Failed) Header() EventHeader      { return e.EventHeader }
func (e Resubmitted) Header() EventHeader { return e.EventHeader }

func (Submitted) Type() EventType   { return EventSubmitted }
func (Started) Type() EventType     { return EventStarted }
func (Succeeded) Type() EventType   { return EventSucceeded }
func (Failed) Type() EventType      { return EventFailed }
func (Resubmitted) Type() EventType { return EventResubmitted }

func (Submitted) sealed()   {}
func (Started) sealed()     {}
func (Succeeded) sealed()   {}
func (Failed) sealed()      {}
func (Resubmitted) sealed() {}

// NewSubmitted builds the dispatch event for a submission at a generation.
func NewSubmitted(sub FileSubmission, generation int, at time.Time) Submitted {
	return Submitted{EventHeader: header(sub.ID, generation, EventSubmitted, at), Submission: sub}
}

func header(fileID string, generation int, typ EventType, at time.Time) EventHeader {
	return EventHeader{
		EventID:    DeterministicEventID(fileID, generation, typ),
		FileID:     fileID,
		Generation: generation,
		OccurredAt: at,
	}
}

// NewStarted builds the claim signal a worker emits before processing.
func NewStarted(fileID string, generation int, worker string, at time.Time) Started {
	return Started{EventHeader: header(fileID, generation, EventStarted, at), Worker: worker}
}

// NewSucceeded builds the success outcome for a generation.
func NewSucceeded(fileID string, generation int, result ResultSummary, at time.Time) Succeeded {
	return Succeeded{EventHeader: header(fileID, generation, EventSucceeded, at), Result: result}
}

// NewResubmitted builds the manual retry trigger. generation is the new
// generation, one above the failed record's.
func NewResubmitted(fileID string, generation int, requestedBy string, at time.Time) Resubmitted {
	return Resubmitted{EventHeader: header(fileID, generation, EventResubmitted, at), RequestedBy: requestedBy}
}

// NewFailed builds a Failed event with the message code filled from the catalogue.
func NewFailed(fileID string, generation int, reason FailureReason, cause error, rows []RowError, at time.Time) Failed {
	msg := MapError(cause)
	text := ""
	if cause != nil {
		text = cause.Error()
	}
	return Failed{
		EventHeader: header(fileID, generation, EventFailed, at),
		Detail: ErrorDetail{
			Reason:    reason,
			Category:  reason.Category(),
			Code:      msg.Code,
			Message:   text,
			RowErrors: rows,
		},
	}
}

// envelope is the wire form of an Event.
type envelope struct {
	EventID    string          `json:"event_id"`
	Type       EventType       `json:"type"`
	FileID     string          `json:"file_id"`
	Generation int             `json:"generation"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// EncodeEvent serializes an event into its JSON envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	var payload any
	switch e := ev.(type) {
	case Submitted:
		payload = struct {
			Submission FileSubmission `json:"submission"`
		}{e.Submission}
	case Started:
		payload = struct {
			Worker string `json:"worker,omitempty"`
		}{e.Worker}
	case Succeeded:
		payload = struct {
			Result ResultSummary `json:"result"`
		}{e.Result}
	case Failed:
		payload = struct {
			Detail ErrorDetail `json:"detail"`
		}{e.Detail}
	case Resubmitted:
		payload = struct {
			RequestedBy string `json:"requested_by,omitempty"`
		}{e.RequestedBy}
	default:
		return nil, fmt.Errorf("encode event: unknown event type %T", ev)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	h := ev.Header()
	return json.Marshal(envelope{
		EventID:    h.EventID,
		Type:       ev.Type(),
		FileID:     h.FileID,
		Generation: h.Generation,
		OccurredAt: h.OccurredAt,
		Payload:    raw,
	})
}

// DecodeEvent parses a JSON envelope back into its concrete event variant.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if env.EventID == "" || env.FileID == "" {
		return nil, fmt.Errorf("decode event: missing event_id or file_id")
	}
	h := EventHeader{
		EventID:    env.EventID,
		FileID:     env.FileID,
		Generation: env.Generation,
		OccurredAt: env.OccurredAt,
	}

	switch env.Type {
	case EventSubmitted:
		e := Submitted{EventHeader: h}
		return e.withPayload(env.Payload)
	case EventStarted:
		e := Started{EventHeader: h}
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode started: %w", err)
		}
		e.EventHeader = h
		return e, nil
	case EventSucceeded:
		e := Succeeded{EventHeader: h}
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode succeeded: %w", err)
		}
		e.EventHeader = h
		return e, nil
	case EventFailed:
		e := Failed{EventHeader: h}
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode failed: %w", err)
		}
		e.EventHeader = h
		return e, nil
	case EventResubmitted:
		e := Resubmitted{EventHeader: h}
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode resubmitted: %w", err)
		}
		e.EventHeader = h
		return e, nil
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", env.Type)
	}
}

func (e Submitted) withPayload(raw json.RawMessage) (Event, error) {
	var p struct {
		Submission FileSubmission `json:"submission"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode submitted: %w", err)
	}
	if p.Submission.ID != e.FileID {
		return nil, fmt.Errorf("decode submitted: submission id %q does not match file id %q", p.Submission.ID, e.FileID)
	}
	e.Submission = p.Submission
	return e, nil
}
