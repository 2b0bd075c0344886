package enrichment

import (
	"fmt"
	"time"
)

// WorkItem is one pending tool selected for enrichment. In invoke mode the
// scheduler runs on a single synthetic item with no id or target URL.
type WorkItem struct {
	ID        string `db:"raw_tool_id" validate:"required"`
	TargetURL string `db:"html_url" validate:"required,url"`
}

// Synthetic reports whether the item stands for a bare function invocation
// rather than a selected tool row.
func (w WorkItem) Synthetic() bool {
	return w.ID == "" && w.TargetURL == ""
}

type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomeSkipped        OutcomeKind = "skipped"
	OutcomeRemoteError    OutcomeKind = "remote_error"
	OutcomeTransportError OutcomeKind = "transport_error"
)

type TransportKind string

const (
	TransportTimeout           TransportKind = "timeout"
	TransportConnectionFailure TransportKind = "connection_failure"
	TransportOther             TransportKind = "other"
)

// DispatchOutcome is the closed classification of one edge function call.
// It is informational only: the scheduler logs and records it but never
// branches on it to retry or stop.
type DispatchOutcome struct {
	Kind          OutcomeKind
	Reason        string
	StatusCode    int
	Body          string
	TransportKind TransportKind
	Detail        string
}

func Success(body string) DispatchOutcome {
	return DispatchOutcome{Kind: OutcomeSuccess, Body: body}
}

func SkippedByRemote(reason string) DispatchOutcome {
	if reason == "" {
		reason = "no reason provided"
	}
	return DispatchOutcome{Kind: OutcomeSkipped, Reason: reason}
}

func RemoteError(statusCode int, body string) DispatchOutcome {
	return DispatchOutcome{Kind: OutcomeRemoteError, StatusCode: statusCode, Body: body}
}

func TransportError(kind TransportKind, detail string) DispatchOutcome {
	return DispatchOutcome{Kind: OutcomeTransportError, TransportKind: kind, Detail: detail}
}

func (o DispatchOutcome) OK() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeSkipped
}

func (o DispatchOutcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return fmt.Sprintf("skipped: %s", o.Reason)
	case OutcomeRemoteError:
		return fmt.Sprintf("remote error status=%d body=%s", o.StatusCode, o.Body)
	case OutcomeTransportError:
		return fmt.Sprintf("transport error kind=%s detail=%s", o.TransportKind, o.Detail)
	default:
		return string(o.Kind)
	}
}

type DispatchStatus string

const (
	StatusSent      DispatchStatus = "sent"
	StatusCompleted DispatchStatus = "completed"
	StatusSkipped   DispatchStatus = "skipped"
	StatusFailed    DispatchStatus = "failed"
)

// StatusFromOutcome maps a classification onto the audit-row status.
func StatusFromOutcome(outcome DispatchOutcome) DispatchStatus {
	switch outcome.Kind {
	case OutcomeSuccess:
		return StatusCompleted
	case OutcomeSkipped:
		return StatusSkipped
	default:
		return StatusFailed
	}
}

// DispatchEvent is the audit record of one dispatch attempt.
type DispatchEvent struct {
	DispatchID string
	Mode       string
	ToolID     string
	TargetURL  string
	Status     DispatchStatus
	Outcome    DispatchOutcome
	OccurredAt time.Time
	TraceID    string
	SpanID     string
}
