package postgres

import (
	"context"
	"strings"
	"time"

	sonic "github.com/bytedance/sonic"
	crerr "github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/toolhunt/enrich-scheduler/internal/domain/enrichment"
)

const upsertDispatchQuery = `
INSERT INTO enrichment_dispatches (
    dispatch_id, mode, tool_id, target_url, status, outcome, last_error,
    sent_at, finished_at, trace_id, span_id
) VALUES (
    :dispatch_id, :mode, :tool_id, :target_url, :status, :outcome, :last_error,
    :sent_at, :finished_at, :trace_id, :span_id
)
ON CONFLICT (dispatch_id)
DO UPDATE SET
    status = EXCLUDED.status,
    outcome = COALESCE(EXCLUDED.outcome, enrichment_dispatches.outcome),
    last_error = EXCLUDED.last_error,
    sent_at = COALESCE(enrichment_dispatches.sent_at, EXCLUDED.sent_at),
    finished_at = COALESCE(EXCLUDED.finished_at, enrichment_dispatches.finished_at),
    trace_id = EXCLUDED.trace_id,
    span_id = EXCLUDED.span_id`

// DispatchEventRepository keeps one audit row per dispatch id, moving it
// from sent to its final status. Re-dispatching within the same tick slot
// overwrites the previous attempt rather than duplicating it.
type DispatchEventRepository struct {
	db *sqlx.DB
}

func NewDispatchEventRepository(db *sqlx.DB) *DispatchEventRepository {
	return &DispatchEventRepository{db: db}
}

type dispatchRowModel struct {
	DispatchID string     `db:"dispatch_id"`
	Mode       string     `db:"mode"`
	ToolID     *string    `db:"tool_id"`
	TargetURL  *string    `db:"target_url"`
	Status     string     `db:"status"`
	Outcome    *string    `db:"outcome"`
	LastError  *string    `db:"last_error"`
	SentAt     time.Time  `db:"sent_at"`
	FinishedAt *time.Time `db:"finished_at"`
	TraceID    *string    `db:"trace_id"`
	SpanID     *string    `db:"span_id"`
}

func (r *DispatchEventRepository) UpsertEvent(ctx context.Context, event enrichment.DispatchEvent) error {
	dispatchID := strings.TrimSpace(event.DispatchID)
	if dispatchID == "" {
		return crerr.New("dispatch id is required")
	}

	occurredAt := event.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	model := dispatchRowModel{
		DispatchID: dispatchID,
		Mode:       event.Mode,
		ToolID:     optionalString(event.ToolID),
		TargetURL:  optionalString(event.TargetURL),
		Status:     string(event.Status),
		SentAt:     occurredAt,
		TraceID:    optionalString(event.TraceID),
		SpanID:     optionalString(event.SpanID),
	}

	// Sent rows carry no outcome yet; anything else is a final status.
	if event.Status != enrichment.StatusSent {
		outcomeJSON, err := marshalOutcome(event.Outcome)
		if err != nil {
			return crerr.Wrap(err, "marshal dispatch outcome")
		}
		model.Outcome = &outcomeJSON
		model.FinishedAt = &occurredAt
	}
	if event.Status == enrichment.StatusFailed {
		model.LastError = optionalString(event.Outcome.String())
	}

	if _, err := r.db.NamedExecContext(ctx, upsertDispatchQuery, model); err != nil {
		return crerr.Wrapf(err, "upsert dispatch event dispatch_id=%s status=%s", dispatchID, event.Status)
	}

	return nil
}

type outcomeJSONModel struct {
	Kind          string `json:"kind"`
	Reason        string `json:"reason,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	Body          string `json:"body,omitempty"`
	TransportKind string `json:"transport_kind,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

func marshalOutcome(outcome enrichment.DispatchOutcome) (string, error) {
	raw, err := sonic.Marshal(outcomeJSONModel{
		Kind:          string(outcome.Kind),
		Reason:        outcome.Reason,
		StatusCode:    outcome.StatusCode,
		Body:          outcome.Body,
		TransportKind: string(outcome.TransportKind),
		Detail:        outcome.Detail,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
