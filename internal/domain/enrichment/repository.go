package enrichment

import "context"

// Source yields the work items for one scheduler tick. An empty slice means
// no pending work this tick.
type Source interface {
	FetchBatch(ctx context.Context) ([]WorkItem, error)
}

// Dispatcher performs exactly one synchronous call to the edge function for
// one item. Every failure mode is folded into the returned outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, item WorkItem) DispatchOutcome
}

// EventRecorder persists dispatch audit rows.
type EventRecorder interface {
	UpsertEvent(ctx context.Context, event DispatchEvent) error
}
