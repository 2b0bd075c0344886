package usecase

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/toolhunt/enrich-scheduler/internal/domain/enrichment"
	"github.com/toolhunt/enrich-scheduler/internal/platform/logging"
	"go.opentelemetry.io/otel/trace"
)

// maxSleepChunk bounds how long the scheduler sleeps without re-checking the
// shutdown context and the run deadline.
const maxSleepChunk = 10 * time.Second

type StopReason string

const (
	StopDeadline StopReason = "deadline"
	StopShutdown StopReason = "shutdown"
	StopFault    StopReason = "fault"
)

type SchedulerConfig struct {
	// Mode names the fetch strategy in logs and dispatch ids
	// ("invoke" or "batch").
	Mode         string
	TickInterval time.Duration
	// RunDuration bounds the whole run. Zero means unbounded.
	RunDuration time.Duration
}

type RunReport struct {
	Ticks           int        `json:"ticks"`
	Dispatched      int        `json:"dispatched"`
	Succeeded       int        `json:"succeeded"`
	Skipped         int        `json:"skipped"`
	RemoteErrors    int        `json:"remote_errors"`
	TransportErrors int        `json:"transport_errors"`
	FetchFailures   int        `json:"fetch_failures"`
	StopReason      StopReason `json:"stop_reason"`
}

type noopRecorder struct{}

func (noopRecorder) UpsertEvent(context.Context, enrichment.DispatchEvent) error { return nil }

func NewNoopRecorder() enrichment.EventRecorder {
	return noopRecorder{}
}

// SchedulerService drives the bounded polling loop: fetch a batch, dispatch
// each item sequentially, sleep in interruptible chunks, stop on deadline or
// context cancellation.
type SchedulerService struct {
	source     enrichment.Source
	dispatcher enrichment.Dispatcher
	recorder   enrichment.EventRecorder
	cfg        SchedulerConfig
	logger     *logging.Logger

	now        func() time.Time
	sleepChunk time.Duration
}

var dispatchIDUnsafeRegex = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func NewSchedulerService(
	source enrichment.Source,
	dispatcher enrichment.Dispatcher,
	recorder enrichment.EventRecorder,
	cfg SchedulerConfig,
	logger *logging.Logger,
) *SchedulerService {
	if recorder == nil {
		recorder = NewNoopRecorder()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if strings.TrimSpace(cfg.Mode) == "" {
		cfg.Mode = "invoke"
	}

	return &SchedulerService{
		source:     source,
		dispatcher: dispatcher,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sleepChunk: maxSleepChunk,
	}
}

// Run executes ticks until the context is cancelled, the run duration
// elapses, or a tick panics. Per-item and per-fetch failures never stop the
// run; they are logged, counted, and the loop moves on.
func (s *SchedulerService) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{}

	if s.source == nil {
		return report, fmt.Errorf("%w: batch source is required", ErrInvalidInput)
	}
	if s.dispatcher == nil {
		return report, fmt.Errorf("%w: dispatcher is required", ErrInvalidInput)
	}
	if s.cfg.TickInterval <= 0 {
		return report, fmt.Errorf("%w: tick interval must be > 0, got %s", ErrInvalidInput, s.cfg.TickInterval)
	}
	if s.cfg.RunDuration < 0 {
		return report, fmt.Errorf("%w: run duration must be >= 0, got %s", ErrInvalidInput, s.cfg.RunDuration)
	}

	start := s.now()
	var deadline time.Time
	if s.cfg.RunDuration > 0 {
		deadline = start.Add(s.cfg.RunDuration)
	}

	s.logger.InfoContext(ctx, "scheduler starting",
		"mode", s.cfg.Mode,
		"tick_interval", s.cfg.TickInterval,
		"run_duration", s.cfg.RunDuration,
		"bounded", !deadline.IsZero(),
	)

	for {
		if ctx.Err() != nil {
			report.StopReason = StopShutdown
			break
		}
		if !deadline.IsZero() && !s.now().Before(deadline) {
			report.StopReason = StopDeadline
			break
		}

		report.Ticks++
		if err := s.tick(ctx, &report); err != nil {
			report.StopReason = StopFault
			s.logger.ErrorContext(ctx, "scheduler stopping on unexpected tick fault", "tick", report.Ticks, "error", err)
			return report, err
		}

		if ctx.Err() != nil {
			report.StopReason = StopShutdown
			break
		}
		if !deadline.IsZero() && !s.now().Before(deadline) {
			report.StopReason = StopDeadline
			break
		}

		s.sleepUntilNextTick(ctx, deadline)
	}

	s.logger.Info("scheduler stopped",
		"reason", report.StopReason,
		"ticks", report.Ticks,
		"dispatched", report.Dispatched,
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"remote_errors", report.RemoteErrors,
		"transport_errors", report.TransportErrors,
		"fetch_failures", report.FetchFailures,
	)

	return report, nil
}

// tick fetches one batch and dispatches every item in order. Collaborators
// return classified values rather than panicking; a panic here is therefore
// a bug, surfaced as ErrUnexpectedTickFault.
func (s *SchedulerService) tick(ctx context.Context, report *RunReport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnexpectedTickFault, r)
		}
	}()

	items, fetchErr := s.source.FetchBatch(ctx)
	if fetchErr != nil {
		report.FetchFailures++
		s.logger.ErrorContext(ctx, "batch fetch failed, skipping tick", "tick", report.Ticks, "error", fetchErr)
		return nil
	}
	if len(items) == 0 {
		s.logger.InfoContext(ctx, "no pending work this tick", "tick", report.Ticks)
		return nil
	}

	s.logger.InfoContext(ctx, "dispatching batch", "tick", report.Ticks, "items", len(items))

	for _, item := range items {
		sentAt := s.now().UTC()
		id := dispatchID(s.cfg.Mode, itemLabel(item), sentAt, s.cfg.TickInterval)
		s.record(ctx, id, item, enrichment.StatusSent, enrichment.DispatchOutcome{}, sentAt)

		outcome := s.dispatcher.Dispatch(ctx, item)
		s.count(report, outcome)
		s.logOutcome(ctx, item, outcome)
		s.record(ctx, id, item, enrichment.StatusFromOutcome(outcome), outcome, s.now().UTC())

		if ctx.Err() != nil {
			// Shutdown arrived mid-batch; the remaining items wait for
			// the next run.
			return nil
		}
	}

	return nil
}

func (s *SchedulerService) count(report *RunReport, outcome enrichment.DispatchOutcome) {
	report.Dispatched++
	switch outcome.Kind {
	case enrichment.OutcomeSuccess:
		report.Succeeded++
	case enrichment.OutcomeSkipped:
		report.Skipped++
	case enrichment.OutcomeRemoteError:
		report.RemoteErrors++
	case enrichment.OutcomeTransportError:
		report.TransportErrors++
	}
}

func (s *SchedulerService) logOutcome(ctx context.Context, item enrichment.WorkItem, outcome enrichment.DispatchOutcome) {
	args := []any{
		"mode", s.cfg.Mode,
		"tool_id", itemLabel(item),
		"target_url", item.TargetURL,
		"outcome", string(outcome.Kind),
	}

	switch outcome.Kind {
	case enrichment.OutcomeSuccess:
		s.logger.InfoContext(ctx, "dispatch succeeded", args...)
	case enrichment.OutcomeSkipped:
		s.logger.InfoContext(ctx, "dispatch skipped by function", append(args, "reason", outcome.Reason)...)
	case enrichment.OutcomeRemoteError:
		s.logger.ErrorContext(ctx, "dispatch rejected by function",
			append(args, "status", outcome.StatusCode, "body", outcome.Body)...)
	case enrichment.OutcomeTransportError:
		s.logger.ErrorContext(ctx, "dispatch transport failure",
			append(args, "kind", string(outcome.TransportKind), "detail", outcome.Detail)...)
	}
}

func (s *SchedulerService) record(ctx context.Context, id string, item enrichment.WorkItem, status enrichment.DispatchStatus, outcome enrichment.DispatchOutcome, at time.Time) {
	event := enrichment.DispatchEvent{
		DispatchID: id,
		Mode:       s.cfg.Mode,
		ToolID:     item.ID,
		TargetURL:  item.TargetURL,
		Status:     status,
		Outcome:    outcome,
		OccurredAt: at,
	}
	event.TraceID, event.SpanID = traceMetaFromContext(ctx)

	// The audit write belongs to the dispatch that just ran; a shutdown
	// signal must not void it.
	if err := s.recorder.UpsertEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.WarnContext(ctx, "record dispatch event failed",
			"dispatch_id", event.DispatchID,
			"status", event.Status,
			"error", err,
		)
	}
}

// sleepUntilNextTick waits one tick interval in chunks of at most
// maxSleepChunk, returning early when the context is cancelled or the
// deadline is crossed.
func (s *SchedulerService) sleepUntilNextTick(ctx context.Context, deadline time.Time) {
	remaining := s.cfg.TickInterval
	for remaining > 0 {
		if ctx.Err() != nil {
			return
		}

		chunk := remaining
		if chunk > s.sleepChunk {
			chunk = s.sleepChunk
		}
		if !deadline.IsZero() {
			untilDeadline := deadline.Sub(s.now())
			if untilDeadline <= 0 {
				return
			}
			if chunk > untilDeadline {
				chunk = untilDeadline
			}
		}

		timer := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		remaining -= chunk
	}
}

func itemLabel(item enrichment.WorkItem) string {
	if item.Synthetic() {
		return "invoke"
	}
	return item.ID
}

func dispatchID(mode, toolID string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	slot := at.UTC().Truncate(bucket).Format("20060102T150405Z")
	return sanitizeIDSegment(mode) + "-" + sanitizeIDSegment(toolID) + "-" + slot
}

func sanitizeIDSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return dispatchIDUnsafeRegex.ReplaceAllString(value, "-")
}

func traceMetaFromContext(ctx context.Context) (string, string) {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if !spanContext.IsValid() {
		return "", ""
	}
	return spanContext.TraceID().String(), spanContext.SpanID().String()
}
