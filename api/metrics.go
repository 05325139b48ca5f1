package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const listSpanName = "tasks.list"

// listRequestMetrics collects timings for the task list endpoint and
// emits them as both a log line and span attributes when the request
// finishes.
type listRequestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	fetchDuration time.Duration
	statusFilter  bool
	tasksReturned int
	errorStage    string
}

func newListRequestMetrics(ctx context.Context, logger *log.Logger) (*listRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer("taskboard/api").Start(ctx, listSpanName)
	return &listRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *listRequestMetrics) ObserveFetch(d time.Duration) {
	if d <= 0 {
		return
	}
	m.fetchDuration = d
}

func (m *listRequestMetrics) SetStatusFilter(filtered bool) {
	m.statusFilter = filtered
}

func (m *listRequestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *listRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *listRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)

	m.span.SetAttributes(
		attribute.String("http.route", "/api/tasks"),
		attribute.Int("http.status_code", status),
		attribute.Bool("taskboard.tasks.status_filter", m.statusFilter),
		attribute.Int("taskboard.tasks.returned", m.tasksReturned),
		attribute.Float64("taskboard.tasks.total_ms", durationToMillis(total)),
	)
	if m.errorStage != "" {
		m.span.SetAttributes(attribute.String("taskboard.tasks.error_stage", m.errorStage))
	}
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":          "/api/tasks",
		"status":         status,
		"total_ms":       durationToMillis(total),
		"tasks_returned": m.tasksReturned,
		"status_filter":  m.statusFilter,
	}
	if m.fetchDuration > 0 {
		fields["fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("tasks.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
