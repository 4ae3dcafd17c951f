package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "easy-kanban/api"
	moveSpanName    = "kanban.move.request"
	moveEventName   = "kanban.move.completed"
	moveEventDomain = "kanban"
)

// moveRequestMetrics collects per-stage timings for one placement request
// and emits a single observability event on completion, attached to an
// OpenTelemetry span.
type moveRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	start  time.Time

	authDuration    time.Duration
	txDuration      time.Duration
	publishDuration time.Duration
	tasksTouched    int
	errorStage      string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*moveRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, moveSpanName)
	m := &moveRequestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}
	return m, spanCtx
}

func (m *moveRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *moveRequestMetrics) ObserveTx(d time.Duration) {
	if d > 0 {
		m.txDuration = d
	}
}

func (m *moveRequestMetrics) ObservePublish(d time.Duration) {
	if d > 0 {
		m.publishDuration = d
	}
}

func (m *moveRequestMetrics) SetTasksTouched(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksTouched = count
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finishes the span and writes the observability event. Safe on a nil
// receiver.
func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	totalMs := durationToMillis(time.Since(m.start))
	attrs := map[string]any{
		"http.route":                m.route,
		"kanban.move.total_ms":      totalMs,
		"kanban.move.tasks_touched": m.tasksTouched,
	}
	spanAttrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("kanban.move.total_ms", totalMs),
		attribute.Int("kanban.move.tasks_touched", m.tasksTouched),
	}
	if m.authDuration > 0 {
		attrs["kanban.move.auth_ms"] = durationToMillis(m.authDuration)
		spanAttrs = append(spanAttrs, attribute.Float64("kanban.move.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.txDuration > 0 {
		attrs["kanban.move.tx_ms"] = durationToMillis(m.txDuration)
		spanAttrs = append(spanAttrs, attribute.Float64("kanban.move.tx_ms", durationToMillis(m.txDuration)))
	}
	if m.publishDuration > 0 {
		attrs["kanban.move.publish_ms"] = durationToMillis(m.publishDuration)
		spanAttrs = append(spanAttrs, attribute.Float64("kanban.move.publish_ms", durationToMillis(m.publishDuration)))
	}
	if m.errorStage != "" {
		attrs["kanban.move.error_stage"] = m.errorStage
		spanAttrs = append(spanAttrs, attribute.String("kanban.move.error_stage", m.errorStage))
	}

	fields := log.Fields{
		"event.name":   moveEventName,
		"event.domain": moveEventDomain,
		"attributes":   attrs,
		"status":       status,
	}

	if m.span != nil {
		m.span.SetAttributes(spanAttrs...)
		m.span.AddEvent(moveEventName)
		if err != nil || status >= http.StatusInternalServerError {
			m.span.SetStatus(codes.Error, m.errorStage)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		sc := m.span.SpanContext()
		if sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		m.span.End()
	}

	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
