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
	tracerName          = "taskdeck/api"
	projectionSpanName  = "board.projection"
	projectionEventName = "projection.request"
	projectionEventKind = "taskdeck"
)

// projectionRequestMetrics collects per-request timings for the projection
// route and emits them both as a span and as a structured log entry.
type projectionRequestMetrics struct {
	logger *log.Logger
	span   trace.Span

	start          time.Time
	authDuration   time.Duration
	loadDuration   time.Duration
	buildDuration  time.Duration
	encodeDuration time.Duration
	filterMode     string
	visibleTasks   int
	scans          int
	errorStage     string
}

func newProjectionRequestMetrics(ctx context.Context, logger *log.Logger) (*projectionRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, projectionSpanName)
	return &projectionRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *projectionRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *projectionRequestMetrics) ObserveLoad(d time.Duration) {
	if d > 0 {
		m.loadDuration = d
	}
}

func (m *projectionRequestMetrics) ObserveBuild(d time.Duration) {
	if d > 0 {
		m.buildDuration = d
	}
}

func (m *projectionRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *projectionRequestMetrics) SetFilterMode(mode string) {
	m.filterMode = mode
}

func (m *projectionRequestMetrics) SetVisibleTasks(count int) {
	if count < 0 {
		count = 0
	}
	m.visibleTasks = count
}

func (m *projectionRequestMetrics) SetScans(scans int) {
	m.scans = scans
}

func (m *projectionRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finishes the span and emits the observability event. Must be called
// exactly once, after the response status is final.
func (m *projectionRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", "/api/projection"),
		attribute.Int("http.status_code", status),
		attribute.String("taskdeck.projection.filter_mode", m.filterMode),
		attribute.Int("taskdeck.projection.visible_tasks", m.visibleTasks),
		attribute.Int("taskdeck.projection.scans", m.scans),
		attribute.Float64("taskdeck.projection.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskdeck.projection.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.loadDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskdeck.projection.load_ms", durationToMillis(m.loadDuration)))
	}
	if m.buildDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskdeck.projection.build_ms", durationToMillis(m.buildDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskdeck.projection.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("taskdeck.projection.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", projectionEventName),
			attribute.String("event.domain", projectionEventKind),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		if err != nil || status >= http.StatusInternalServerError {
			msg := "projection request failed"
			if err != nil {
				msg = err.Error()
			}
			m.span.SetStatus(codes.Error, msg)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      projectionEventName,
		"event.domain":    projectionEventKind,
		"attributes":      attrMap,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	m.logger.WithFields(fields).Info("observability.event")
}

// severityForStatus maps an HTTP status to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
