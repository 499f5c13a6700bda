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
	tracerName       = "taskboard/api"
	tasksSpanName    = "tasks.request"
	tasksEventName   = "taskboard.tasks.request"
	tasksEventDomain = "taskboard.api"
	observability    = "observability.event"
	tasksAttrPrefix  = "taskboard.tasks."
)

// taskRequestMetrics records one task route request as a span plus a
// structured observability event.
type taskRequestMetrics struct {
	logger          *log.Logger
	span            trace.Span
	route           string
	start           time.Time
	authDuration    time.Duration
	serviceDuration time.Duration
	encodeDuration  time.Duration
	tasksReturned   int
	taskID          string
	errorStage      string
	cause           error
}

func newTaskRequestMetrics(ctx context.Context, route string, logger *log.Logger) (*taskRequestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, tasksSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &taskRequestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, ctx
}

func (m *taskRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *taskRequestMetrics) ObserveService(d time.Duration) {
	if d > 0 {
		m.serviceDuration = d
	}
}

func (m *taskRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *taskRequestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *taskRequestMetrics) SetTaskID(id string) { m.taskID = id }

func (m *taskRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Fail records the stage that failed. Only internal errors mark the request
// as an error; client errors are reflected by the status code.
func (m *taskRequestMetrics) Fail(stage string, err error) {
	m.SetErrorStage(stage)
	if statusFor(err) >= http.StatusInternalServerError {
		m.cause = err
	}
}

func (m *taskRequestMetrics) values(status int, err error) map[string]any {
	values := map[string]any{
		"http.route":                      m.route,
		"http.status_code":                status,
		tasksAttrPrefix + "total_ms":       durationToMillis(time.Since(m.start)),
		tasksAttrPrefix + "tasks_returned": m.tasksReturned,
	}
	if m.authDuration > 0 {
		values[tasksAttrPrefix+"auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.serviceDuration > 0 {
		values[tasksAttrPrefix+"service_ms"] = durationToMillis(m.serviceDuration)
	}
	if m.encodeDuration > 0 {
		values[tasksAttrPrefix+"encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.taskID != "" {
		values[tasksAttrPrefix+"task_id"] = m.taskID
	}
	if m.errorStage != "" {
		values[tasksAttrPrefix+"error_stage"] = m.errorStage
	}
	if err != nil {
		values["error.message"] = err.Error()
	}
	return values
}

// Log ends the span and emits the observability event.
func (m *taskRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.cause
	}
	severityText, severityNumber := severityForStatus(status, err)
	values := m.values(status, err)
	attrs := toAttributes(values)

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", tasksEventName),
			attribute.String("event.domain", tasksEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		m.span.AddEvent(observability, trace.WithAttributes(eventAttrs...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				m.span.RecordError(err)
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      values,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observability)
	case "WARN":
		entry.Warn(observability)
	default:
		entry.Info(observability)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
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

func toAttributes(values map[string]any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		}
	}
	return attrs
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
