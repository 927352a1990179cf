package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// LogWriter forwards zerolog JSON lines to the global OpenTelemetry logger
// provider. Combine it with the console or stdout writer through
// zerolog.MultiLevelWriter.
type LogWriter struct {
	logger otellog.Logger
}

func NewLogWriter() *LogWriter {
	return &LogWriter{logger: global.GetLoggerProvider().Logger(InstrumentationName)}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel emits one record. Lines that are not JSON objects are dropped;
// the local writer still has them.
func (w *LogWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}
	w.logger.Emit(context.Background(), logRecord(level, fields, time.Now()))
	return len(p), nil
}

func logRecord(level zerolog.Level, fields map[string]any, now time.Time) otellog.Record {
	var rec otellog.Record
	rec.SetTimestamp(now)
	rec.SetObservedTimestamp(now)
	rec.SetSeverity(severity(level))
	rec.SetSeverityText(level.String())
	if msg, ok := fields[zerolog.MessageFieldName].(string); ok {
		rec.SetBody(otellog.StringValue(msg))
	}
	for k, v := range fields {
		switch k {
		case zerolog.MessageFieldName, zerolog.LevelFieldName, zerolog.TimestampFieldName:
			continue
		}
		rec.AddAttributes(attrValue(k, v))
	}
	return rec
}

func attrValue(k string, v any) otellog.KeyValue {
	switch x := v.(type) {
	case string:
		return otellog.String(k, x)
	case bool:
		return otellog.Bool(k, x)
	case float64:
		return otellog.Float64(k, x)
	default:
		return otellog.String(k, fmt.Sprint(x))
	}
}

func severity(level zerolog.Level) otellog.Severity {
	switch level {
	case zerolog.TraceLevel:
		return otellog.SeverityTrace
	case zerolog.DebugLevel:
		return otellog.SeverityDebug
	case zerolog.InfoLevel:
		return otellog.SeverityInfo
	case zerolog.WarnLevel:
		return otellog.SeverityWarn
	case zerolog.ErrorLevel:
		return otellog.SeverityError
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return otellog.SeverityFatal
	}
	return otellog.SeverityUndefined
}
