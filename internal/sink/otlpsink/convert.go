package otlpsink

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/tinytelemetry/tracepush/internal/model"
)

var severities = [...]logspb.SeverityNumber{
	model.LevelAlways:        logspb.SeverityNumber_SEVERITY_NUMBER_INFO4,
	model.LevelCritical:      logspb.SeverityNumber_SEVERITY_NUMBER_FATAL,
	model.LevelError:         logspb.SeverityNumber_SEVERITY_NUMBER_ERROR,
	model.LevelWarning:       logspb.SeverityNumber_SEVERITY_NUMBER_WARN,
	model.LevelInformational: logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
	model.LevelVerbose:       logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG,
}

func severity(level uint8) logspb.SeverityNumber {
	if int(level) < len(severities) {
		return severities[level]
	}
	return logspb.SeverityNumber_SEVERITY_NUMBER_TRACE
}

// resourceLogs converts records into one ResourceLogs with a ScopeLogs per
// provider, in order of first appearance.
func resourceLogs(res *resourcepb.Resource, records []model.TraceRecord, observed time.Time) *logspb.ResourceLogs {
	scopes := make(map[string]*logspb.ScopeLogs)
	var order []*logspb.ScopeLogs
	for i := range records {
		r := &records[i]
		sl, ok := scopes[r.Provider]
		if !ok {
			sl = &logspb.ScopeLogs{Scope: &commonpb.InstrumentationScope{Name: r.Provider}}
			scopes[r.Provider] = sl
			order = append(order, sl)
		}
		sl.LogRecords = append(sl.LogRecords, logRecord(r, observed))
	}
	return &logspb.ResourceLogs{Resource: res, ScopeLogs: order}
}

func logRecord(r *model.TraceRecord, observed time.Time) *logspb.LogRecord {
	attrs := []*commonpb.KeyValue{
		intAttr("trace.sequence_no", int64(r.Sequence)),
		intAttr("trace.event_id", int64(r.EventID)),
		intAttr("trace.opcode", int64(r.Opcode)),
		strAttr("trace.keywords", "0x"+strconv.FormatUint(r.Keywords, 16)),
	}
	if r.OpcodeName != "" {
		attrs = append(attrs, strAttr("trace.opcode_name", r.OpcodeName))
	}
	if r.ProcessID != 0 {
		attrs = append(attrs, intAttr("process.pid", int64(r.ProcessID)))
	}
	if r.ThreadID != 0 {
		attrs = append(attrs, intAttr("thread.id", int64(r.ThreadID)))
	}

	name := r.TaskName
	if name == "" {
		name = r.Provider + "/" + strconv.Itoa(int(r.EventID))
	}
	return &logspb.LogRecord{
		TimeUnixNano:         uint64(r.Timestamp.UnixNano()),
		ObservedTimeUnixNano: uint64(observed.UnixNano()),
		SeverityNumber:       severity(r.Level),
		SeverityText:         model.LevelName(r.Level),
		EventName:            name,
		Body:                 payloadValue(r.Payload),
		Attributes:           attrs,
	}
}

func payloadValue(p model.Payload) *commonpb.AnyValue {
	kv := make([]*commonpb.KeyValue, 0, len(p))
	for _, f := range p {
		kv = append(kv, &commonpb.KeyValue{Key: f.Name, Value: anyValue(f.Value)})
	}
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{KvlistValue: &commonpb.KeyValueList{Values: kv}}}
}

func anyValue(v any) *commonpb.AnyValue {
	switch x := v.(type) {
	case nil:
		return &commonpb.AnyValue{}
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: x}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: x}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(x)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: x}}
	case uint64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(x)}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: x}}
	case []byte:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: x}}
	case []any:
		vals := make([]*commonpb.AnyValue, 0, len(x))
		for _, it := range x {
			vals = append(vals, anyValue(it))
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: vals}}}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]*commonpb.KeyValue, 0, len(keys))
		for _, k := range keys {
			kv = append(kv, &commonpb.KeyValue{Key: k, Value: anyValue(x[k])})
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{KvlistValue: &commonpb.KeyValueList{Values: kv}}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprint(x)}}
	}
}

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func intAttr(k string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}}
}
