package tracesource

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/tinytelemetry/tracepush/internal/model"
)

var errNoProvider = errors.New("tracesource: record has no provider")

// parseRecord decodes one JSON trace line. Both the short field names and
// the names used in sink output (providerName, timeStamp) are accepted.
func parseRecord(p *fastjson.Parser, line string) (model.TraceRecord, error) {
	v, err := p.Parse(line)
	if err != nil {
		return model.TraceRecord{}, fmt.Errorf("tracesource: parse: %w", err)
	}
	o, err := v.Object()
	if err != nil {
		return model.TraceRecord{}, fmt.Errorf("tracesource: record is not an object: %w", err)
	}

	var rec model.TraceRecord
	rec.Provider = stringField(v, "provider", "providerName")
	if rec.Provider == "" {
		return model.TraceRecord{}, errNoProvider
	}
	rec.EventID = uint16(uintField(v, "id", "eventId"))
	rec.Opcode = uint8(uintField(v, "opcode"))
	rec.TaskName = stringField(v, "task", "taskName")
	rec.OpcodeName = stringField(v, "opcodeName")
	rec.ProcessID = uint32(uintField(v, "pid", "processId"))
	rec.ThreadID = uint32(uintField(v, "tid", "threadId"))

	rec.Level = model.LevelInformational
	if lv := v.Get("level"); lv != nil {
		switch lv.Type() {
		case fastjson.TypeNumber:
			n, _ := lv.Uint()
			if n > uint(model.LevelVerbose) {
				n = uint(model.LevelVerbose)
			}
			rec.Level = uint8(n)
		case fastjson.TypeString:
			if parsed, perr := model.ParseLevel(string(lv.GetStringBytes())); perr == nil {
				rec.Level = parsed
			}
		}
	}

	if kv := v.Get("keywords"); kv != nil {
		switch kv.Type() {
		case fastjson.TypeNumber:
			rec.Keywords, _ = kv.Uint64()
		case fastjson.TypeString:
			rec.Keywords = parseKeywords(string(kv.GetStringBytes()))
		}
	}

	rec.Timestamp = parseTimestamp(firstOf(v, "timestamp", "timeStamp"))

	if pv := o.Get("payload"); pv != nil {
		if po, perr := pv.Object(); perr == nil {
			po.Visit(func(key []byte, val *fastjson.Value) {
				rec.Payload = append(rec.Payload, model.PayloadField{
					Name:  string(key),
					Value: toValue(val),
				})
			})
		}
	}
	return rec, nil
}

func firstOf(v *fastjson.Value, keys ...string) *fastjson.Value {
	for _, k := range keys {
		if f := v.Get(k); f != nil {
			return f
		}
	}
	return nil
}

func stringField(v *fastjson.Value, keys ...string) string {
	f := firstOf(v, keys...)
	if f == nil || f.Type() != fastjson.TypeString {
		return ""
	}
	return string(f.GetStringBytes())
}

func uintField(v *fastjson.Value, keys ...string) uint64 {
	f := firstOf(v, keys...)
	if f == nil {
		return 0
	}
	n, err := f.Uint64()
	if err != nil {
		return 0
	}
	return n
}

func parseKeywords(s string) uint64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if hex, ok := strings.CutPrefix(s, "0x"); ok {
		n, _ := strconv.ParseUint(hex, 16, 64)
		return n
	}
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

// parseTimestamp accepts RFC 3339 strings and unix epoch numbers in
// seconds, milliseconds, microseconds or nanoseconds. Missing or invalid
// timestamps become the receive time.
func parseTimestamp(v *fastjson.Value) time.Time {
	if v == nil {
		return time.Now().UTC()
	}
	switch v.Type() {
	case fastjson.TypeString:
		s := string(v.GetStringBytes())
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	case fastjson.TypeNumber:
		f, err := v.Float64()
		if err == nil && f > 0 {
			return epoch(f)
		}
	}
	return time.Now().UTC()
}

func epoch(f float64) time.Time {
	switch {
	case f >= 1e17:
		return time.Unix(0, int64(f)).UTC()
	case f >= 1e14:
		return time.UnixMicro(int64(f)).UTC()
	case f >= 1e11:
		return time.UnixMilli(int64(f)).UTC()
	default:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
}

func toValue(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if n, err := v.Uint64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeArray:
		items, _ := v.Array()
		out := make([]any, 0, len(items))
		for _, it := range items {
			out = append(out, toValue(it))
		}
		return out
	case fastjson.TypeObject:
		o, _ := v.Object()
		out := make(map[string]any, o.Len())
		o.Visit(func(key []byte, val *fastjson.Value) {
			out[string(key)] = toValue(val)
		})
		return out
	default:
		return nil
	}
}
