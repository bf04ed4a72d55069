package tracesource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fastjson"

	"github.com/tinytelemetry/tracepush/internal/model"
)

func TestParseRecord(t *testing.T) {
	var p fastjson.Parser
	line := `{"provider":"Kernel-File","id":12,"level":"Warning","opcode":1,"keywords":"0x30",` +
		`"timestamp":"2026-03-01T12:00:00.5Z","task":"Create","pid":42,` +
		`"payload":{"FileName":"C:\\temp\\a.txt","Size":1024,"Ratio":0.5,"Tags":["x"],"Ok":true}}`

	rec, err := parseRecord(&p, line)
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if rec.Provider != "Kernel-File" || rec.EventID != 12 || rec.Level != model.LevelWarning {
		t.Fatalf("header fields = %+v", rec)
	}
	if rec.Keywords != 0x30 || rec.Opcode != 1 || rec.TaskName != "Create" || rec.ProcessID != 42 {
		t.Fatalf("detail fields = %+v", rec)
	}
	if want := time.Date(2026, 3, 1, 12, 0, 0, 5e8, time.UTC); !rec.Timestamp.Equal(want) {
		t.Fatalf("Timestamp=%v, want %v", rec.Timestamp, want)
	}

	names := make([]string, 0, len(rec.Payload))
	for _, f := range rec.Payload {
		names = append(names, f.Name)
	}
	wantNames := []string{"FileName", "Size", "Ratio", "Tags", "Ok"}
	if len(names) != len(wantNames) {
		t.Fatalf("payload names=%v, want %v", names, wantNames)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Fatalf("payload names=%v, want %v", names, wantNames)
		}
	}
	if v, _ := rec.Payload.Get("Size"); v != int64(1024) {
		t.Fatalf("Size=%#v", v)
	}
	if v, _ := rec.Payload.Get("Ratio"); v != 0.5 {
		t.Fatalf("Ratio=%#v", v)
	}
}

func TestParseRecordRejectsBadLines(t *testing.T) {
	var p fastjson.Parser
	for _, line := range []string{`not json`, `[1,2]`, `{"id":1}`} {
		if _, err := parseRecord(&p, line); err == nil {
			t.Errorf("parseRecord(%q) succeeded", line)
		}
	}
}

func TestEpochTimestamps(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, f := range []float64{
		float64(want.Unix()),
		float64(want.UnixMilli()),
		float64(want.UnixMicro()),
		float64(want.UnixNano()),
	} {
		if got := epoch(f); !got.Equal(want) {
			t.Errorf("epoch(%v)=%v, want %v", f, got, want)
		}
	}
}

type collector struct {
	mu   sync.Mutex
	recs []model.TraceRecord
}

func (c *collector) add(r model.TraceRecord) {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func TestProviderGateAndFilter(t *testing.T) {
	s := New()
	var c collector
	sub, err := s.Subscribe(c.add)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	rec := model.TraceRecord{Provider: "net", EventID: 1, Level: model.LevelError, Keywords: 0x2}
	s.Deliver(rec)
	if c.len() != 0 {
		t.Fatal("record of a disabled provider delivered")
	}

	if err := s.EnableProvider(model.ProviderSetting{Name: "net", Level: model.LevelWarning, MatchKeywords: 0x6}); err != nil {
		t.Fatalf("EnableProvider: %v", err)
	}
	s.Deliver(rec)
	verbose := rec
	verbose.Level = model.LevelVerbose
	s.Deliver(verbose)
	otherKeyword := rec
	otherKeyword.Keywords = 0x8
	s.Deliver(otherKeyword)
	if c.len() != 1 {
		t.Fatalf("delivered %d records, want 1 after level and keyword gates", c.len())
	}

	if diags := s.SetFilter(`id ==`); len(diags) == 0 {
		t.Fatal("SetFilter accepted invalid source")
	}
	s.Deliver(rec)
	if c.len() != 2 {
		t.Fatal("invalid filter replaced the previous one")
	}

	if diags := s.SetFilter(`id == 7`); len(diags) != 0 {
		t.Fatalf("SetFilter: %+v", diags)
	}
	s.Deliver(rec)
	if c.len() != 2 {
		t.Fatal("record failing the filter was delivered")
	}

	sub.Unsubscribe()
	if diags := s.SetFilter(""); len(diags) != 0 {
		t.Fatalf("SetFilter empty: %+v", diags)
	}
	s.Deliver(rec)
	if c.len() != 2 {
		t.Fatal("record delivered after Unsubscribe")
	}

	if err := s.DisableProvider("net"); err != nil {
		t.Fatalf("DisableProvider: %v", err)
	}
	if got := s.EnabledProviders(); len(got) != 0 {
		t.Fatalf("EnabledProviders=%v after disable", got)
	}
	st := s.Stats()
	if st.Gated != 3 || st.Filtered != 1 {
		t.Fatalf("Stats=%+v", st)
	}
}

func TestRunParsesLines(t *testing.T) {
	s := New()
	if err := s.EnableProvider(model.ProviderSetting{Name: "app", Level: model.LevelVerbose}); err != nil {
		t.Fatalf("EnableProvider: %v", err)
	}
	var c collector
	if _, err := s.Subscribe(c.add); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	lines := make(chan model.IngestEnvelope, 3)
	lines <- model.IngestEnvelope{Source: "tcp", Line: `{"provider":"app","id":1}`}
	lines <- model.IngestEnvelope{Source: "tcp", Line: `{broken`}
	lines <- model.IngestEnvelope{Source: "tcp", Line: `{"providerName":"app","id":2,"level":5}`}
	close(lines)

	s.Run(context.Background(), lines)
	if c.len() != 2 {
		t.Fatalf("delivered %d records, want 2", c.len())
	}
	if st := s.Stats(); st.Lines != 3 || st.Malformed != 1 {
		t.Fatalf("Stats=%+v", st)
	}
}
