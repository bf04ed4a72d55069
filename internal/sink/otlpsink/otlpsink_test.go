package otlpsink

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/sink"
)

type collector struct {
	collogspb.UnimplementedLogsServiceServer

	mu       sync.Mutex
	requests []*collogspb.ExportLogsServiceRequest
	md       []metadata.MD
	fail     error
}

func (c *collector) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	md, _ := metadata.FromIncomingContext(ctx)
	c.requests = append(c.requests, req)
	c.md = append(c.md, md)
	return &collogspb.ExportLogsServiceResponse{}, nil
}

func (c *collector) records() []*logspb.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*logspb.LogRecord
	for _, req := range c.requests {
		for _, rl := range req.ResourceLogs {
			for _, sl := range rl.ScopeLogs {
				out = append(out, sl.LogRecords...)
			}
		}
	}
	return out
}

func startCollector(t *testing.T) (*collector, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	c := &collector{}
	srv := grpc.NewServer()
	collogspb.RegisterLogsServiceServer(srv, c)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return c, dialer
}

func newTestSink(t *testing.T, opts Options, creds Credentials, dialer grpc.DialOption) *Sink {
	t.Helper()
	opts.Endpoint = "passthrough:///bufnet"
	opts.Insecure = true
	s, err := New(opts, creds, nil, dialer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func testBatch(first uint64, providers ...string) model.Batch {
	var b model.Batch
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range providers {
		b.Records = append(b.Records, model.TraceRecord{
			Sequence:  first + uint64(i),
			Provider:  p,
			EventID:   7,
			Level:     model.LevelError,
			Keywords:  0x8000,
			Timestamp: ts,
			TaskName:  "Connect",
			Payload: model.Payload{
				{Name: "host", Value: "db-1"},
				{Name: "attempt", Value: float64(3)},
				{Name: "tags", Value: []any{"a", true}},
			},
		})
	}
	return b
}

func TestWriteGroupsByProvider(t *testing.T) {
	c, dialer := startCollector(t)
	s := newTestSink(t, Options{Site: "lab"}, Credentials{}, dialer)

	ok, err := s.Write(context.Background(), testBatch(1, "net", "disk", "net"))
	if err != nil || !ok {
		t.Fatalf("Write = %v, %v", ok, err)
	}

	if len(c.requests) != 1 {
		t.Fatalf("got %d export requests, want 1", len(c.requests))
	}
	rl := c.requests[0].ResourceLogs[0]
	if len(rl.ScopeLogs) != 2 {
		t.Fatalf("got %d scopes, want 2", len(rl.ScopeLogs))
	}
	if rl.ScopeLogs[0].Scope.Name != "net" || len(rl.ScopeLogs[0].LogRecords) != 2 {
		t.Errorf("first scope = %s with %d records", rl.ScopeLogs[0].Scope.Name, len(rl.ScopeLogs[0].LogRecords))
	}
	var site bool
	for _, kv := range rl.Resource.Attributes {
		if kv.Key == "deployment.site" && kv.Value.GetStringValue() == "lab" {
			site = true
		}
	}
	if !site {
		t.Errorf("resource attributes = %v, want deployment.site=lab", rl.Resource.Attributes)
	}

	lr := rl.ScopeLogs[0].LogRecords[0]
	if lr.SeverityNumber != logspb.SeverityNumber_SEVERITY_NUMBER_ERROR || lr.SeverityText != "Error" {
		t.Errorf("severity = %v %q", lr.SeverityNumber, lr.SeverityText)
	}
	if lr.EventName != "Connect" {
		t.Errorf("EventName = %q", lr.EventName)
	}
	body := lr.Body.GetKvlistValue().GetValues()
	if len(body) != 3 || body[0].Key != "host" || body[0].Value.GetStringValue() != "db-1" {
		t.Errorf("body = %v", body)
	}
	if body[1].Value.GetDoubleValue() != 3 || len(body[2].Value.GetArrayValue().GetValues()) != 2 {
		t.Errorf("body values = %v", body)
	}
	var seq int64 = -1
	for _, kv := range lr.Attributes {
		if kv.Key == "trace.sequence_no" {
			seq = kv.Value.GetIntValue()
		}
	}
	if seq != 1 {
		t.Errorf("trace.sequence_no = %d, want 1", seq)
	}
}

func TestWriteSendsCredentials(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		key   string
		want  string
	}{
		{name: "bearer", creds: Credentials{BearerToken: "tok"}, key: "authorization", want: "Bearer tok"},
		{name: "api key", creds: Credentials{APIKey: "k1"}, key: "x-api-key", want: "k1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dialer := startCollector(t)
			s := newTestSink(t, Options{Headers: map[string]string{"X-Tenant": "acme"}}, tt.creds, dialer)
			if _, err := s.Write(context.Background(), testBatch(1, "net")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			md := c.md[0]
			if got := md.Get(tt.key); len(got) != 1 || got[0] != tt.want {
				t.Errorf("%s = %v, want %q", tt.key, got, tt.want)
			}
			if got := md.Get("x-tenant"); len(got) != 1 || got[0] != "acme" {
				t.Errorf("x-tenant = %v", got)
			}
		})
	}
}

func TestWriteSplitsLargeBatches(t *testing.T) {
	c, dialer := startCollector(t)
	s := newTestSink(t, Options{MaxRequestBytes: 600}, Credentials{}, dialer)

	providers := make([]string, 16)
	for i := range providers {
		providers[i] = "net"
	}
	if _, err := s.Write(context.Background(), testBatch(1, providers...)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(c.requests) < 2 {
		t.Fatalf("got %d requests, want the batch split", len(c.requests))
	}
	recs := c.records()
	if len(recs) != 16 {
		t.Fatalf("collector received %d records, want 16", len(recs))
	}
	for i, lr := range recs {
		for _, kv := range lr.Attributes {
			if kv.Key == "trace.sequence_no" && kv.Value.GetIntValue() != int64(i+1) {
				t.Fatalf("record %d has sequence %d", i, kv.Value.GetIntValue())
			}
		}
	}
}

func TestWriteReportsExportError(t *testing.T) {
	c, dialer := startCollector(t)
	c.fail = status.Error(codes.Unavailable, "overloaded")
	s := newTestSink(t, Options{Compression: "none"}, Credentials{}, dialer)

	ok, err := s.Write(context.Background(), testBatch(1, "net"))
	if ok || err == nil {
		t.Fatalf("Write = %v, %v; want failure", ok, err)
	}
	if status.Code(err) != codes.Unavailable {
		t.Errorf("code = %v, want Unavailable", status.Code(err))
	}
}

func TestFactoryValidates(t *testing.T) {
	tests := []struct {
		name  string
		opts  string
		creds string
		want  string
	}{
		{name: "no endpoint", opts: `{}`, want: "endpoint"},
		{name: "bad compression", opts: `{"endpoint": "localhost:4317", "compression": "brotli"}`, want: "compression"},
		{name: "two credentials", opts: `{"endpoint": "localhost:4317"}`, creds: `{"bearerToken": "a", "apiKey": "b"}`, want: "either"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sink.CreateParams{Name: "cloud", Options: json.RawMessage(tt.opts)}
			if tt.creds != "" {
				p.Credentials = json.RawMessage(tt.creds)
			}
			_, err := Factory().Create(context.Background(), p)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Create error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestWriteAfterClose(t *testing.T) {
	_, dialer := startCollector(t)
	s := newTestSink(t, Options{}, Credentials{}, dialer)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ok, err := s.Write(context.Background(), testBatch(1, "net")); ok || err == nil {
		t.Fatalf("Write after Close = %v, %v", ok, err)
	}
}
