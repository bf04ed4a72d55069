// Package otlpsink exports batches as OTLP logs over gRPC.
package otlpsink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/sink"
)

// Type is the sink type identifier in sink profiles.
const Type = "CloudIngestionSink"

var errClosed = errors.New("otlpsink: closed")

// Options configures the exporter.
type Options struct {
	Endpoint        string            `json:"endpoint"`
	Insecure        bool              `json:"insecure"`
	Compression     string            `json:"compression"`
	TimeoutMS       int               `json:"timeoutMs"`
	MaxRequestBytes int               `json:"maxRequestBytes"`
	ServiceName     string            `json:"serviceName"`
	Site            string            `json:"site"`
	Headers         map[string]string `json:"headers"`
}

// Credentials authenticate export calls. At most one may be set.
type Credentials struct {
	BearerToken string `json:"bearerToken"`
	APIKey      string `json:"apiKey"`
}

func (o *Options) normalize() error {
	if strings.TrimSpace(o.Endpoint) == "" {
		return fmt.Errorf("otlpsink: endpoint is required")
	}
	switch o.Compression {
	case "":
		o.Compression = "gzip"
	case "gzip", "none":
	default:
		return fmt.Errorf("otlpsink: unknown compression %q", o.Compression)
	}
	if o.TimeoutMS < 0 || o.MaxRequestBytes < 0 {
		return fmt.Errorf("otlpsink: timeoutMs and maxRequestBytes must not be negative")
	}
	if o.TimeoutMS == 0 {
		o.TimeoutMS = 10000
	}
	if o.MaxRequestBytes == 0 {
		o.MaxRequestBytes = 4 << 20
	}
	if o.ServiceName == "" {
		o.ServiceName = "tracepush"
	}
	return nil
}

// Factory returns the registry factory for OTLP sinks.
func Factory() sink.Factory {
	return sink.FactoryFunc(func(ctx context.Context, p sink.CreateParams) (sink.Sink, error) {
		var opts Options
		if err := sink.DecodeOptions(p.Options, &opts); err != nil {
			return nil, err
		}
		var creds Credentials
		if err := sink.DecodeOptions(p.Credentials, &creds); err != nil {
			return nil, err
		}
		return New(opts, creds, p.Logger)
	})
}

// Sink exports batches with LogsService/Export.
type Sink struct {
	sink.Lifecycle

	opts     Options
	conn     *grpc.ClientConn
	client   collogspb.LogsServiceClient
	md       metadata.MD
	resource *resourcepb.Resource
	logger   *log.Logger
	callOpts []grpc.CallOption

	mu     sync.Mutex
	closed bool
}

// New validates the options and creates the client connection. The
// connection is established lazily on the first export.
func New(opts Options, creds Credentials, logger *log.Logger, dialOpts ...grpc.DialOption) (*Sink, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if creds.BearerToken != "" && creds.APIKey != "" {
		return nil, fmt.Errorf("otlpsink: set either bearerToken or apiKey, not both")
	}
	if logger == nil {
		logger = log.Default()
	}

	md := metadata.New(opts.Headers)
	switch {
	case creds.BearerToken != "":
		md.Set("authorization", "Bearer "+creds.BearerToken)
	case creds.APIKey != "":
		md.Set("x-api-key", creds.APIKey)
	}

	transport := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if opts.Insecure {
		transport = insecure.NewCredentials()
	}
	dialOpts = append([]grpc.DialOption{grpc.WithTransportCredentials(transport)}, dialOpts...)
	conn, err := grpc.NewClient(opts.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlpsink: dial %s: %w", opts.Endpoint, err)
	}

	s := &Sink{
		opts:     opts,
		conn:     conn,
		client:   collogspb.NewLogsServiceClient(conn),
		md:       md,
		resource: newResource(opts),
		logger:   logger,
	}
	if opts.Compression == "gzip" {
		s.callOpts = append(s.callOpts, grpc.UseCompressor(gzip.Name))
	}
	return s, nil
}

func newResource(opts Options) *resourcepb.Resource {
	attrs := []*commonpb.KeyValue{strAttr("service.name", opts.ServiceName)}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, strAttr("host.name", host))
	}
	if opts.Site != "" {
		attrs = append(attrs, strAttr("deployment.site", opts.Site))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

// Write exports the batch, split into requests no larger than
// MaxRequestBytes. Records the collector rejects are logged and not retried.
func (s *Sink) Write(ctx context.Context, batch model.Batch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}

	observed := time.Now()
	for _, req := range s.requests(batch.Records, observed) {
		if err := s.export(ctx, req); err != nil {
			return false, err
		}
	}
	return true, nil
}

// requests halves the record range until each request fits. A single record
// is always sent on its own, whatever its size.
func (s *Sink) requests(records []model.TraceRecord, observed time.Time) []*collogspb.ExportLogsServiceRequest {
	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{resourceLogs(s.resource, records, observed)},
	}
	if len(records) <= 1 || proto.Size(req) <= s.opts.MaxRequestBytes {
		return []*collogspb.ExportLogsServiceRequest{req}
	}
	mid := len(records) / 2
	return append(s.requests(records[:mid], observed), s.requests(records[mid:], observed)...)
}

func (s *Sink) export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.opts.TimeoutMS)*time.Millisecond)
	defer cancel()
	if len(s.md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, s.md)
	}

	resp, err := s.client.Export(ctx, req, s.callOpts...)
	if err != nil {
		return fmt.Errorf("otlpsink: export to %s: %w", s.opts.Endpoint, err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedLogRecords() > 0 {
		s.logger.Printf("otlpsink: collector rejected %d log records: %s", ps.GetRejectedLogRecords(), ps.GetErrorMessage())
	}
	return nil
}

// Close closes the client connection.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
