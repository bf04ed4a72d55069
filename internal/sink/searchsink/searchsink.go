// Package searchsink indexes batches into OpenSearch with the bulk API.
package searchsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fastjson"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/sink"
)

// Type is the sink type identifier in sink profiles.
const Type = "OpenSearchSink"

var (
	errClosed = errors.New("searchsink: closed")
	// ErrUnauthorized terminates the sink: retrying with the same
	// credentials cannot succeed.
	ErrUnauthorized = errors.New("searchsink: credentials rejected")
)

// Options configures the sink.
type Options struct {
	Nodes       []string `json:"nodes"`
	IndexFormat string   `json:"indexFormat"`
	Site        string   `json:"site"`
	TimeoutMS   int      `json:"timeoutMs"`
	Pipeline    string   `json:"pipeline"`
}

// Credentials selects basic or API key authentication.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	APIKey   string `json:"apiKey"`
}

func (o *Options) normalize() error {
	if len(o.Nodes) == 0 {
		return fmt.Errorf("searchsink: at least one node is required")
	}
	for i, n := range o.Nodes {
		u, err := url.Parse(strings.TrimRight(n, "/"))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("searchsink: node %q is not an http or https URL", n)
		}
		o.Nodes[i] = u.String()
	}
	if o.IndexFormat == "" {
		o.IndexFormat = "tracepush-{site}-{2006.01.02}"
	}
	if strings.Contains(o.IndexFormat, "{site}") && o.Site == "" {
		o.Site = "default"
	}
	if o.TimeoutMS < 0 {
		return fmt.Errorf("searchsink: timeoutMs is negative")
	}
	if o.TimeoutMS == 0 {
		o.TimeoutMS = 30000
	}
	return nil
}

// indexName expands {site} and any {layout} placeholder, formatted from ts
// in UTC with that Go time layout.
func (o *Options) indexName(ts time.Time) string {
	var b strings.Builder
	rest := o.IndexFormat
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		token := rest[open+1 : open+end]
		if token == "site" {
			b.WriteString(o.Site)
		} else {
			b.WriteString(ts.UTC().Format(token))
		}
		rest = rest[open+end+1:]
	}
	return strings.ToLower(b.String())
}

// Factory returns the registry factory for search sinks.
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

// Sink posts batches to the _bulk endpoint of the first node that answers.
type Sink struct {
	sink.Lifecycle

	opts   Options
	creds  Credentials
	client *http.Client
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	next   int
	buf    bytes.Buffer
	parser fastjson.Parser
}

// New validates the options.
func New(opts Options, creds Credentials, logger *log.Logger) (*Sink, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if creds.APIKey != "" && creds.Username != "" {
		return nil, fmt.Errorf("searchsink: set either username or apiKey, not both")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sink{
		opts:   opts,
		creds:  creds,
		client: &http.Client{Timeout: time.Duration(opts.TimeoutMS) * time.Millisecond},
		logger: logger,
	}, nil
}

// document is the indexed shape of one record.
type document struct {
	Timestamp  string        `json:"@timestamp"`
	SequenceNo uint64        `json:"sequenceNo"`
	Provider   string        `json:"providerName"`
	ID         uint16        `json:"id"`
	Level      string        `json:"level"`
	LevelNum   uint8         `json:"levelNum"`
	Keywords   uint64        `json:"keywords"`
	Opcode     uint8         `json:"opcode"`
	OpcodeName string        `json:"opcodeName,omitempty"`
	TaskName   string        `json:"taskName,omitempty"`
	ProcessID  uint32        `json:"processId,omitempty"`
	ThreadID   uint32        `json:"threadId,omitempty"`
	Site       string        `json:"site,omitempty"`
	Payload    model.Payload `json:"payload"`
}

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// Write indexes every record under its sequence number, so a retried batch
// overwrites instead of duplicating. Any failed item fails the write.
func (s *Sink) Write(ctx context.Context, batch model.Batch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}
	if err := s.encode(batch); err != nil {
		return false, err
	}

	var lastErr error
	for i := 0; i < len(s.opts.Nodes); i++ {
		node := s.opts.Nodes[s.next]
		body, err := s.post(ctx, node)
		if err == nil {
			if err := s.checkItems(body); err != nil {
				return false, err
			}
			return true, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			s.Terminate(err)
			return false, err
		}
		if ctx.Err() != nil {
			return false, err
		}
		lastErr = err
		s.next = (s.next + 1) % len(s.opts.Nodes)
	}
	return false, lastErr
}

func (s *Sink) encode(batch model.Batch) error {
	s.buf.Reset()
	enc := json.NewEncoder(&s.buf)
	for _, r := range batch.Records {
		action := bulkAction{Index: bulkMeta{
			Index: s.opts.indexName(r.Timestamp),
			ID:    strconv.FormatUint(r.Sequence, 10),
		}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("searchsink: encode action %d: %w", r.Sequence, err)
		}
		if err := enc.Encode(toDocument(r, s.opts.Site)); err != nil {
			return fmt.Errorf("searchsink: encode record %d: %w", r.Sequence, err)
		}
	}
	return nil
}

func toDocument(r model.TraceRecord, site string) document {
	return document{
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
		SequenceNo: r.Sequence,
		Provider:   r.Provider,
		ID:         r.EventID,
		Level:      model.LevelName(r.Level),
		LevelNum:   r.Level,
		Keywords:   r.Keywords,
		Opcode:     r.Opcode,
		OpcodeName: r.OpcodeName,
		TaskName:   r.TaskName,
		ProcessID:  r.ProcessID,
		ThreadID:   r.ThreadID,
		Site:       site,
		Payload:    r.Payload,
	}
}

func (s *Sink) post(ctx context.Context, node string) ([]byte, error) {
	endpoint := node + "/_bulk"
	if s.opts.Pipeline != "" {
		endpoint += "?pipeline=" + url.QueryEscape(s.opts.Pipeline)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(s.buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("searchsink: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	switch {
	case s.creds.APIKey != "":
		req.Header.Set("Authorization", "ApiKey "+s.creds.APIKey)
	case s.creds.Username != "":
		req.SetBasicAuth(s.creds.Username, s.creds.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searchsink: post %s: %w", node, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("searchsink: read response from %s: %w", node, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s answered %s", ErrUnauthorized, node, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("searchsink: %s answered %s: %s", node, resp.Status, truncate(body, 512))
	}
	return body, nil
}

// checkItems reports the first failed item of a bulk response.
func (s *Sink) checkItems(body []byte) error {
	v, err := s.parser.ParseBytes(body)
	if err != nil {
		return fmt.Errorf("searchsink: parse bulk response: %w", err)
	}
	if !v.GetBool("errors") {
		return nil
	}
	failed := 0
	var first string
	for _, item := range v.GetArray("items") {
		item.GetObject().Visit(func(_ []byte, op *fastjson.Value) {
			if op.GetInt("status") < 300 {
				return
			}
			failed++
			if first == "" {
				first = fmt.Sprintf("%s (%s): %s", op.GetStringBytes("_id"),
					op.GetStringBytes("error", "type"), op.GetStringBytes("error", "reason"))
			}
		})
	}
	return fmt.Errorf("searchsink: %d bulk items failed, first %s", failed, first)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(bytes.TrimSpace(b))
}

// Close releases idle connections.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.CloseIdleConnections()
	return nil
}
