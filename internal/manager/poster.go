// Package manager pushes agent state and control results to the remote
// manager configured through control options.
package manager

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// Poster implements control.Publisher over HTTP. It does nothing until a
// manager URL is configured.
type Poster struct {
	// CertPath is the PEM file holding the client certificate and key. It
	// is read on every SetOptions call, so a newly installed certificate is
	// used once the options are applied again.
	CertPath string

	mu     sync.RWMutex
	base   *url.URL
	header http.Header
	client *http.Client
}

// NewPoster creates a poster that uses the client certificate at certPath
// when the file exists.
func NewPoster(certPath string) *Poster {
	return &Poster{CertPath: certPath}
}

// SetOptions replaces the manager connection settings. An empty manager URL
// disables posting.
func (p *Poster) SetOptions(opts model.ControlOptions) error {
	if opts.ManagerURL == "" {
		p.mu.Lock()
		p.base, p.client, p.header = nil, nil, nil
		p.mu.Unlock()
		return nil
	}
	base, err := url.Parse(strings.TrimRight(opts.ManagerURL, "/") + "/")
	if err != nil {
		return fmt.Errorf("manager: parse url: %w", err)
	}

	timeout := defaultTimeout
	if opts.TimeoutMS > 0 {
		timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if p.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(p.CertPath, p.CertPath)
		switch {
		case err == nil:
			transport.TLSClientConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("manager: load client certificate: %w", err)
		}
	}

	header := make(http.Header)
	for k, v := range opts.Headers {
		header.Set(k, v)
	}

	p.mu.Lock()
	p.base = base
	p.header = header
	p.client = &http.Client{Timeout: timeout, Transport: transport}
	p.mu.Unlock()
	return nil
}

// Apply is SetOptions for callbacks that cannot return an error. Posting
// stays disabled when the options cannot be used.
func (p *Poster) Apply(opts model.ControlOptions) {
	if err := p.SetOptions(opts); err != nil {
		log.Printf("manager: %v; posting disabled", err)
		p.SetOptions(model.ControlOptions{})
	}
}

// PublishState posts st to Agent/UpdateState.
func (p *Poster) PublishState(ctx context.Context, st model.AgentState) error {
	return p.post(ctx, "Agent/UpdateState", nil, st)
}

// PublishReply posts r to Agent/<Event>Result with the event id.
func (p *Poster) PublishReply(ctx context.Context, r model.ControlReply) error {
	q := url.Values{}
	if r.ID != "" {
		q.Set("eventId", r.ID)
	}
	return p.post(ctx, "Agent/"+r.Event+"Result", q, r)
}

func (p *Poster) post(ctx context.Context, path string, query url.Values, body any) error {
	p.mu.RLock()
	base, header, client := p.base, p.header, p.client
	p.mu.RUnlock()
	if base == nil {
		return nil
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("manager: encode %s: %w", path, err)
	}
	target := base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("manager: create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("manager: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("manager: post %s: unexpected %d response: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
}
