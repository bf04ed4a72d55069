package manager

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tinytelemetry/tracepush/internal/model"
)

type captured struct {
	path   string
	query  string
	header http.Header
	body   []byte
}

func newManager(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
		if status >= 300 {
			io.WriteString(w, "manager says no")
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestPosterDisabledWithoutURL(t *testing.T) {
	p := NewPoster("")
	if err := p.PublishState(context.Background(), model.AgentState{}); err != nil {
		t.Fatalf("PublishState without url: %v", err)
	}
	if err := p.PublishReply(context.Background(), model.ControlReply{Event: model.EventStart}); err != nil {
		t.Fatalf("PublishReply without url: %v", err)
	}
}

func TestPosterPostsStateAndReplies(t *testing.T) {
	srv, got := newManager(t, http.StatusOK)
	p := NewPoster(filepath.Join(t.TempDir(), "missing.pem"))
	err := p.SetOptions(model.ControlOptions{
		ManagerURL: srv.URL + "/api/",
		TimeoutMS:  2000,
		Headers:    map[string]string{"X-Agent-Site": "plant-7"},
	})
	if err != nil {
		t.Fatalf("SetOptions: %v", err)
	}

	ctx := context.Background()
	if err := p.PublishState(ctx, model.AgentState{Host: "h1", Phase: "Running"}); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	reply := model.ControlReply{ID: "ev-1", Event: model.EventTestFilter, OK: true}
	if err := p.PublishReply(ctx, reply); err != nil {
		t.Fatalf("PublishReply: %v", err)
	}

	reqs := got()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[0].path != "/api/Agent/UpdateState" {
		t.Errorf("state path = %q", reqs[0].path)
	}
	var st model.AgentState
	if err := json.Unmarshal(reqs[0].body, &st); err != nil || st.Host != "h1" {
		t.Errorf("state body = %s (%v)", reqs[0].body, err)
	}
	if reqs[0].header.Get("X-Agent-Site") != "plant-7" {
		t.Errorf("custom header missing: %v", reqs[0].header)
	}
	if reqs[1].path != "/api/Agent/TestFilterResult" || reqs[1].query != "eventId=ev-1" {
		t.Errorf("reply request = %s?%s", reqs[1].path, reqs[1].query)
	}
}

func TestPosterReportsStatus(t *testing.T) {
	srv, _ := newManager(t, http.StatusBadGateway)
	p := NewPoster("")
	if err := p.SetOptions(model.ControlOptions{ManagerURL: srv.URL}); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	err := p.PublishState(context.Background(), model.AgentState{})
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "manager says no") {
		t.Fatalf("err = %v", err)
	}
}

func TestPosterApplyDisablesOnBadCertificate(t *testing.T) {
	srv, got := newManager(t, http.StatusOK)
	certPath := filepath.Join(t.TempDir(), "client.pem")
	if err := writeFile(certPath, "not a pem"); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	p := NewPoster(certPath)
	if err := p.SetOptions(model.ControlOptions{ManagerURL: srv.URL}); err == nil {
		t.Fatal("SetOptions accepted an unreadable certificate")
	}
	p.Apply(model.ControlOptions{ManagerURL: srv.URL})
	if err := p.PublishState(context.Background(), model.AgentState{}); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	if n := len(got()); n != 0 {
		t.Fatalf("posted %d requests while disabled", n)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}
