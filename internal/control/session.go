package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// Session is the operator configuration that survives restarts.
type Session struct {
	Providers []model.ProviderSetting
	// Filter is nil when no filter was ever saved.
	Filter   *model.FilterSource
	Sinks    []model.SinkProfile
	LiveView model.LiveViewOptions
}

// sessionFile is the on-disk layout of a Session. Sink options and
// credentials are opaque JSON and are stored as strings.
type sessionFile struct {
	Providers []model.ProviderSetting `yaml:"providers"`
	Filter    *model.FilterSource     `yaml:"filter,omitempty"`
	Sinks     []storedSink            `yaml:"sinks"`
	LiveView  model.LiveViewOptions   `yaml:"live-view"`
}

type storedSink struct {
	Name        string               `yaml:"name"`
	SinkType    string               `yaml:"sink-type"`
	Version     string               `yaml:"version,omitempty"`
	Options     string               `yaml:"options,omitempty"`
	Credentials string               `yaml:"credentials,omitempty"`
	Retry       *model.RetrySettings `yaml:"retry,omitempty"`
}

// SessionStore persists a Session as YAML. Every update rewrites the file
// atomically.
type SessionStore struct {
	path string

	mu      sync.Mutex
	session Session
}

// OpenSessionStore loads the session at path. A missing file yields an
// empty session.
func OpenSessionStore(path string) (*SessionStore, error) {
	s := &SessionStore{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("control: read session: %w", err)
	}

	var f sessionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("control: parse session %s: %w", path, err)
	}
	s.session = Session{
		Providers: f.Providers,
		Filter:    f.Filter,
		LiveView:  f.LiveView,
	}
	for _, ss := range f.Sinks {
		p := model.SinkProfile{
			Name:     ss.Name,
			SinkType: ss.SinkType,
			Version:  ss.Version,
			Retry:    ss.Retry,
		}
		if ss.Options != "" {
			p.Options = json.RawMessage(ss.Options)
		}
		if ss.Credentials != "" {
			p.Credentials = json.RawMessage(ss.Credentials)
		}
		s.session.Sinks = append(s.session.Sinks, p)
	}
	return s, nil
}

// Session returns a copy of the stored session.
func (s *SessionStore) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.clone()
}

// Update applies fn to a copy of the session and saves the result. The
// stored session is unchanged if saving fails.
func (s *SessionStore) Update(fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.session.clone()
	fn(&next)
	if err := s.save(next); err != nil {
		return err
	}
	s.session = next
	return nil
}

func (s *SessionStore) save(ses Session) error {
	f := sessionFile{
		Providers: ses.Providers,
		Filter:    ses.Filter,
		LiveView:  ses.LiveView,
		Sinks:     make([]storedSink, 0, len(ses.Sinks)),
	}
	for _, p := range ses.Sinks {
		f.Sinks = append(f.Sinks, storedSink{
			Name:        p.Name,
			SinkType:    p.SinkType,
			Version:     p.Version,
			Options:     string(p.Options),
			Credentials: string(p.Credentials),
			Retry:       p.Retry,
		})
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("control: encode session: %w", err)
	}
	// Credentials are stored in the clear; keep the file private.
	return writeFileAtomic(s.path, data, 0600)
}

func (ses Session) clone() Session {
	out := Session{
		Providers: append([]model.ProviderSetting(nil), ses.Providers...),
		Sinks:     append([]model.SinkProfile(nil), ses.Sinks...),
		LiveView: model.LiveViewOptions{
			StandardColumns: append([]int(nil), ses.LiveView.StandardColumns...),
			PayloadColumns:  append([]model.LiveViewColumn(nil), ses.LiveView.PayloadColumns...),
		},
	}
	if ses.Filter != nil {
		f := *ses.Filter
		out.Filter = &f
	}
	return out
}

// writeFileAtomic replaces path with data via a synced temp file and a
// rename in the same directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("control: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("control: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("control: write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("control: chmod %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("control: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("control: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("control: rename %s: %w", path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
