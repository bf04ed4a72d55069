package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/pipeline"
)

// decodeData unmarshals event data that may contain comments and trailing
// commas.
func decodeData(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: data is missing", ErrInvalidPayload)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func loadControlOptions(path string) (model.ControlOptions, error) {
	var opts model.ControlOptions
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return opts, nil
	}
	if err != nil {
		return opts, err
	}
	if err := decodeData(data, &opts); err != nil {
		return opts, err
	}
	return opts, validateControlOptions(opts)
}

func validateControlOptions(opts model.ControlOptions) error {
	if opts.TimeoutMS < 0 {
		return fmt.Errorf("%w: timeoutMs is negative", ErrInvalidPayload)
	}
	if opts.ManagerURL == "" {
		return nil
	}
	u, err := url.Parse(opts.ManagerURL)
	if err != nil {
		return fmt.Errorf("%w: managerUrl: %v", ErrInvalidPayload, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: managerUrl must be an http or https URL", ErrInvalidPayload)
	}
	return nil
}

func (m *Machine) setControlOptions(data []byte) (result, error) {
	var opts model.ControlOptions
	if err := decodeData(data, &opts); err != nil {
		return result{}, err
	}
	if err := validateControlOptions(opts); err != nil {
		return result{}, err
	}
	out, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return result{}, fmt.Errorf("control: encode control options: %w", err)
	}
	if err := writeFileAtomic(m.optionsPath, out, 0600); err != nil {
		return result{}, err
	}
	m.controlOpts = opts
	if m.cfg.OnControlOptions != nil {
		m.cfg.OnControlOptions(opts)
	}
	return result{message: "control options saved"}, nil
}

func (m *Machine) setEmptyFilterTemplate(data []byte) (result, error) {
	var fs model.FilterSource
	if err := decodeData(data, &fs); err != nil {
		return result{}, err
	}
	if diags := m.testSource(fs.Source); len(diags) > 0 {
		return result{}, &pipeline.FilterError{Diagnostics: diags}
	}
	m.emptyFilter = &fs
	return result{message: fmt.Sprintf("filter template version %d set", fs.TemplateVersion)}, nil
}

// testFilter compiles the filter in data without touching any state. Empty
// data tests the empty filter.
func (m *Machine) testFilter(data []byte) (result, error) {
	var fs model.FilterSource
	if len(bytes.TrimSpace(data)) > 0 {
		if err := decodeData(data, &fs); err != nil {
			return result{}, err
		}
	}
	diags := m.testSource(fs.Source)
	if len(diags) > 0 {
		return result{message: fmt.Sprintf("filter has %d problem(s)", len(diags)), diagnostics: diags}, nil
	}
	return result{message: "filter compiles"}, nil
}

func (m *Machine) testSource(src string) []model.Diagnostic {
	if m.cfg.Filters == nil {
		return nil
	}
	return m.cfg.Filters.TestFilter(src)
}

// applyOptions validates every field before changing anything. On a
// running pipeline the options are applied first and persisted after; on a
// stopped one they are only persisted.
func (m *Machine) applyOptions(ctx context.Context, data []byte) (result, error) {
	var opts model.AgentOptions
	if err := decodeData(data, &opts); err != nil {
		return result{}, err
	}
	if err := m.validateOptions(opts); err != nil {
		return result{}, err
	}

	var sinkErr error
	if m.proc != nil {
		if err := m.applyRunning(ctx, opts); err != nil {
			return result{}, err
		}
		if opts.SinkProfiles != nil {
			// Sink creation failures are reported through sink status.
			sinkErr = m.proc.UpdateSinks(ctx, m.withLiveView(*opts.SinkProfiles))
		}
	}

	err := m.store.Update(func(s *Session) {
		if opts.EnabledProviders != nil {
			s.Providers = *opts.EnabledProviders
		}
		if opts.Filter != nil {
			fs := *opts.Filter
			s.Filter = &fs
		}
		if opts.SinkProfiles != nil {
			s.Sinks = *opts.SinkProfiles
		}
		if opts.LiveViewOptions != nil {
			s.LiveView = *opts.LiveViewOptions
		}
	})
	if err != nil {
		return result{}, err
	}

	msg := "options saved"
	if m.proc != nil {
		msg = "options applied"
	}
	if sinkErr != nil {
		log.Printf("control: sink update: %v", sinkErr)
		msg += "; some sinks failed to start: " + sinkErr.Error()
	}
	return result{message: msg}, nil
}

// applyRunning installs the filter and then the providers. When the
// providers are refused the previous filter is put back, so a rejected
// request leaves the pipeline as it was.
func (m *Machine) applyRunning(ctx context.Context, opts model.AgentOptions) error {
	prevFilter := m.proc.Filter()
	if opts.Filter != nil {
		if err := m.proc.ApplyFilter(ctx, *opts.Filter); err != nil {
			return err
		}
	}
	if opts.EnabledProviders == nil {
		return nil
	}
	prevProviders := m.proc.Providers()
	err := m.proc.UpdateProviders(ctx, *opts.EnabledProviders)
	if err == nil {
		return nil
	}
	if rerr := m.proc.UpdateProviders(ctx, prevProviders); rerr != nil {
		log.Printf("control: restore providers: %v", rerr)
	}
	if opts.Filter != nil {
		if rerr := m.proc.ApplyFilter(ctx, prevFilter); rerr != nil {
			log.Printf("control: restore filter: %v", rerr)
		}
	}
	return err
}

func (m *Machine) validateOptions(opts model.AgentOptions) error {
	if opts.EnabledProviders != nil {
		seen := make(map[string]bool)
		for _, p := range *opts.EnabledProviders {
			name := strings.TrimSpace(p.Name)
			if name == "" {
				return fmt.Errorf("%w: provider name is empty", ErrInvalidPayload)
			}
			if seen[name] {
				return fmt.Errorf("%w: provider %q listed twice", ErrInvalidPayload, name)
			}
			if p.Level > model.LevelVerbose {
				return fmt.Errorf("%w: provider %q has invalid level %d", ErrInvalidPayload, name, p.Level)
			}
			seen[name] = true
		}
	}
	if opts.Filter != nil {
		if diags := m.testSource(opts.Filter.Source); len(diags) > 0 {
			return &pipeline.FilterError{Diagnostics: diags}
		}
	}
	if opts.SinkProfiles != nil {
		seen := make(map[string]bool)
		for _, p := range *opts.SinkProfiles {
			if p.Name == model.LiveViewSinkName {
				return fmt.Errorf("%w: sink name %q is reserved", ErrInvalidPayload, p.Name)
			}
			if seen[p.Name] {
				return fmt.Errorf("%w: sink %q listed twice", ErrInvalidPayload, p.Name)
			}
			if err := m.cfg.Registry.Validate(p); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
			seen[p.Name] = true
		}
	}
	return nil
}

func (m *Machine) installCertificate(ctx context.Context, data []byte) (result, error) {
	now := time.Now()
	pemData, cert, err := parseCertificate(data, now)
	if err != nil {
		m.cert = &model.CertificateInfo{InstalledAt: now.UTC(), Error: err.Error()}
		return result{}, err
	}
	info := certificateInfo(cert, now)
	if m.cfg.Certificates != nil {
		if err := m.cfg.Certificates.Install(ctx, pemData, cert); err != nil {
			info.Error = err.Error()
			m.cert = info
			return result{}, fmt.Errorf("control: install certificate: %w", err)
		}
	}
	m.cert = info
	log.Printf("control: installed certificate %s (%s)", info.Subject, info.Thumbprint)
	return result{message: "certificate installed: " + info.Subject}, nil
}

// startLiveView adds the manager's live view sink under its reserved name
// and retry policy. The live view is not persisted.
func (m *Machine) startLiveView(ctx context.Context, data []byte) (result, error) {
	if m.proc == nil {
		return result{}, ErrNotRunning
	}
	var p model.SinkProfile
	if err := decodeData(data, &p); err != nil {
		return result{}, err
	}
	p.Name = model.LiveViewSinkName
	retry := model.LiveViewRetry
	p.Retry = &retry
	if err := m.cfg.Registry.Validate(p); err != nil {
		return result{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	prev := m.liveView
	m.liveView = &p
	if err := m.proc.UpdateSinks(ctx, m.withLiveView(m.store.Session().Sinks)); err != nil {
		m.liveView = prev
		if rerr := m.proc.UpdateSinks(ctx, m.withLiveView(m.store.Session().Sinks)); rerr != nil {
			log.Printf("control: restore sinks: %v", rerr)
		}
		return result{}, fmt.Errorf("control: start live view: %w", err)
	}
	return result{message: "live view started"}, nil
}

func (m *Machine) stopLiveView(ctx context.Context) (result, error) {
	if m.liveView == nil {
		return result{message: "live view not active"}, nil
	}
	m.liveView = nil
	if m.proc != nil {
		if err := m.proc.UpdateSinks(ctx, m.store.Session().Sinks); err != nil {
			return result{}, fmt.Errorf("control: stop live view: %w", err)
		}
	}
	return result{message: "live view stopped"}, nil
}
