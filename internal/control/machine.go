package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/pipeline"
	"github.com/tinytelemetry/tracepush/internal/sink"
)

var (
	// ErrQueueFull is returned when the control queue has no room.
	ErrQueueFull = errors.New("control: queue full")
	// ErrInvalidPayload is returned for missing or malformed event data.
	ErrInvalidPayload = errors.New("control: invalid payload")
	// ErrUnknownEvent is returned for event names the machine does not handle.
	ErrUnknownEvent = errors.New("control: unknown event")
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("control: machine stopped")
	// ErrNotRunning rejects events that need a running pipeline.
	ErrNotRunning = errors.New("control: pipeline not running")
	// ErrAlreadyRunning rejects Start on a running pipeline.
	ErrAlreadyRunning = errors.New("control: pipeline already running")
)

// Pipeline is the part of the dispatch processor the machine drives.
type Pipeline interface {
	Start(ctx context.Context, s pipeline.Settings) error
	Stop(ctx context.Context) error
	UpdateProviders(ctx context.Context, providers []model.ProviderSetting) error
	ApplyFilter(ctx context.Context, fs model.FilterSource) error
	UpdateSinks(ctx context.Context, profiles []model.SinkProfile) error
	Providers() []model.ProviderSetting
	Filter() model.FilterSource
	SinkStatus() map[string]model.SinkState
	Stats() model.PipelineStats
	State() pipeline.State
	Done() <-chan struct{}
	Err() error
}

// FilterTester compiles filter source without installing it.
type FilterTester interface {
	TestFilter(source string) []model.Diagnostic
}

// Publisher receives state snapshots and event replies.
type Publisher interface {
	PublishState(ctx context.Context, st model.AgentState) error
	PublishReply(ctx context.Context, r model.ControlReply) error
}

// Config configures a Machine.
type Config struct {
	DataDir  string
	SiteName string

	Filters  FilterTester
	Registry *sink.Registry
	// NewPipeline builds a fresh processor for every Start.
	NewPipeline func() Pipeline

	Publishers       []Publisher
	Certificates     CertificateInstaller
	OnControlOptions func(model.ControlOptions)

	QueueSize      int
	StateInterval  time.Duration
	PublishTimeout time.Duration
	StopTimeout    time.Duration
}

// Event is one control request.
type Event struct {
	Name string
	ID   string
	Data []byte

	reply chan model.ControlReply
}

// evBoot is queued by Boot; it never comes from a control channel.
const evBoot = "boot"

type result struct {
	message     string
	diagnostics []model.Diagnostic
}

// Machine applies control events one at a time. Only the Run goroutine
// touches the pipeline and the session; readers get immutable snapshots
// through State.
type Machine struct {
	cfg         Config
	store       *SessionStore
	markerPath  string
	optionsPath string
	host        string

	events chan *Event
	done   chan struct{}
	state  atomic.Pointer[model.AgentState]

	// owned by the Run goroutine
	proc        Pipeline
	procDone    <-chan struct{}
	lastStats   *model.PipelineStats
	lastErr     string
	lastCtl     *model.ControlResult
	cert        *model.CertificateInfo
	emptyFilter *model.FilterSource
	controlOpts model.ControlOptions
	liveView    *model.SinkProfile
	pubErrs     map[int]string
}

// New loads the persisted session and control options from cfg.DataDir.
func New(cfg Config) (*Machine, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("control: data dir is empty")
	}
	if cfg.NewPipeline == nil {
		return nil, errors.New("control: pipeline constructor is nil")
	}
	if cfg.Registry == nil {
		cfg.Registry = sink.NewRegistry()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = model.DefaultControlQueueSize
	}
	if cfg.StateInterval <= 0 {
		cfg.StateInterval = model.DefaultStateInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * model.DefaultStopGrace
	}

	store, err := OpenSessionStore(filepath.Join(cfg.DataDir, "session.yml"))
	if err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:         cfg,
		store:       store,
		markerPath:  filepath.Join(cfg.DataDir, ".stopped"),
		optionsPath: filepath.Join(cfg.DataDir, "control.local.json"),
		events:      make(chan *Event, cfg.QueueSize),
		done:        make(chan struct{}),
		pubErrs:     make(map[int]string),
	}
	m.host, _ = os.Hostname()

	opts, err := loadControlOptions(m.optionsPath)
	if err != nil {
		log.Printf("control: ignoring %s: %v", m.optionsPath, err)
	} else {
		m.controlOpts = opts
	}
	m.refresh()
	return m, nil
}

// State returns the latest state snapshot.
func (m *Machine) State() model.AgentState {
	return *m.state.Load()
}

// AddPublisher registers p for state snapshots and replies. It must be
// called before Run.
func (m *Machine) AddPublisher(p Publisher) {
	m.cfg.Publishers = append(m.cfg.Publishers, p)
}

// Boot queues the startup check: the pipeline is started unless it was
// explicitly stopped before the last shutdown.
func (m *Machine) Boot() error {
	return m.enqueue(&Event{Name: evBoot})
}

// Submit queues ev without waiting for its reply.
func (m *Machine) Submit(ev Event) error {
	if !model.IsControlEvent(ev.Name) {
		return fmt.Errorf("%w %q", ErrUnknownEvent, ev.Name)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.reply = nil
	return m.enqueue(&ev)
}

// Request queues an event and waits for its reply. An empty id is replaced
// by a generated one.
func (m *Machine) Request(ctx context.Context, name, id string, data []byte) (model.ControlReply, error) {
	if !model.IsControlEvent(name) {
		return model.ControlReply{}, fmt.Errorf("%w %q", ErrUnknownEvent, name)
	}
	if id == "" {
		id = uuid.NewString()
	}
	ev := &Event{Name: name, ID: id, Data: data, reply: make(chan model.ControlReply, 1)}
	if err := m.enqueue(ev); err != nil {
		return model.ControlReply{}, err
	}
	select {
	case r := <-ev.reply:
		return r, nil
	case <-m.done:
		return model.ControlReply{}, ErrStopped
	case <-ctx.Done():
		return model.ControlReply{}, ctx.Err()
	}
}

func (m *Machine) enqueue(ev *Event) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.events <- ev:
		return nil
	default:
		log.Printf("control: queue full, rejecting %s", ev.Name)
		return ErrQueueFull
	}
}

// Run handles events until ctx ends. On return the pipeline is stopped
// without writing the stopped marker, so the next Boot starts it again.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)

	if m.cfg.OnControlOptions != nil {
		m.cfg.OnControlOptions(m.controlOpts)
	}
	m.publishState(ctx)

	ticker := time.NewTicker(m.cfg.StateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.proc != nil {
				if err := m.stopPipeline(); err != nil {
					log.Printf("control: stop pipeline on shutdown: %v", err)
				}
			}
			return nil
		case ev := <-m.events:
			m.handle(ctx, ev)
		case <-m.procDone:
			m.pipelineExited(ctx)
		case <-ticker.C:
			m.refresh()
			m.publishState(ctx)
		}
	}
}

func (m *Machine) handle(ctx context.Context, ev *Event) {
	res, err := m.safeDispatch(ctx, ev)

	reply := model.ControlReply{
		ID:          ev.ID,
		Event:       ev.Name,
		OK:          err == nil,
		Message:     res.message,
		Diagnostics: res.diagnostics,
	}
	if err != nil {
		reply.Error = err.Error()
		var ferr *pipeline.FilterError
		if errors.As(err, &ferr) {
			reply.Diagnostics = ferr.Diagnostics
		}
		log.Printf("control: %s (%s) failed: %v", ev.Name, ev.ID, err)
	}

	if ev.Name != evBoot {
		m.lastCtl = &model.ControlResult{
			Event: ev.Name,
			ID:    ev.ID,
			OK:    reply.OK,
			Error: reply.Error,
			At:    time.Now().UTC(),
		}
	}
	st := m.refresh()
	reply.State = &st

	if ev.reply != nil {
		ev.reply <- reply
	}
	if ev.Name != evBoot {
		m.publishReply(ctx, reply)
	}
	if ev.Name != model.EventTestFilter {
		m.publishState(ctx)
	}
}

// safeDispatch turns a handler panic into an error so the loop survives.
func (m *Machine) safeDispatch(ctx context.Context, ev *Event) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("control: panic handling %s: %v\n%s", ev.Name, r, debug.Stack())
			err = fmt.Errorf("control: %s: internal error: %v", ev.Name, r)
		}
	}()
	return m.dispatch(ctx, ev)
}

func (m *Machine) dispatch(ctx context.Context, ev *Event) (result, error) {
	switch ev.Name {
	case evBoot:
		return m.boot(ctx)
	case model.EventStart:
		return m.start(ctx)
	case model.EventStop:
		return m.stop()
	case model.EventReset:
		return m.reset()
	case model.EventGetState:
		return result{}, nil
	case model.EventSetControlOptions:
		return m.setControlOptions(ev.Data)
	case model.EventSetEmptyFilterTemplate:
		return m.setEmptyFilterTemplate(ev.Data)
	case model.EventTestFilter:
		return m.testFilter(ev.Data)
	case model.EventApplyOptions:
		return m.applyOptions(ctx, ev.Data)
	case model.EventInstallCertificate:
		return m.installCertificate(ctx, ev.Data)
	case model.EventStartLiveView:
		return m.startLiveView(ctx, ev.Data)
	case model.EventStopLiveView:
		return m.stopLiveView(ctx)
	}
	return result{}, fmt.Errorf("%w %q", ErrUnknownEvent, ev.Name)
}

func (m *Machine) boot(ctx context.Context) (result, error) {
	if _, err := os.Stat(m.markerPath); err == nil {
		log.Printf("control: pipeline was stopped by the operator, not starting")
		return result{message: "pipeline left stopped"}, nil
	}
	if m.proc != nil {
		return result{}, nil
	}
	if err := m.startPipeline(ctx); err != nil {
		return result{}, err
	}
	return result{message: "pipeline started"}, nil
}

func (m *Machine) start(ctx context.Context) (result, error) {
	if m.proc != nil {
		return result{}, ErrAlreadyRunning
	}
	if err := os.Remove(m.markerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result{}, fmt.Errorf("control: remove stopped marker: %w", err)
	}
	if err := m.startPipeline(ctx); err != nil {
		return result{}, err
	}
	return result{message: "pipeline started"}, nil
}

func (m *Machine) stop() (result, error) {
	if m.proc == nil {
		return result{}, ErrNotRunning
	}
	if err := m.writeMarker(); err != nil {
		return result{}, err
	}
	if err := m.stopPipeline(); err != nil {
		return result{}, err
	}
	return result{message: "pipeline stopped"}, nil
}

func (m *Machine) reset() (result, error) {
	if err := m.writeMarker(); err != nil {
		return result{}, err
	}
	if m.proc != nil {
		if err := m.stopPipeline(); err != nil {
			return result{}, err
		}
	}
	err := m.store.Update(func(s *Session) {
		*s = Session{}
	})
	if err != nil {
		return result{}, err
	}
	return result{message: "configuration reset"}, nil
}

func (m *Machine) startPipeline(ctx context.Context) error {
	ses := m.store.Session()
	settings := pipeline.Settings{Providers: ses.Providers, Sinks: ses.Sinks}
	if ses.Filter != nil {
		settings.Filter = *ses.Filter
	}
	proc := m.cfg.NewPipeline()
	if err := proc.Start(ctx, settings); err != nil {
		return fmt.Errorf("control: start pipeline: %w", err)
	}
	m.proc = proc
	m.procDone = proc.Done()
	m.lastErr = ""
	m.liveView = nil
	return nil
}

func (m *Machine) stopPipeline() error {
	proc := m.proc
	m.proc = nil
	m.procDone = nil
	m.liveView = nil

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
	defer cancel()
	err := proc.Stop(ctx)
	stats := proc.Stats()
	m.lastStats = &stats
	if err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		return fmt.Errorf("control: stop pipeline: %w", err)
	}
	return nil
}

// pipelineExited handles a processor that stopped on its own.
func (m *Machine) pipelineExited(ctx context.Context) {
	proc := m.proc
	m.proc = nil
	m.procDone = nil
	m.liveView = nil
	if proc == nil {
		return
	}
	stats := proc.Stats()
	m.lastStats = &stats
	if err := proc.Err(); err != nil {
		m.lastErr = err.Error()
		log.Printf("control: pipeline stopped: %v", err)
	}
	m.refresh()
	m.publishState(ctx)
}

func (m *Machine) writeMarker() error {
	if err := os.MkdirAll(filepath.Dir(m.markerPath), 0755); err != nil {
		return fmt.Errorf("control: mkdir: %w", err)
	}
	if err := os.WriteFile(m.markerPath, nil, 0644); err != nil {
		return fmt.Errorf("control: write stopped marker: %w", err)
	}
	return nil
}

// withLiveView appends the live view sink, if one is active, to profiles.
func (m *Machine) withLiveView(profiles []model.SinkProfile) []model.SinkProfile {
	out := append([]model.SinkProfile(nil), profiles...)
	if m.liveView != nil {
		out = append(out, *m.liveView)
	}
	return out
}

// refresh builds a new snapshot and publishes it to State readers.
func (m *Machine) refresh() model.AgentState {
	st := m.snapshot()
	m.state.Store(&st)
	return st
}

func (m *Machine) snapshot() model.AgentState {
	ses := m.store.Session()
	st := model.AgentState{
		Host:        m.host,
		Site:        m.cfg.SiteName,
		Running:     m.proc != nil,
		Phase:       pipeline.StateStopped.String(),
		Sinks:       make(map[string]model.SinkState, len(ses.Sinks)),
		LastError:   m.lastErr,
		LastControl: m.lastCtl,
		Certificate: m.cert,
		LiveView:    ses.LiveView,
		UpdatedAt:   time.Now().UTC(),
	}

	// A missing or outdated saved filter is shown as the current template.
	fs := ses.Filter
	if fs == nil || (m.emptyFilter != nil && fs.TemplateVersion < m.emptyFilter.TemplateVersion) {
		fs = m.emptyFilter
	}
	if fs != nil {
		st.ProcessingState.FilterSource = *fs
	}

	for _, p := range ses.Sinks {
		st.Sinks[p.Name] = model.SinkState{Profile: p.Redacted()}
	}
	if m.proc != nil {
		st.Phase = m.proc.State().String()
		st.EnabledProviders = m.proc.Providers()
		for name, s := range m.proc.SinkStatus() {
			st.Sinks[name] = s
		}
		stats := m.proc.Stats()
		st.Stats = &stats
	} else {
		st.EnabledProviders = ses.Providers
		st.Stats = m.lastStats
	}
	if st.EnabledProviders == nil {
		st.EnabledProviders = []model.ProviderSetting{}
	}
	return st
}

func (m *Machine) publishState(ctx context.Context) {
	st := m.State()
	for i, p := range m.cfg.Publishers {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
		err := p.PublishState(pctx, st)
		cancel()
		m.notePublish(i, err)
	}
}

func (m *Machine) publishReply(ctx context.Context, r model.ControlReply) {
	for i, p := range m.cfg.Publishers {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
		err := p.PublishReply(pctx, r)
		cancel()
		m.notePublish(i, err)
	}
}

// notePublish logs a publisher error only when it changes.
func (m *Machine) notePublish(i int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if m.pubErrs[i] == msg {
		return
	}
	m.pubErrs[i] = msg
	if err != nil {
		log.Printf("control: publish: %v", err)
	} else {
		log.Printf("control: publisher %d recovered", i)
	}
}
