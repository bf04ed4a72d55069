package model

import (
	"encoding/json"
	"time"
)

// ProviderSetting enables one trace provider at a verbosity level.
// A zero MatchKeywords mask matches every keyword.
type ProviderSetting struct {
	Name          string `json:"name" yaml:"name"`
	Level         uint8  `json:"level" yaml:"level"`
	MatchKeywords uint64 `json:"matchKeywords" yaml:"match-keywords"`
}

// Matches reports whether a record passes the provider's level and keyword gate.
func (p ProviderSetting) Matches(r *TraceRecord) bool {
	if r.Level != LevelAlways && r.Level > p.Level {
		return false
	}
	if p.MatchKeywords != 0 && r.Keywords != 0 && r.Keywords&p.MatchKeywords == 0 {
		return false
	}
	return true
}

// FilterSource is the text of a filter expression plus the version of the
// template it was created from.
type FilterSource struct {
	TemplateVersion int    `json:"templateVersion" yaml:"template-version"`
	Source          string `json:"filterSource" yaml:"source"`
}

// Diagnostic describes one problem found while compiling a filter.
type Diagnostic struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// ProcessingState is the filter currently applied to the pipeline.
type ProcessingState struct {
	FilterSource FilterSource `json:"filterSource"`
	Diagnostics  []Diagnostic `json:"diagnostics"`
}

// RetrySettings overrides the holder's default sink retry policy.
type RetrySettings struct {
	BaseDelayMS int     `json:"baseDelayMs" yaml:"base-delay-ms"`
	MaxDelayMS  int     `json:"maxDelayMs" yaml:"max-delay-ms"`
	MaxAttempts int     `json:"maxAttempts" yaml:"max-attempts"`
	Multiplier  float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// SinkProfile is the operator-supplied configuration of one named sink.
// Options and Credentials are opaque to everything but the sink factory.
type SinkProfile struct {
	Name        string          `json:"name"`
	SinkType    string          `json:"sinkType"`
	Version     string          `json:"version,omitempty"`
	Options     json.RawMessage `json:"options,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Retry       *RetrySettings  `json:"retry,omitempty"`
}

// Redacted returns a copy without credentials, safe to publish.
func (p SinkProfile) Redacted() SinkProfile {
	p.Credentials = nil
	return p
}

// Equal reports whether two profiles would create the same sink.
func (p SinkProfile) Equal(o SinkProfile) bool {
	if p.Name != o.Name || p.SinkType != o.SinkType || p.Version != o.Version {
		return false
	}
	if !jsonEqual(p.Options, o.Options) || !jsonEqual(p.Credentials, o.Credentials) {
		return false
	}
	switch {
	case p.Retry == nil && o.Retry == nil:
		return true
	case p.Retry == nil || o.Retry == nil:
		return false
	default:
		return *p.Retry == *o.Retry
	}
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return string(ca) == string(cb)
}

// Sink health states.
const (
	SinkActive   = "active"
	SinkRetrying = "retrying"
	SinkFailed   = "failed"
)

// SinkStatus is the externally visible health of one sink.
type SinkStatus struct {
	State          string     `json:"state"`
	LastError      string     `json:"lastError,omitempty"`
	RetryCount     int        `json:"retryCount"`
	RetryStartTime *time.Time `json:"retryStartTime,omitempty"`
	NextRetryTime  *time.Time `json:"nextRetryTime,omitempty"`
	Delivered      uint64     `json:"deliveredBatches"`
	LastSequence   uint64     `json:"lastSequence"`
}

// SinkState pairs a sink's profile with its status.
type SinkState struct {
	Profile SinkProfile `json:"profile"`
	Status  SinkStatus  `json:"status"`
}

// PipelineStats are counters reported by the dispatch processor.
type PipelineStats struct {
	Received        uint64 `json:"received"`
	Appended        uint64 `json:"appended"`
	Dropped         uint64 `json:"dropped"`
	QueueFullEvents uint64 `json:"queueFullEvents"`
	Staged          int    `json:"staged"`
	DeliveredBatch  uint64 `json:"deliveredBatches"`
	LastSequence    uint64 `json:"lastSequence"`
	Trimmed         uint64 `json:"trimmed"`
}

// CertificateInfo describes the most recently installed client certificate.
type CertificateInfo struct {
	Subject     string    `json:"subject,omitempty"`
	Thumbprint  string    `json:"thumbprint,omitempty"`
	NotAfter    time.Time `json:"notAfter"`
	InstalledAt time.Time `json:"installedAt"`
	Error       string    `json:"error,omitempty"`
}

// ControlResult records the outcome of the last handled control event.
type ControlResult struct {
	Event string    `json:"event"`
	ID    string    `json:"id"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// AgentState is an immutable snapshot of the pipeline configuration and
// health. Snapshots are replaced, never mutated.
type AgentState struct {
	Host             string               `json:"host"`
	Site             string               `json:"site,omitempty"`
	EnabledProviders []ProviderSetting    `json:"enabledProviders"`
	ProcessingState  ProcessingState      `json:"processingState"`
	Sinks            map[string]SinkState `json:"sinks"`
	Running          bool                 `json:"running"`
	Phase            string               `json:"phase"`
	Stats            *PipelineStats       `json:"stats,omitempty"`
	LastError        string               `json:"lastError,omitempty"`
	LastControl      *ControlResult       `json:"lastControl,omitempty"`
	Certificate      *CertificateInfo     `json:"certificate,omitempty"`
	LiveView         LiveViewOptions      `json:"liveViewOptions"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}
