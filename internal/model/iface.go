package model

// Control event names accepted by the control state machine.
const (
	EventStart                  = "Start"
	EventStop                   = "Stop"
	EventReset                  = "Reset"
	EventGetState               = "GetState"
	EventSetControlOptions      = "SetControlOptions"
	EventSetEmptyFilterTemplate = "SetEmptyFilterTemplate"
	EventTestFilter             = "TestFilter"
	EventApplyOptions           = "ApplyOptions"
	EventInstallCertificate     = "InstallCertificate"
	EventStartLiveView          = "StartLiveView"
	EventStopLiveView           = "StopLiveView"
)

// ControlEvents lists every control event name in display order.
var ControlEvents = []string{
	EventStart,
	EventStop,
	EventReset,
	EventGetState,
	EventSetControlOptions,
	EventSetEmptyFilterTemplate,
	EventTestFilter,
	EventApplyOptions,
	EventInstallCertificate,
	EventStartLiveView,
	EventStopLiveView,
}

// IsControlEvent reports whether name is a known control event.
func IsControlEvent(name string) bool {
	for _, e := range ControlEvents {
		if e == name {
			return true
		}
	}
	return false
}

// ControlReply is the acknowledgement for one control event.
type ControlReply struct {
	ID          string       `json:"id"`
	Event       string       `json:"event"`
	OK          bool         `json:"ok"`
	Error       string       `json:"error,omitempty"`
	Message     string       `json:"message,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	State       *AgentState  `json:"state,omitempty"`
}

// TraceSubscription is returned by TraceSource.Subscribe.
type TraceSubscription interface {
	Unsubscribe()
}

// TraceSource delivers trace records from enabled providers.
// Callbacks run on the source's own goroutines and must return quickly.
type TraceSource interface {
	EnableProvider(p ProviderSetting) error
	DisableProvider(name string) error
	SetFilter(source string) []Diagnostic
	TestFilter(source string) []Diagnostic
	Subscribe(fn func(TraceRecord)) (TraceSubscription, error)
}
