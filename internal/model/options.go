package model

// ControlOptions configure the connection to the manager. They are sent
// with the SetControlOptions event and persisted locally.
type ControlOptions struct {
	ManagerURL string            `json:"managerUrl"`
	TimeoutMS  int               `json:"timeoutMs,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	// ClientCertificate names the subject of the certificate used to
	// authenticate against the manager.
	ClientCertificate string `json:"clientCertificate,omitempty"`
}

// LiveViewColumn is one payload column shown by the manager live view.
type LiveViewColumn struct {
	Name  string `json:"name" yaml:"name"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
}

// LiveViewOptions are display settings for the manager live view. The agent
// only stores and reports them.
type LiveViewOptions struct {
	StandardColumns []int            `json:"standardColumns,omitempty" yaml:"standard-columns,omitempty"`
	PayloadColumns  []LiveViewColumn `json:"payloadColumns,omitempty" yaml:"payload-columns,omitempty"`
}

// AgentOptions is the payload of ApplyOptions. Nil fields are left
// unchanged.
type AgentOptions struct {
	EnabledProviders *[]ProviderSetting `json:"enabledProviders,omitempty"`
	Filter           *FilterSource      `json:"filter,omitempty"`
	SinkProfiles     *[]SinkProfile     `json:"sinkProfiles,omitempty"`
	LiveViewOptions  *LiveViewOptions   `json:"liveViewOptions,omitempty"`
}
