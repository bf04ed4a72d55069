package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trace levels, most severe first. A provider enabled at level L receives
// every record whose level is <= L; LevelAlways records are never gated.
const (
	LevelAlways        uint8 = 0
	LevelCritical      uint8 = 1
	LevelError         uint8 = 2
	LevelWarning       uint8 = 3
	LevelInformational uint8 = 4
	LevelVerbose       uint8 = 5
)

var levelNames = [...]string{"Always", "Critical", "Error", "Warning", "Informational", "Verbose"}

// LevelName returns the display name for a trace level.
func LevelName(level uint8) string {
	if int(level) < len(levelNames) {
		return levelNames[level]
	}
	return "Level(" + strconv.Itoa(int(level)) + ")"
}

// ParseLevel accepts a level name (case-insensitive, common aliases included)
// or a decimal level number.
func ParseLevel(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		if n > uint64(LevelVerbose) {
			return LevelVerbose, nil
		}
		return uint8(n), nil
	}
	switch strings.ToLower(s) {
	case "always", "logalways":
		return LevelAlways, nil
	case "critical", "fatal", "crit":
		return LevelCritical, nil
	case "error", "err":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "informational", "info", "information":
		return LevelInformational, nil
	case "verbose", "debug", "trace":
		return LevelVerbose, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// PayloadField is one named value of a trace record payload.
type PayloadField struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Value any
}

// Payload is an ordered list of payload fields. It encodes to JSON as an
// object whose keys keep the capture order.
type Payload []PayloadField

// Get returns the value of the first field named name.
func (p Payload) Get(name string) (any, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Map returns the payload as an unordered map.
func (p Payload) Map() map[string]any {
	m := make(map[string]any, len(p))
	for _, f := range p {
		if _, ok := m[f.Name]; !ok {
			m[f.Name] = f.Value
		}
	}
	return m
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("payload field %q: %w", f.Name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// TraceRecord is one captured trace event. Sequence is assigned by the
// durable event log when the record is appended and never changes after.
type TraceRecord struct {
	Sequence   uint64    `json:"sequenceNo" cbor:"1,keyasint"`
	Provider   string    `json:"providerName" cbor:"2,keyasint"`
	EventID    uint16    `json:"id" cbor:"3,keyasint"`
	Level      uint8     `json:"level" cbor:"4,keyasint"`
	Opcode     uint8     `json:"opcode" cbor:"5,keyasint"`
	Keywords   uint64    `json:"keywords" cbor:"6,keyasint"`
	Timestamp  time.Time `json:"timeStamp" cbor:"7,keyasint"`
	TaskName   string    `json:"taskName,omitempty" cbor:"8,keyasint,omitempty"`
	OpcodeName string    `json:"opcodeName,omitempty" cbor:"9,keyasint,omitempty"`
	ProcessID  uint32    `json:"processId,omitempty" cbor:"10,keyasint,omitempty"`
	ThreadID   uint32    `json:"threadId,omitempty" cbor:"11,keyasint,omitempty"`
	Payload    Payload   `json:"payload" cbor:"12,keyasint"`
}

// Batch is an ordered, non-empty run of records with contiguous sequence
// numbers. Every active sink receives the same Batch value.
type Batch struct {
	Records []TraceRecord
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// MinSequence returns the sequence number of the first record.
func (b Batch) MinSequence() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[0].Sequence
}

// MaxSequence returns the sequence number of the last record.
func (b Batch) MaxSequence() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[len(b.Records)-1].Sequence
}
