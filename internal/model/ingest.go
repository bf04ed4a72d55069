package model

// IngestEnvelope is one raw trace line as an input received it. Peer names
// the remote end when the input has one.
type IngestEnvelope struct {
	Source string
	Peer   string
	Line   string
}
