package eventlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// Frame layout, little-endian:
//
//	[u32 payload length][u64 sequence][16-byte blake3 of sequence+payload][cbor payload]
const (
	lenSize      = 4
	seqSize      = 8
	sumSize      = 16
	headerSize   = lenSize + seqSize + sumSize
	maxFrameSize = 16 << 20
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("eventlog: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("eventlog: cbor dec mode: %v", err))
	}
}

func encodeFrame(seq uint64, rec *model.TraceRecord) ([]byte, error) {
	payload, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal record: %w", err)
	}
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("eventlog: record of %d bytes exceeds frame limit", len(payload))
	}

	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:lenSize], uint32(len(payload)))
	binary.LittleEndian.PutUint64(frame[lenSize:lenSize+seqSize], seq)
	copy(frame[headerSize:], payload)
	sum := checksum(frame[lenSize:lenSize+seqSize], payload)
	copy(frame[lenSize+seqSize:headerSize], sum[:])
	return frame, nil
}

func decodeRecord(payload []byte) (model.TraceRecord, error) {
	var rec model.TraceRecord
	if err := decMode.Unmarshal(payload, &rec); err != nil {
		return model.TraceRecord{}, fmt.Errorf("eventlog: unmarshal record: %w", err)
	}
	return rec, nil
}

func checksum(seq, payload []byte) [sumSize]byte {
	h := blake3.New()
	_, _ = h.Write(seq)
	_, _ = h.Write(payload)
	var out [sumSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// scanFrames walks the frames of r up to limit bytes (limit < 0 reads to
// EOF) and returns the length of the valid prefix. Scanning stops quietly at
// the first torn, oversized, out-of-order or corrupt frame.
func scanFrames(r io.ReaderAt, limit int64, fn func(seq uint64, end int64, payload []byte) error) (int64, error) {
	if limit < 0 {
		limit = math.MaxInt64
	}
	br := bufio.NewReaderSize(io.NewSectionReader(r, 0, limit), 64<<10)

	var (
		valid   int64
		lastSeq uint64
		header  [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return valid, nil
			}
			return valid, fmt.Errorf("eventlog: read header: %w", err)
		}
		n := binary.LittleEndian.Uint32(header[0:lenSize])
		seq := binary.LittleEndian.Uint64(header[lenSize : lenSize+seqSize])
		if n > maxFrameSize || seq == 0 || seq <= lastSeq {
			return valid, nil
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return valid, nil
			}
			return valid, fmt.Errorf("eventlog: read payload: %w", err)
		}
		sum := checksum(header[lenSize:lenSize+seqSize], payload)
		if !bytes.Equal(sum[:], header[lenSize+seqSize:headerSize]) {
			return valid, nil
		}

		end := valid + headerSize + int64(n)
		if err := fn(seq, end, payload); err != nil {
			return valid, err
		}
		valid = end
		lastSeq = seq
	}
}
