package worker

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/pipelinedb/cq/internal/types"
)

func init() {
	// Stream tuple values arrive as dynamically typed Go values coerced
	// by the FDW scan callback (spec.md §4.7 Scan); gob needs every
	// concrete type registered before it can encode/decode them behind
	// the `any` values in wireTuple.Values.
	gob.Register(string(""))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(bool(false))
	gob.Register(time.Time{})
	gob.Register([]any{})
}

// wireTuple is the gob-encodable projection of types.StreamTuple
// pushed through the ring buffer: Ack is a local channel and cannot
// cross the byte-queue boundary, so synchronous-insert
// acknowledgement is handled by the FDW Modify callback, which waits
// for each worker queue to drain after pushing, not by the worker
// after decoding.
type wireTuple struct {
	Stream       string
	Arrived      int64 // UnixNano
	Values       map[string]any
	Targets      []types.CVID
	AdhocTargets []string
}

// EncodeTuple serializes a stream tuple for the ring buffer. gob is
// used rather than a third-party wire format because this is a
// purely in-process, single-binary boundary — none of the example
// repos' wire codecs (protobuf, Avro) are grounded for a producer and
// consumer that never leave one Go process (see DESIGN.md).
func EncodeTuple(t types.StreamTuple) ([]byte, error) {
	wt := wireTuple{
		Stream:  t.Stream.String(),
		Arrived: t.Arrived.Wall.UnixNano(),
		Values:  t.Values,
		Targets: t.Targets,
	}
	for _, id := range t.AdhocTargets {
		wt.AdhocTargets = append(wt.AdhocTargets, id.String())
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTuple reverses EncodeTuple, omitting Ack and the original
// ident.Table/uuid.UUID typing (the worker only needs Values and
// GroupColumns by name).
func DecodeTuple(data []byte) (map[string]any, []types.CVID, error) {
	var wt wireTuple
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wt); err != nil {
		return nil, nil, err
	}
	return wt.Values, wt.Targets, nil
}
