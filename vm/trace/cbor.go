package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chazu/lumen/vm"
	"github.com/fxamacker/cbor/v2"
)

// cborEncMode encodes records canonically so that equal cycles produce
// equal bytes. Times are RFC 3339 strings so they decode exactly.
var cborEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalCycle serializes a cycle record to CBOR bytes.
func MarshalCycle(s *vm.CycleStats) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalCycle deserializes a cycle record from CBOR bytes.
func UnmarshalCycle(data []byte) (*vm.CycleStats, error) {
	var s vm.CycleStats
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("trace: unmarshal cycle: %w", err)
	}
	return &s, nil
}

// ---------------------------------------------------------------------------
// CBORSink
// ---------------------------------------------------------------------------

// CBORSink writes each cycle as one CBOR data item. The stream needs no
// framing since CBOR items are self-delimiting.
type CBORSink struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	n      int
	err    error
}

// NewCBORSink writes records to w. If w is an io.Closer, Close closes it.
func NewCBORSink(w io.Writer) *CBORSink {
	s := &CBORSink{enc: cborEncMode.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// CreateCBORFile creates (or truncates) path and returns a sink writing to
// it.
func CreateCBORFile(path string) (*CBORSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trace: creating %s: %w", path, err)
	}
	log.Debugf("writing cycle trace to %s", path)
	return NewCBORSink(f), nil
}

// TraceCycle encodes s. After the first error further records are dropped.
func (s *CBORSink) TraceCycle(c vm.CycleStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if err := s.enc.Encode(&c); err != nil {
		s.err = fmt.Errorf("trace: encoding cycle %d: %w", c.Cycle, err)
		log.Errorf("%s", s.err)
		return
	}
	s.n++
}

// Count returns the number of records written.
func (s *CBORSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Err returns the first encoding error.
func (s *CBORSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the underlying writer if it is a Closer.
func (s *CBORSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ReadCBOR decodes every record of a stream written by a CBORSink.
func ReadCBOR(r io.Reader) ([]vm.CycleStats, error) {
	dec := cbor.NewDecoder(r)
	var out []vm.CycleStats
	for {
		var c vm.CycleStats
		err := dec.Decode(&c)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("trace: decoding record %d: %w", len(out), err)
		}
		out = append(out, c)
	}
}

// ReadCBORFile decodes the records stored in path.
func ReadCBORFile(path string) ([]vm.CycleStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: opening %s: %w", path, err)
	}
	defer f.Close()
	return ReadCBOR(f)
}
