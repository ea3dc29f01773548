// Package packet decodes the fixed-length little-endian notifications sent by
// the e-nose firmware into timestamped records.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/chaz8081/enose-collector/internal/schema"
)

// TimeLayout renders capture timestamps with fixed microsecond precision.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Reason classifies a rejected packet.
type Reason int

const (
	SizeMismatch Reason = iota + 1
	UnpackFailure
)

func (r Reason) String() string {
	switch r {
	case SizeMismatch:
		return "size_mismatch"
	case UnpackFailure:
		return "unpack_failure"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against a *MalformedPacketError.
var (
	ErrSizeMismatch  = errors.New("packet: size mismatch")
	ErrUnpackFailure = errors.New("packet: unpack failure")
)

// MalformedPacketError reports a packet that could not be decoded.
type MalformedPacketError struct {
	Reason Reason
	Got    int // received length in bytes
	Want   int // schema length in bytes
	Err    error
}

func (e *MalformedPacketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("packet: malformed (%s): got %d bytes, want %d: %v", e.Reason, e.Got, e.Want, e.Err)
	}
	return fmt.Sprintf("packet: malformed (%s): got %d bytes, want %d", e.Reason, e.Got, e.Want)
}

// Is lets errors.Is match the reason sentinels.
func (e *MalformedPacketError) Is(target error) bool {
	switch target {
	case ErrSizeMismatch:
		return e.Reason == SizeMismatch
	case ErrUnpackFailure:
		return e.Reason == UnpackFailure
	}
	return false
}

func (e *MalformedPacketError) Unwrap() error { return e.Err }

// RawPacket is one notification as received, stamped with the host clock.
type RawPacket struct {
	Data      []byte
	ArrivedAt time.Time
}

// Record is a decoded packet. Values follow the schema's field order.
type Record struct {
	CapturedAt time.Time
	Values     []float64

	schema *schema.Schema
}

// Schema returns the layout the record was decoded with.
func (r Record) Schema() *schema.Schema { return r.schema }

// Strings renders the values in their natural decimal form.
func (r Record) Strings() []string {
	out := make([]string, len(r.Values))
	for i, v := range r.Values {
		out[i] = FormatValue(r.schema.Field(i).Type, v)
	}
	return out
}

// Row returns the capture timestamp followed by Strings.
func (r Record) Row() []string {
	return append([]string{r.CapturedAt.Format(TimeLayout)}, r.Strings()...)
}

// FormatValue renders v as t would print it: float32 values use the shortest
// representation that round-trips through float32, integers have no decimals.
func FormatValue(t schema.Type, v float64) string {
	if t.IsFloat() {
		return strconv.FormatFloat(v, 'f', -1, 32)
	}
	return strconv.FormatInt(int64(v), 10)
}

// Decode unpacks raw against s. The length check runs before any field is
// read; a mismatch yields a *MalformedPacketError with Reason SizeMismatch.
func Decode(raw RawPacket, s *schema.Schema) (Record, error) {
	if len(raw.Data) != s.Size() {
		return Record{}, &MalformedPacketError{Reason: SizeMismatch, Got: len(raw.Data), Want: s.Size()}
	}

	values, err := unpack(raw.Data, s)
	if err != nil {
		return Record{}, &MalformedPacketError{Reason: UnpackFailure, Got: len(raw.Data), Want: s.Size(), Err: err}
	}

	return Record{
		CapturedAt: raw.ArrivedAt,
		Values:     values,
		schema:     s,
	}, nil
}

func unpack(data []byte, s *schema.Schema) ([]float64, error) {
	values := make([]float64, s.Len())
	off := 0
	for i := 0; i < s.Len(); i++ {
		f := s.Field(i)
		w := f.Type.Size()
		if w == 0 {
			return nil, fmt.Errorf("field %q: unknown type %s", f.Name, f.Type)
		}
		if off+w > len(data) {
			return nil, fmt.Errorf("field %q: need %d bytes at offset %d, have %d", f.Name, w, off, len(data)-off)
		}
		b := data[off : off+w]
		switch f.Type {
		case schema.Float32:
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case schema.Int32:
			values[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case schema.Uint32:
			values[i] = float64(binary.LittleEndian.Uint32(b))
		case schema.Int16:
			values[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case schema.Uint16:
			values[i] = float64(binary.LittleEndian.Uint16(b))
		}
		off += w
	}
	if off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after last field", len(data)-off)
	}
	return values, nil
}

// Encode is the inverse of Decode. Integer fields are truncated toward zero.
func Encode(s *schema.Schema, values []float64) ([]byte, error) {
	if len(values) != s.Len() {
		return nil, fmt.Errorf("packet: encode: got %d values, schema %s has %d fields", len(values), s.Name(), s.Len())
	}
	buf := make([]byte, s.Size())
	off := 0
	for i, v := range values {
		f := s.Field(i)
		b := buf[off : off+f.Type.Size()]
		switch f.Type {
		case schema.Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case schema.Int32:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		case schema.Uint32:
			binary.LittleEndian.PutUint32(b, uint32(v))
		case schema.Int16:
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		case schema.Uint16:
			binary.LittleEndian.PutUint16(b, uint16(v))
		}
		off += len(b)
	}
	return buf, nil
}
