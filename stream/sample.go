package stream

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Shusuke-O/realtime-mrs/errors"
)

// PayloadKind discriminates the sample payload variant.
type PayloadKind int

const (
	// KindScalar is a single float64 value.
	KindScalar PayloadKind = iota
	// KindStructured is an arbitrary JSON object.
	KindStructured
)

// Payload is the tagged value carried by a sample: either a scalar or a
// structured object. The zero value is Scalar(0).
type Payload struct {
	kind       PayloadKind
	scalar     float64
	structured map[string]any
}

// Scalar builds a scalar payload.
func Scalar(v float64) Payload {
	return Payload{kind: KindScalar, scalar: v}
}

// Structured builds a structured payload.
func Structured(m map[string]any) Payload {
	return Payload{kind: KindStructured, structured: m}
}

// Kind returns the payload variant.
func (p Payload) Kind() PayloadKind { return p.kind }

// ScalarValue returns the scalar value and whether the payload is scalar.
func (p Payload) ScalarValue() (float64, bool) {
	return p.scalar, p.kind == KindScalar
}

// StructuredValue returns the structured object and whether the payload is
// structured.
func (p Payload) StructuredValue() (map[string]any, bool) {
	return p.structured, p.kind == KindStructured
}

// Encode renders the payload for column storage: scalar as a plain number,
// structured as a JSON blob.
func (p Payload) Encode() string {
	if p.kind == KindScalar {
		return strconv.FormatFloat(p.scalar, 'g', -1, 64)
	}
	data, err := json.Marshal(p.structured)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Sample is one timestamped value pulled from a stream. Timestamp is seconds
// since the Unix epoch with sub-millisecond precision, as produced by the
// stream's source clock.
type Sample struct {
	Timestamp float64
	Payload   Payload
}

// wireSample is the JSON wire form. Exactly one of Scalar or Structured is
// set, preserving the payload variant across encode/decode.
type wireSample struct {
	Timestamp  float64         `json:"timestamp"`
	Scalar     *float64        `json:"scalar,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Sample) MarshalJSON() ([]byte, error) {
	w := wireSample{Timestamp: s.Timestamp}
	switch s.Payload.kind {
	case KindScalar:
		v := s.Payload.scalar
		w.Scalar = &v
	case KindStructured:
		data, err := json.Marshal(s.Payload.structured)
		if err != nil {
			return nil, errors.Wrap(err, "stream", "MarshalJSON", "encode structured payload")
		}
		w.Structured = data
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var w wireSample
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.WrapInvalid(errors.ErrParsingFailed, "stream", "UnmarshalJSON",
			fmt.Sprintf("decode sample: %v", err))
	}

	s.Timestamp = w.Timestamp
	switch {
	case w.Scalar != nil:
		s.Payload = Scalar(*w.Scalar)
	case len(w.Structured) > 0:
		var m map[string]any
		if err := json.Unmarshal(w.Structured, &m); err != nil {
			return errors.WrapInvalid(errors.ErrParsingFailed, "stream", "UnmarshalJSON",
				fmt.Sprintf("decode structured payload: %v", err))
		}
		s.Payload = Structured(m)
	default:
		return errors.WrapInvalid(errors.ErrParsingFailed, "stream", "UnmarshalJSON",
			"sample carries neither scalar nor structured payload")
	}
	return nil
}
