// Package marshaler implements the encoding of the messages exchanged with
// the radio bridge.
package marshaler

import (
	"bytes"
	"fmt"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
)

// Type defines the marshaler type.
type Type int

// Marshaler types.
const (
	Protobuf Type = iota
	JSON
)

func (t Type) String() string {
	switch t {
	case Protobuf:
		return "protobuf"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType returns the Type for the given name.
func ParseType(s string) (Type, error) {
	switch s {
	case "protobuf":
		return Protobuf, nil
	case "", "json":
		return JSON, nil
	default:
		return 0, fmt.Errorf("unknown marshaler: %s", s)
	}
}

// MarshalCommand marshals the given command.
func MarshalCommand(t Type, msg proto.Message) ([]byte, error) {
	var b []byte
	var err error

	switch t {
	case Protobuf:
		b, err = proto.Marshal(msg)
	case JSON:
		var str string
		m := &jsonpb.Marshaler{
			EmitDefaults: true,
		}
		str, err = m.MarshalToString(msg)
		b = []byte(str)
	default:
		err = fmt.Errorf("unknown marshaler type: %s", t)
	}

	return b, err
}

// UnmarshalEvent unmarshals the given event into msg. The marshaler type is
// detected from the payload.
func UnmarshalEvent(b []byte, msg proto.Message) (Type, error) {
	t := Protobuf
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		t = JSON
	}

	switch t {
	case JSON:
		m := jsonpb.Unmarshaler{
			AllowUnknownFields: true,
		}
		return t, m.Unmarshal(bytes.NewReader(b), msg)
	default:
		return t, proto.Unmarshal(b, msg)
	}
}
