package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

var ErrBadSerialID = errors.New("serialId must be a string or a number")

// SerialID is the application-level producer identifier consumers ask for.
// Clients may pick any string or number; auto-assigned ids are numbers.
// Two ids are equal only if both text and JSON flavour match.
type SerialID struct {
	value   string
	numeric bool
}

func NewSerialID(s string) SerialID { return SerialID{value: s} }

func AutoSerialID(n uint64) SerialID {
	return SerialID{value: strconv.FormatUint(n, 10), numeric: true}
}

func (s SerialID) String() string { return s.value }
func (s SerialID) IsZero() bool   { return s.value == "" }
func (s SerialID) Numeric() bool  { return s.numeric }

// Unset reports whether the client left the id for the server to pick:
// missing, empty string or numeric zero.
func (s SerialID) Unset() bool {
	return s.IsZero() || (s.numeric && s.value == "0")
}

func (s SerialID) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte("null"), nil
	}
	if s.numeric {
		return []byte(s.value), nil
	}
	return json.Marshal(s.value)
}

func (s *SerialID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = SerialID{}
		return nil
	case b[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = SerialID{value: str}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return ErrBadSerialID
	}
	*s = SerialID{value: n.String(), numeric: true}
	return nil
}
