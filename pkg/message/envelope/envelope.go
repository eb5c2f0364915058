// Package envelope implements the routed envelope wrapping FILE and AUDIO payloads, which lets the
// relay re-address a message to its ultimate recipient without interpreting the inner payload.
package envelope

import (
	"encoding/binary"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
)

type Direction uint8

const (
	Direction_ClientToServer Direction = 0
	Direction_ServerToClient Direction = 1
)

type FrameType uint8

const (
	FrameType_NONE     FrameType = 0
	FrameType_Metadata FrameType = 1
	FrameType_Chunk    FrameType = 2
)

// Envelope is direction, optional frame type (file frames only), peer id and inner payload.
type Envelope struct {
	Direction Direction
	FrameType FrameType
	PeerId    string
	Payload   []byte
}

// Serializer knows whether the envelope carries the 1-byte frame type. File envelopes do,
// audio envelopes do not.
type Serializer struct {
	HasFrameType bool
}

var (
	FileSerializer  = Serializer{HasFrameType: true}
	AudioSerializer = Serializer{HasFrameType: false}
)

func (s Serializer) Serialize(env *Envelope) ([]byte, error) {
	if len(env.PeerId) > 0xFFFF {
		return nil, &errors.MissingFieldError{
			MessageName: "Envelope",
			FieldName:   "PeerId(<=65535 bytes)",
		}
	}

	out := make([]byte, 0, 8+len(env.PeerId)+len(env.Payload))
	out = append(out, byte(env.Direction))
	if s.HasFrameType {
		out = append(out, byte(env.FrameType))
	}
	out = AppendString(out, env.PeerId)
	out = binary.BigEndian.AppendUint32(out, uint32(len(env.Payload)))
	return append(out, env.Payload...), nil
}

func (s Serializer) Parse(msg []byte) (*Envelope, error) {
	readPtr := 0
	env := &Envelope{}

	if len(msg) < 1 {
		return nil, &errors.Underflow{MessageName: "Envelope::Direction", MsgSize: len(msg), MinimumSize: 1}
	}
	env.Direction = Direction(msg[readPtr])
	if env.Direction != Direction_ClientToServer && env.Direction != Direction_ServerToClient {
		return nil, &errors.InvalidEnumValue{EnumName: "Envelope::Direction", IntValue: msg[readPtr]}
	}
	readPtr++

	if s.HasFrameType {
		if len(msg) < readPtr+1 {
			return nil, &errors.Underflow{MessageName: "Envelope::FrameType", MsgSize: len(msg), MinimumSize: readPtr + 1}
		}
		env.FrameType = FrameType(msg[readPtr])
		if env.FrameType != FrameType_Metadata && env.FrameType != FrameType_Chunk {
			return nil, &errors.InvalidEnumValue{EnumName: "Envelope::FrameType", IntValue: msg[readPtr]}
		}
		readPtr++
	}

	readPtr, peerId, err := ReadString(msg, readPtr, "Envelope::PeerId")
	if err != nil {
		return nil, err
	}
	env.PeerId = peerId

	if len(msg) < readPtr+4 {
		return nil, &errors.Underflow{MessageName: "Envelope::PayloadLength", MsgSize: len(msg), MinimumSize: readPtr + 4}
	}
	payloadLength := int(binary.BigEndian.Uint32(msg[readPtr : readPtr+4]))
	readPtr += 4

	if len(msg)-readPtr < payloadLength {
		return nil, &errors.Underflow{MessageName: "Envelope::Payload", MsgSize: len(msg) - readPtr, MinimumSize: payloadLength}
	}
	env.Payload = msg[readPtr : readPtr+payloadLength]

	return env, nil
}

// AppendString writes a 2-byte big-endian length followed by the UTF-8 bytes.
func AppendString(out []byte, s string) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
	return append(out, s...)
}

// ReadString reads a string written by AppendString, returning the advanced read pointer.
func ReadString(msg []byte, readPtr int, name string) (int, string, error) {
	if len(msg) < readPtr+2 {
		return readPtr, "", &errors.Underflow{MessageName: name + "Length", MsgSize: len(msg), MinimumSize: readPtr + 2}
	}
	length := int(binary.BigEndian.Uint16(msg[readPtr : readPtr+2]))
	ptr := readPtr + 2

	if len(msg) < ptr+length {
		return readPtr, "", &errors.Underflow{MessageName: name, MsgSize: len(msg) - ptr, MinimumSize: length}
	}

	return ptr + length, string(msg[ptr : ptr+length]), nil
}

// Readdress turns a client->server envelope received from source into the server->client envelope the
// relay forwards to its declared peer. The inner payload is passed through untouched.
func (s Serializer) Readdress(source string, msg []byte) (target string, readdressed []byte, err error) {
	env, err := s.Parse(msg)
	if err != nil {
		return "", nil, err
	}

	if env.Direction != Direction_ClientToServer {
		return "", nil, &errors.InvalidEnumValue{EnumName: "Envelope::Direction(relay expects client->server)", IntValue: uint8(env.Direction)}
	}
	if env.PeerId == "" {
		return "", nil, &errors.MissingFieldError{MessageName: "Envelope", FieldName: "PeerId"}
	}

	target = env.PeerId
	env.Direction = Direction_ServerToClient
	env.PeerId = source

	readdressed, err = s.Serialize(env)
	if err != nil {
		return "", nil, err
	}
	return target, readdressed, nil
}
