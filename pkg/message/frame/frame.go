// Package frame implements the 13-byte header that precedes every relay payload,
// and the shift-XOR checksum carried in it.
package frame

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
)

type MessageKind uint8

const (
	KindChat    MessageKind = 0
	KindFile    MessageKind = 1
	KindVideo   MessageKind = 2
	KindControl MessageKind = 3
	KindAudio   MessageKind = 4
)

// HeaderSize is kind(1) + length(4) + correlationId(4) + checksum(4).
const HeaderSize = 13

func (k MessageKind) String() string {
	switch k {
	case KindChat:
		return "CHAT"
	case KindFile:
		return "FILE"
	case KindVideo:
		return "VIDEO"
	case KindControl:
		return "CONTROL"
	case KindAudio:
		return "AUDIO"
	}

	return "UNKNOWN"
}

func (k MessageKind) IsValid() bool {
	return k <= KindAudio
}

type Header struct {
	Kind          MessageKind
	Length        uint32
	CorrelationId uint32
	Checksum      int32
}

type Frame struct {
	Header  Header
	Payload []byte
}

// Checksum folds every payload byte, sign-extended, into a 32-bit accumulator
// by shifting left once and XORing. Overflow wraps.
func Checksum(data []byte) int32 {
	var acc int32
	for _, b := range data {
		acc = (acc << 1) ^ int32(int8(b))
	}
	return acc
}

func EncodeHeader(h Header) []byte {
	out := make([]byte, 0, HeaderSize)
	out = append(out, byte(h.Kind))
	out = binary.BigEndian.AppendUint32(out, h.Length)
	out = binary.BigEndian.AppendUint32(out, h.CorrelationId)
	out = binary.BigEndian.AppendUint32(out, uint32(h.Checksum))
	return out
}

func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, &errors.Underflow{
			MessageName: "Frame::Header",
			MsgSize:     len(data),
			MinimumSize: HeaderSize,
		}
	}

	return &Header{
		Kind:          MessageKind(data[0]),
		Length:        binary.BigEndian.Uint32(data[1:5]),
		CorrelationId: binary.BigEndian.Uint32(data[5:9]),
		Checksum:      int32(binary.BigEndian.Uint32(data[9:13])),
	}, nil
}

// Encode builds header + payload, computing length and checksum.
func Encode(kind MessageKind, correlationId uint32, payload []byte) []byte {
	out := EncodeHeader(Header{
		Kind:          kind,
		Length:        uint32(len(payload)),
		CorrelationId: correlationId,
		Checksum:      Checksum(payload),
	})
	return append(out, payload...)
}

func Decode(data []byte) (*Frame, error) {
	header, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	if !header.Kind.IsValid() {
		return nil, &errors.InvalidEnumValue{
			EnumName: "Frame::Header::Kind",
			IntValue: uint8(header.Kind),
		}
	}

	end := HeaderSize + int(header.Length)
	if header.Length > uint32(len(data)-HeaderSize) {
		return nil, &errors.Underflow{
			MessageName: "Frame::Payload",
			MsgSize:     len(data),
			MinimumSize: end,
		}
	}

	payload := make([]byte, header.Length)
	copy(payload, data[HeaderSize:end])

	return &Frame{
		Header:  *header,
		Payload: payload,
	}, nil
}

// Verify recomputes the payload checksum and compares it with the header.
func (f *Frame) Verify() error {
	computed := Checksum(f.Payload)
	if computed != f.Header.Checksum {
		return &errors.ChecksumMismatch{
			CorrelationId: f.Header.CorrelationId,
			Declared:      f.Header.Checksum,
			Computed:      computed,
		}
	}
	return nil
}

// CorrelationSource hands out per-sender correlation ids. The first call to Next returns 1.
type CorrelationSource struct {
	val atomic.Uint32
}

func (s *CorrelationSource) Next() uint32 {
	return s.val.Add(1)
}
