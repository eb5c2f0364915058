package video

import (
	"encoding/binary"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
)

const (
	// PacketHeaderSize is frameId, packetNumber, totalFrameLength, byteOffset.
	PacketHeaderSize = 16

	// MaxDatagramSize keeps header + data under the 65507-byte UDP payload limit with 20 bytes spare.
	MaxDatagramSize = 65507 - 20
	MaxPacketData   = MaxDatagramSize - PacketHeaderSize
)

type Packet struct {
	FrameId          uint32
	PacketNumber     uint32
	TotalFrameLength uint32
	ByteOffset       uint32
	Data             []byte
}

func Serialize(p *Packet) []byte {
	out := make([]byte, 0, PacketHeaderSize+len(p.Data))
	out = binary.BigEndian.AppendUint32(out, p.FrameId)
	out = binary.BigEndian.AppendUint32(out, p.PacketNumber)
	out = binary.BigEndian.AppendUint32(out, p.TotalFrameLength)
	out = binary.BigEndian.AppendUint32(out, p.ByteOffset)
	return append(out, p.Data...)
}

func Parse(msg []byte) (*Packet, error) {
	if len(msg) < PacketHeaderSize {
		return nil, &errors.Underflow{
			MessageName: "VideoPacket",
			MsgSize:     len(msg),
			MinimumSize: PacketHeaderSize,
		}
	}

	return &Packet{
		FrameId:          binary.BigEndian.Uint32(msg[0:4]),
		PacketNumber:     binary.BigEndian.Uint32(msg[4:8]),
		TotalFrameLength: binary.BigEndian.Uint32(msg[8:12]),
		ByteOffset:       binary.BigEndian.Uint32(msg[12:16]),
		Data:             msg[PacketHeaderSize:],
	}, nil
}

// Split cuts a frame into packets whose serialized size never exceeds MaxDatagramSize.
// An empty frame still yields one header-only packet.
func Split(frameId uint32, frame []byte) []*Packet {
	packets := []*Packet{}
	total := uint32(len(frame))

	offset := 0
	for number := uint32(0); ; number++ {
		end := offset + MaxPacketData
		if end > len(frame) {
			end = len(frame)
		}
		packets = append(packets, &Packet{
			FrameId:          frameId,
			PacketNumber:     number,
			TotalFrameLength: total,
			ByteOffset:       uint32(offset),
			Data:             frame[offset:end],
		})
		offset = end
		if offset >= len(frame) {
			break
		}
	}

	return packets
}
