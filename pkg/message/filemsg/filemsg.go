package filemsg

import (
	"encoding/binary"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/message/envelope"
)

// ChunkSize is the number of file bytes carried by one chunk frame.
const ChunkSize = 64 * 1024

type Metadata struct {
	FileName   string
	FileSize   int64
	Checksum   string
	TransferId string
}

type Chunk struct {
	TransferId  string
	ChunkNumber int32
	ByteOffset  int64
	Data        []byte
}

func SerializeMetadata(m *Metadata) []byte {
	out := make([]byte, 0, 14+len(m.FileName)+len(m.Checksum)+len(m.TransferId))
	out = envelope.AppendString(out, m.FileName)
	out = binary.BigEndian.AppendUint64(out, uint64(m.FileSize))
	out = envelope.AppendString(out, m.Checksum)
	return envelope.AppendString(out, m.TransferId)
}

func ParseMetadata(msg []byte) (*Metadata, error) {
	m := &Metadata{}

	readPtr, name, err := envelope.ReadString(msg, 0, "FileMetadata::FileName")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, &errors.MissingFieldError{MessageName: "FileMetadata", FieldName: "FileName"}
	}
	m.FileName = name

	if len(msg) < readPtr+8 {
		return nil, &errors.Underflow{MessageName: "FileMetadata::FileSize", MsgSize: len(msg), MinimumSize: readPtr + 8}
	}
	m.FileSize = int64(binary.BigEndian.Uint64(msg[readPtr : readPtr+8]))
	readPtr += 8

	readPtr, m.Checksum, err = envelope.ReadString(msg, readPtr, "FileMetadata::Checksum")
	if err != nil {
		return nil, err
	}

	_, m.TransferId, err = envelope.ReadString(msg, readPtr, "FileMetadata::TransferId")
	if err != nil {
		return nil, err
	}
	if m.TransferId == "" {
		return nil, &errors.MissingFieldError{MessageName: "FileMetadata", FieldName: "TransferId"}
	}

	return m, nil
}

func SerializeChunk(c *Chunk) []byte {
	out := make([]byte, 0, 18+len(c.TransferId)+len(c.Data))
	out = envelope.AppendString(out, c.TransferId)
	out = binary.BigEndian.AppendUint32(out, uint32(c.ChunkNumber))
	out = binary.BigEndian.AppendUint64(out, uint64(c.ByteOffset))
	out = binary.BigEndian.AppendUint32(out, uint32(len(c.Data)))
	return append(out, c.Data...)
}

func ParseChunk(msg []byte) (*Chunk, error) {
	c := &Chunk{}

	readPtr, transferId, err := envelope.ReadString(msg, 0, "FileChunk::TransferId")
	if err != nil {
		return nil, err
	}
	c.TransferId = transferId

	if len(msg) < readPtr+16 {
		return nil, &errors.Underflow{MessageName: "FileChunk::Fields", MsgSize: len(msg), MinimumSize: readPtr + 16}
	}
	c.ChunkNumber = int32(binary.BigEndian.Uint32(msg[readPtr : readPtr+4]))
	c.ByteOffset = int64(binary.BigEndian.Uint64(msg[readPtr+4 : readPtr+12]))
	chunkLength := int(binary.BigEndian.Uint32(msg[readPtr+12 : readPtr+16]))
	readPtr += 16

	if c.ByteOffset < 0 {
		return nil, &errors.MissingFieldError{MessageName: "FileChunk", FieldName: "ByteOffset(>=0)"}
	}
	if chunkLength < 0 || len(msg)-readPtr < chunkLength {
		return nil, &errors.Underflow{MessageName: "FileChunk::Data", MsgSize: len(msg) - readPtr, MinimumSize: chunkLength}
	}
	c.Data = msg[readPtr : readPtr+chunkLength]

	return c, nil
}
