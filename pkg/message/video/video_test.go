package video

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRespectsDatagramLimit(t *testing.T) {
	frame := bytes.Repeat([]byte{0xAB}, MaxPacketData*2+100)
	packets := Split(7, frame)
	require.Len(t, packets, 3)

	var rebuilt []byte
	for i, p := range packets {
		raw := Serialize(p)
		assert.LessOrEqual(t, len(raw), MaxDatagramSize)

		parsed, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), parsed.FrameId)
		assert.Equal(t, uint32(i), parsed.PacketNumber)
		assert.Equal(t, uint32(len(frame)), parsed.TotalFrameLength)
		assert.Equal(t, uint32(len(rebuilt)), parsed.ByteOffset)
		rebuilt = append(rebuilt, parsed.Data...)
	}
	assert.Equal(t, frame, rebuilt)
}

func TestSplitEmptyFrame(t *testing.T) {
	packets := Split(1, nil)
	require.Len(t, packets, 1)
	assert.Len(t, Serialize(packets[0]), PacketHeaderSize)
}

func TestParseShortPacket(t *testing.T) {
	_, err := Parse(make([]byte, PacketHeaderSize-1))
	assert.Error(t, err)
}
