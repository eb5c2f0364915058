package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	goerrs "errors"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/message/envelope"
	"github.com/sessamekesh/spanreed-relay/pkg/message/filemsg"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type senderFunc func(id string, data []byte) error

func (f senderFunc) Send(id string, data []byte) error { return f(id, data) }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []events.Event{}
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var fastRetry = RetryPolicy{Attempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func newEngine(t *testing.T, sender Sender, pub events.Publisher, outDir string) *Engine {
	t.Helper()
	e, err := CreateEngine(EngineParams{
		Sender:          sender,
		Publisher:       pub,
		OutputDirectory: outDir,
		Retry:           fastRetry,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	return e
}

func writeRandomFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func decodeFrame(t *testing.T, data []byte) *frame.Frame {
	t.Helper()
	f, err := frame.Decode(data)
	require.NoError(t, err)
	require.NoError(t, f.Verify())
	return f
}

// relayChain wires sender -> relay -> receiver with synchronous in-memory "connections".
func relayChain(t *testing.T, outDir string) (*Engine, *Engine, *recorder, *recorder) {
	t.Helper()
	senderEvents := &recorder{}
	receiverEvents := &recorder{}

	var relay, receiver *Engine
	receiver = newEngine(t, senderFunc(func(string, []byte) error { return nil }), receiverEvents, outDir)
	relay = newEngine(t, senderFunc(func(id string, data []byte) error {
		if id != "peer-b" {
			return &errors.MissingConnection{ConnectionId: id}
		}
		receiver.HandleClient("relay", decodeFrame(t, data))
		return nil
	}), &recorder{}, t.TempDir())
	sender := newEngine(t, senderFunc(func(id string, data []byte) error {
		require.Equal(t, "relay", id)
		relay.HandleRelay("peer-a", decodeFrame(t, data))
		return nil
	}), senderEvents, t.TempDir())

	return sender, receiver, senderEvents, receiverEvents
}

func TestFileRoundTripThroughRelay(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	path, data := writeRandomFile(t, srcDir, "payload.bin", filemsg.ChunkSize*3+17)

	sender, receiver, senderEvents, receiverEvents := relayChain(t, outDir)

	transferId, err := sender.SendFile(context.Background(), "relay", "peer-b", path, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, transferId)

	received, err := os.ReadFile(filepath.Join(outDir, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, received)

	sum := sha256.Sum256(data)
	completed := receiverEvents.ofType(events.FileCompleted)
	require.Len(t, completed, 1)
	done := completed[0].Data.(Completed)
	assert.True(t, done.Verified)
	assert.Equal(t, hex.EncodeToString(sum[:]), done.Checksum)
	assert.Equal(t, "peer-a", done.Peer)
	assert.Equal(t, transferId, done.TransferId)

	assert.Len(t, senderEvents.ofType(events.FileProgress), 4)
	assert.Len(t, receiverEvents.ofType(events.FileProgress), 4)
	last := senderEvents.ofType(events.FileProgress)[3].Data.(Progress)
	assert.Equal(t, float64(100), last.Percent)
	assert.Equal(t, int64(len(data)), last.BytesSoFar)

	assert.Zero(t, receiver.Pending())

	records, err := sender.Transfers()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, TransferStatus_Completed, records[0].Status)
	assert.Equal(t, "alice", records[0].Owner)
}

func TestOutOfOrderAndDuplicateChunksReassemble(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	path, data := writeRandomFile(t, srcDir, "shuffled.bin", filemsg.ChunkSize*3+17)

	var captured [][]byte
	sender := newEngine(t, senderFunc(func(_ string, data []byte) error {
		captured = append(captured, data)
		return nil
	}), &recorder{}, t.TempDir())

	_, err := sender.SendFile(context.Background(), "relay", "peer-b", path, "")
	require.NoError(t, err)
	require.Len(t, captured, 5)

	// Play the relay's part by hand.
	relayed := make([]*frame.Frame, 0, len(captured))
	for _, raw := range captured {
		f := decodeFrame(t, raw)
		target, readdressed, err := envelope.FileSerializer.Readdress("peer-a", f.Payload)
		require.NoError(t, err)
		assert.Equal(t, "peer-b", target)
		relayed = append(relayed, decodeFrame(t, frame.Encode(frame.KindFile, f.Header.CorrelationId, readdressed)))
	}

	rec := &recorder{}
	receiver := newEngine(t, senderFunc(func(string, []byte) error { return nil }), rec, outDir)

	receiver.HandleClient("relay", relayed[0])
	chunks := relayed[1:]
	order := []int{3, 1, 1, 0, 2}
	for _, i := range order {
		receiver.HandleClient("relay", chunks[i])
	}

	received, err := os.ReadFile(filepath.Join(outDir, "shuffled.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, received)

	completed := rec.ofType(events.FileCompleted)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Data.(Completed).Verified)
}

func TestRetryExhaustionSurfacesError(t *testing.T) {
	path, _ := writeRandomFile(t, t.TempDir(), "x.bin", 10)

	calls := 0
	rec := &recorder{}
	sender := newEngine(t, senderFunc(func(string, []byte) error {
		calls++
		return goerrs.New("broken pipe")
	}), rec, t.TempDir())

	_, err := sender.SendFile(context.Background(), "relay", "peer-b", path, "")

	var exhausted *errors.RetryExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)
	assert.Equal(t, 5, calls)
	require.Len(t, rec.ofType(events.FileError), 1)

	records, _ := sender.Transfers()
	require.Len(t, records, 1)
	assert.Equal(t, TransferStatus_Error, records[0].Status)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	path, _ := writeRandomFile(t, t.TempDir(), "x.bin", 10)

	calls := 0
	sender := newEngine(t, senderFunc(func(string, []byte) error {
		calls++
		if calls <= 2 {
			return goerrs.New("temporarily unavailable")
		}
		return nil
	}), &recorder{}, t.TempDir())

	_, err := sender.SendFile(context.Background(), "relay", "peer-b", path, "")
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestSendMissingFile(t *testing.T) {
	rec := &recorder{}
	sender := newEngine(t, senderFunc(func(string, []byte) error { return nil }), rec, t.TempDir())

	_, err := sender.SendFile(context.Background(), "relay", "peer-b", filepath.Join(t.TempDir(), "nope"), "")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Len(t, rec.ofType(events.FileError), 1)
}

func TestDigestMismatchStillFinalizes(t *testing.T) {
	outDir := t.TempDir()
	rec := &recorder{}
	receiver := newEngine(t, senderFunc(func(string, []byte) error { return nil }), rec, outDir)

	send := func(frameType envelope.FrameType, body []byte) {
		env, err := envelope.FileSerializer.Serialize(&envelope.Envelope{
			Direction: envelope.Direction_ServerToClient,
			FrameType: frameType,
			PeerId:    "peer-a",
			Payload:   body,
		})
		require.NoError(t, err)
		receiver.HandleClient("relay", decodeFrame(t, frame.Encode(frame.KindFile, 1, env)))
	}

	send(envelope.FrameType_Metadata, filemsg.SerializeMetadata(&filemsg.Metadata{
		FileName: "bad.txt", FileSize: 5, Checksum: "00", TransferId: "t-1",
	}))
	send(envelope.FrameType_Chunk, filemsg.SerializeChunk(&filemsg.Chunk{TransferId: "t-1", Data: []byte("hello")}))

	contents, err := os.ReadFile(filepath.Join(outDir, "bad.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(contents))

	completed := rec.ofType(events.FileCompleted)
	require.Len(t, completed, 1)
	assert.False(t, completed[0].Data.(Completed).Verified)
	assert.Len(t, rec.ofType(events.FileError), 1)
}

func TestChunkForUnknownTransferIsDropped(t *testing.T) {
	rec := &recorder{}
	receiver := newEngine(t, senderFunc(func(string, []byte) error { return nil }), rec, t.TempDir())

	env, err := envelope.FileSerializer.Serialize(&envelope.Envelope{
		Direction: envelope.Direction_ServerToClient,
		FrameType: envelope.FrameType_Chunk,
		PeerId:    "peer-a",
		Payload:   filemsg.SerializeChunk(&filemsg.Chunk{TransferId: "unknown", Data: []byte("x")}),
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() { receiver.HandleClient("relay", decodeFrame(t, frame.Encode(frame.KindFile, 1, env))) })
	assert.Empty(t, rec.events)
}

func TestEmptyFileCompletesOnMetadata(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	path, _ := writeRandomFile(t, srcDir, "empty.txt", 0)

	sender, _, _, receiverEvents := relayChain(t, outDir)
	_, err := sender.SendFile(context.Background(), "relay", "peer-b", path, "")
	require.NoError(t, err)

	completed := receiverEvents.ofType(events.FileCompleted)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Data.(Completed).Verified)
}

func TestDestinationPathAvoidsClobbering(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "a.txt"), destinationPath(dir, "a.txt"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0644))
	assert.Equal(t, filepath.Join(dir, "a (1).txt"), destinationPath(dir, "a.txt"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a (1).txt"), nil, 0644))
	assert.Equal(t, filepath.Join(dir, "a (2).txt"), destinationPath(dir, "a.txt"))

	assert.Equal(t, filepath.Join(dir, "passwd"), destinationPath(dir, "../../etc/passwd"))
}

func feedReceiver(t *testing.T, receiver *Engine, frameType envelope.FrameType, body []byte) {
	t.Helper()
	env, err := envelope.FileSerializer.Serialize(&envelope.Envelope{
		Direction: envelope.Direction_ServerToClient,
		FrameType: frameType,
		PeerId:    "peer-a",
		Payload:   body,
	})
	require.NoError(t, err)
	receiver.HandleClient("relay", decodeFrame(t, frame.Encode(frame.KindFile, 1, env)))
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestChunkWithOverflowingOffsetIsDropped(t *testing.T) {
	rec := &recorder{}
	outDir := t.TempDir()
	receiver := newEngine(t, senderFunc(func(string, []byte) error { return nil }), rec, outDir)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	feedReceiver(t, receiver, envelope.FrameType_Metadata, filemsg.SerializeMetadata(&filemsg.Metadata{
		FileName: "x.bin", FileSize: 100, Checksum: digestOf(data), TransferId: "t-1",
	}))
	feedReceiver(t, receiver, envelope.FrameType_Chunk, filemsg.SerializeChunk(&filemsg.Chunk{
		TransferId: "t-1", ByteOffset: math.MaxInt64 - 5, Data: make([]byte, 10),
	}))

	assert.Equal(t, 1, receiver.Pending())
	assert.Empty(t, rec.ofType(events.FileError))

	feedReceiver(t, receiver, envelope.FrameType_Chunk, filemsg.SerializeChunk(&filemsg.Chunk{TransferId: "t-1", Data: data}))
	completed := rec.ofType(events.FileCompleted)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Data.(Completed).Verified)
}

func TestOverlappingChunksDoNotFinalizeEarly(t *testing.T) {
	rec := &recorder{}
	outDir := t.TempDir()
	receiver := newEngine(t, senderFunc(func(string, []byte) error { return nil }), rec, outDir)

	data := make([]byte, filemsg.ChunkSize*2)
	rand.New(rand.NewSource(3)).Read(data)
	feedReceiver(t, receiver, envelope.FrameType_Metadata, filemsg.SerializeMetadata(&filemsg.Metadata{
		FileName: "overlap.bin", FileSize: int64(len(data)), Checksum: digestOf(data), TransferId: "t-2",
	}))

	first := data[:filemsg.ChunkSize]
	feedReceiver(t, receiver, envelope.FrameType_Chunk, filemsg.SerializeChunk(&filemsg.Chunk{TransferId: "t-2", ChunkNumber: 0, Data: first}))
	// Same bytes again under a different chunk number.
	feedReceiver(t, receiver, envelope.FrameType_Chunk, filemsg.SerializeChunk(&filemsg.Chunk{TransferId: "t-2", ChunkNumber: 1, Data: first}))
	// Short chunk that neither fills its slot nor ends the file.
	feedReceiver(t, receiver, envelope.FrameType_Chunk, filemsg.SerializeChunk(&filemsg.Chunk{
		TransferId: "t-2", ChunkNumber: 1, ByteOffset: filemsg.ChunkSize, Data: data[filemsg.ChunkSize : filemsg.ChunkSize+10],
	}))

	assert.Empty(t, rec.ofType(events.FileCompleted))
	assert.Equal(t, 1, receiver.Pending())

	feedReceiver(t, receiver, envelope.FrameType_Chunk, filemsg.SerializeChunk(&filemsg.Chunk{
		TransferId: "t-2", ChunkNumber: 1, ByteOffset: filemsg.ChunkSize, Data: data[filemsg.ChunkSize:],
	}))
	completed := rec.ofType(events.FileCompleted)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Data.(Completed).Verified)

	received, err := os.ReadFile(filepath.Join(outDir, "overlap.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, received)
}
