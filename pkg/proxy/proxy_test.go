package proxy

import (
	"testing"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type seenFrame struct {
	source string
	kind   frame.MessageKind
	body   string
}

func newDispatcher(t *testing.T) (*Dispatcher, *[]seenFrame) {
	d := CreateDispatcher(DispatcherConfig{Logger: zap.NewNop()})
	seen := &[]seenFrame{}
	record := func(source string, f *frame.Frame) {
		*seen = append(*seen, seenFrame{source, f.Header.Kind, string(f.Payload)})
	}
	require.NoError(t, d.RegisterFunc(frame.KindChat, record))
	require.NoError(t, d.RegisterFunc(frame.KindControl, record))
	return d, seen
}

func TestDispatchByKind(t *testing.T) {
	d, seen := newDispatcher(t)

	d.Dispatch("a", frame.Encode(frame.KindChat, 1, []byte("hello")))
	d.Dispatch("b", frame.Encode(frame.KindControl, 2, []byte{1}))
	d.Dispatch("c", frame.Encode(frame.KindFile, 3, []byte("no handler")))

	assert.Equal(t, []seenFrame{
		{"a", frame.KindChat, "hello"},
		{"b", frame.KindControl, "\x01"},
	}, *seen)
	assert.Equal(t, DispatchStats{Dispatched: 2, Unhandled: 1}, d.Stats())
}

func TestDispatchDropsBadFrames(t *testing.T) {
	d, seen := newDispatcher(t)

	corrupted := frame.Encode(frame.KindChat, 1, []byte("hello"))
	corrupted[len(corrupted)-1] ^= 0xFF
	d.Dispatch("a", corrupted)
	d.Dispatch("a", []byte{0, 0, 0})
	d.Dispatch("a", append(frame.EncodeHeader(frame.Header{Kind: 9}), 1))

	assert.Empty(t, *seen)
	assert.Equal(t, DispatchStats{ChecksumFailures: 1, Malformed: 2}, d.Stats())
}

func TestHandleEventIgnoresDecodedMessages(t *testing.T) {
	d, seen := newDispatcher(t)

	d.HandleEvent(events.Event{Type: events.MessageReceived, Data: "already decoded", Source: "a"})
	d.HandleEvent(events.Event{Type: events.Connected, Source: "a"})
	d.HandleEvent(events.Event{Type: events.MessageReceived, Data: frame.Encode(frame.KindChat, 1, []byte("x")), Source: "a"})

	require.Len(t, *seen, 1)
	assert.Equal(t, "x", (*seen)[0].body)
}

func TestRegisterHandlerRejectsDuplicatesAndUnknownKinds(t *testing.T) {
	d, _ := newDispatcher(t)

	var collision *errors.NameCollision
	assert.ErrorAs(t, d.RegisterFunc(frame.KindChat, func(string, *frame.Frame) {}), &collision)

	var invalid *errors.InvalidEnumValue
	assert.ErrorAs(t, d.RegisterFunc(frame.MessageKind(42), func(string, *frame.Frame) {}), &invalid)
}
