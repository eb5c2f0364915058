package control

import (
	"sort"
	"sync"
	"testing"

	"github.com/sessamekesh/spanreed-relay/pkg/chat"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	ctlmsg "github.com/sessamekesh/spanreed-relay/pkg/message/control"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"github.com/sessamekesh/spanreed-relay/pkg/rooms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu           sync.Mutex
	connections  map[string]bool
	sent         map[string][]*ctlmsg.ControlMessage
	disconnected []string
}

func newFakeTransport(ids ...string) *fakeTransport {
	ft := &fakeTransport{connections: map[string]bool{}, sent: map[string][]*ctlmsg.ControlMessage{}}
	for _, id := range ids {
		ft.connections[id] = true
	}
	return ft
}

func (ft *fakeTransport) Send(id string, data []byte) error {
	f, err := frame.Decode(data)
	if err != nil {
		return err
	}
	if err := f.Verify(); err != nil {
		return err
	}
	msg, err := ctlmsg.Parse(f.Payload)
	if err != nil {
		return err
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.sent[id] = append(ft.sent[id], msg)
	return nil
}

func (ft *fakeTransport) Broadcast(data []byte) error {
	for _, id := range ft.Connections() {
		if err := ft.Send(id, data); err != nil {
			return err
		}
	}
	return nil
}

func (ft *fakeTransport) Connections() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ids := []string{}
	for id := range ft.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (ft *fakeTransport) HasConnection(id string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.connections[id]
}

func (ft *fakeTransport) Disconnect(id string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.connections, id)
	ft.disconnected = append(ft.disconnected, id)
}

func (ft *fakeTransport) received(id string) []*ctlmsg.ControlMessage {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.sent[id]
}

type chatCall struct {
	to, from, text string
}

type fakeChat struct {
	calls []chatCall
}

func (fc *fakeChat) SendFrom(to, from, text string) error {
	fc.calls = append(fc.calls, chatCall{to, from, text})
	return nil
}

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

func controlFrame(t *testing.T, msg *ctlmsg.ControlMessage) *frame.Frame {
	body, err := ctlmsg.Serialize(msg)
	require.NoError(t, err)
	f, err := frame.Decode(frame.Encode(frame.KindControl, 1, body))
	require.NoError(t, err)
	return f
}

type relayFixture struct {
	transport *fakeTransport
	chat      *fakeChat
	bus       *events.Bus
	local     *recorder
	rooms     *rooms.Manager
	ctl       *Controller
}

func newRelay(t *testing.T, allowAdmin bool, ids ...string) *relayFixture {
	fx := &relayFixture{
		transport: newFakeTransport(ids...),
		chat:      &fakeChat{},
		bus:       events.CreateBus(events.BusConfig{Logger: zap.NewNop()}),
		local:     &recorder{},
	}
	fx.bus.SubscribeFunc(fx.local.Publish)

	var err error
	fx.rooms, err = rooms.CreateManager(rooms.ManagerParams{Publisher: fx.bus, ServerUsername: "op", Logger: zap.NewNop()})
	require.NoError(t, err)

	fx.ctl, err = CreateController(ControllerParams{
		Transport:               fx.transport,
		Publisher:               fx.bus,
		Rooms:                   fx.rooms,
		Chat:                    fx.chat,
		AllowClientAdminActions: allowAdmin,
		Logger:                  zap.NewNop(),
	})
	require.NoError(t, err)
	fx.bus.SubscribeFunc(fx.ctl.HandleEvent)
	return fx
}

func TestPresenceBroadcasts(t *testing.T) {
	fx := newRelay(t, false, "a", "b")

	fx.bus.Publish(events.Event{Type: events.Connected, Source: "b"})

	got := fx.transport.received("a")
	require.Len(t, got, 2)
	assert.Equal(t, ctlmsg.ControlMessageType_UserJoined, got[0].MessageType)
	assert.Equal(t, "b", got[0].Data)
	assert.Equal(t, ctlmsg.ControlMessageType_UserList, got[1].MessageType)
	var users []string
	require.NoError(t, got[1].DecodeJSON(&users))
	assert.Equal(t, []string{"a", "b"}, users)

	fx.transport.Disconnect("b")
	fx.bus.Publish(events.Event{Type: events.Disconnected, Source: "b"})
	got = fx.transport.received("a")
	require.Len(t, got, 4)
	assert.Equal(t, ctlmsg.ControlMessageType_UserLeft, got[2].MessageType)
}

func TestKickAndNotice(t *testing.T) {
	fx := newRelay(t, false, "a", "b")

	require.NoError(t, fx.ctl.Kick("b"))
	assert.Equal(t, []string{"b"}, fx.transport.disconnected)
	kicked := fx.transport.received("b")
	require.Len(t, kicked, 1)
	assert.Equal(t, "KICK:b", kicked[0].Data)

	assert.Error(t, fx.ctl.Kick("nobody"))

	require.NoError(t, fx.ctl.Notice("maintenance at noon"))
	got := fx.transport.received("a")
	require.Len(t, got, 1)
	assert.Equal(t, "NOTICE:maintenance at noon", got[0].Data)
}

func TestClientAdminActionsGated(t *testing.T) {
	action := &ctlmsg.ControlMessage{MessageType: ctlmsg.ControlMessageType_AdminAction, Data: "KICK:b"}

	locked := newRelay(t, false, "a", "b")
	locked.ctl.HandleRelay("a", controlFrame(t, action))
	assert.Empty(t, locked.transport.disconnected)

	open := newRelay(t, true, "a", "b")
	open.ctl.HandleRelay("a", controlFrame(t, action))
	assert.Equal(t, []string{"b"}, open.transport.disconnected)
}

func TestRoomRequestAndEvents(t *testing.T) {
	fx := newRelay(t, false, "a", "b")

	req, err := ctlmsg.NewJSON(ctlmsg.ControlMessageType_RoomRequest, ctlmsg.RoomRequest{
		Name: "lobby", CreatorUsername: "alice", Members: []string{"b"}, IncludeServer: true,
	})
	require.NoError(t, err)
	fx.ctl.HandleRelay("a", controlFrame(t, req))

	list := fx.rooms.ListRooms()
	require.Len(t, list, 1)
	assert.Equal(t, rooms.RoomState_Pending, list[0].State)
	assert.Equal(t, "a", list[0].CreatorId)

	require.True(t, fx.rooms.ApproveRoom(list[0].Id))

	for _, member := range []string{"a", "b"} {
		got := fx.transport.received(member)
		require.Len(t, got, 2, member)
		var re ctlmsg.RoomEvent
		require.NoError(t, got[1].DecodeJSON(&re))
		assert.Equal(t, string(events.RoomApproved), re.Event)
		assert.Equal(t, "ACTIVE", re.State)
		assert.Contains(t, re.Members, "SERVER_op")
	}
}

func TestRoomMessageFanOut(t *testing.T) {
	fx := newRelay(t, false, "a", "b")
	room, err := fx.rooms.CreateRoomByServer("ops", []string{"a", "b", "offline"}, "")
	require.NoError(t, err)

	req, err := ctlmsg.NewJSON(ctlmsg.ControlMessageType_RoomMessage, ctlmsg.RoomMessage{RoomId: room.Id, Text: "hello"})
	require.NoError(t, err)
	fx.ctl.HandleRelay("a", controlFrame(t, req))

	assert.Equal(t, []chatCall{{to: "b", from: "a", text: "[ops] hello"}}, fx.chat.calls)

	local := fx.local.ofType(events.MessageReceived)
	require.Len(t, local, 1)
	assert.Equal(t, chat.Message{Source: "a", Sender: "a", Text: "[ops] hello"}, local[0].Data)

	assert.Error(t, fx.ctl.SendRoomMessageFrom(room.Id, "stranger", "hi"))
	assert.Error(t, fx.ctl.SendRoomMessageFrom(404, "a", "hi"))
}

func TestClientRepublishesControl(t *testing.T) {
	rec := &recorder{}
	ctl, err := CreateController(ControllerParams{Transport: newFakeTransport(), Publisher: rec, Logger: zap.NewNop()})
	require.NoError(t, err)

	list, err := ctlmsg.NewUserList([]string{"x", "y"})
	require.NoError(t, err)
	ctl.HandleClient("relay", controlFrame(t, list))
	ctl.HandleClient("relay", controlFrame(t, &ctlmsg.ControlMessage{MessageType: ctlmsg.ControlMessageType_UserJoined, Data: "y"}))
	ctl.HandleClient("relay", controlFrame(t, &ctlmsg.ControlMessage{MessageType: ctlmsg.ControlMessageType_AdminAction, Data: "NOTICE:hi"}))
	ctl.HandleClient("relay", controlFrame(t, &ctlmsg.ControlMessage{MessageType: ctlmsg.ControlMessageType_AdminAction, Data: "garbage"}))

	users := rec.ofType(events.UserListUpdated)
	require.Len(t, users, 1)
	assert.Equal(t, []string{"x", "y"}, users[0].Data)
	assert.Equal(t, "y", rec.ofType(events.UserJoined)[0].Data)

	actions := rec.ofType(events.AdminAction)
	require.Len(t, actions, 1)
	assert.Equal(t, ctlmsg.AdminAction{Code: ctlmsg.AdminAction_Notice, Target: "hi"}, actions[0].Data)
}

func TestClientHelpersEncodeControlFrames(t *testing.T) {
	ft := newFakeTransport("relay")
	ctl, err := CreateController(ControllerParams{Transport: ft, Publisher: &recorder{}, Logger: zap.NewNop()})
	require.NoError(t, err)

	require.NoError(t, ctl.RequestRoom("relay", ctlmsg.RoomRequest{Name: "r"}))
	require.NoError(t, ctl.SendRoomMessage("relay", 3, "hey"))
	require.NoError(t, ctl.SendAdminAction("relay", ctlmsg.AdminAction{Code: ctlmsg.AdminAction_Kick, Target: "z"}))

	got := ft.received("relay")
	require.Len(t, got, 3)
	assert.Equal(t, ctlmsg.ControlMessageType_RoomRequest, got[0].MessageType)
	var rm ctlmsg.RoomMessage
	require.NoError(t, got[1].DecodeJSON(&rm))
	assert.Equal(t, ctlmsg.RoomMessage{RoomId: 3, Text: "hey"}, rm)
	assert.Equal(t, "KICK:z", got[2].Data)
}
