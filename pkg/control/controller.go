// Package control carries out-of-band signaling over CONTROL frames: user presence, admin actions and
// room lifecycle on the relay, and the matching event republishing on clients.
package control

import (
	"fmt"

	"github.com/sessamekesh/spanreed-relay/pkg/chat"
	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	ctlmsg "github.com/sessamekesh/spanreed-relay/pkg/message/control"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"github.com/sessamekesh/spanreed-relay/pkg/rooms"
	"go.uber.org/zap"
)

// Transport is the slice of the connection manager the control channel drives.
type Transport interface {
	Send(connectionId string, data []byte) error
	Broadcast(data []byte) error
	Connections() []string
	HasConnection(connectionId string) bool
	Disconnect(connectionId string)
}

type ChatSender interface {
	SendFrom(connectionId, senderId, text string) error
}

type ControllerParams struct {
	Transport Transport
	Publisher events.Publisher

	// Relay side only.
	Rooms *rooms.Manager
	Chat  ChatSender

	// AllowClientAdminActions lets connected clients issue KICK and NOTICE. Off by default: admin
	// actions normally come from the operator through Kick and Notice.
	AllowClientAdminActions bool

	Correlation *frame.CorrelationSource
	Logger      *zap.Logger
}

type Controller struct {
	params      ControllerParams
	correlation *frame.CorrelationSource
	log         *zap.Logger
}

func CreateController(params ControllerParams) (*Controller, error) {
	if params.Transport == nil {
		return nil, &errors.MissingFieldError{MessageName: "ControllerParams", FieldName: "Transport"}
	}
	if params.Publisher == nil {
		return nil, &errors.MissingFieldError{MessageName: "ControllerParams", FieldName: "Publisher"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	correlation := params.Correlation
	if correlation == nil {
		correlation = &frame.CorrelationSource{}
	}

	return &Controller{
		params:      params,
		correlation: correlation,
		log:         logger.With(zap.String("handler", "ControlChannel")),
	}, nil
}

func (c *Controller) encode(msg *ctlmsg.ControlMessage) ([]byte, error) {
	body, err := ctlmsg.Serialize(msg)
	if err != nil {
		return nil, err
	}
	return frame.Encode(frame.KindControl, c.correlation.Next(), body), nil
}

func (c *Controller) send(connectionId string, msg *ctlmsg.ControlMessage) error {
	data, err := c.encode(msg)
	if err != nil {
		return err
	}
	return c.params.Transport.Send(connectionId, data)
}

func (c *Controller) broadcast(msg *ctlmsg.ControlMessage) error {
	data, err := c.encode(msg)
	if err != nil {
		return err
	}
	return c.params.Transport.Broadcast(data)
}

//
// Relay side
//

// HandleEvent reacts to bus events on the relay. Subscribe it to the relay's bus.
func (c *Controller) HandleEvent(e events.Event) {
	switch e.Type {
	case events.Connected:
		c.announcePresence(ctlmsg.ControlMessageType_UserJoined, e.Source)
	case events.Disconnected:
		c.announcePresence(ctlmsg.ControlMessageType_UserLeft, e.Source)
	case events.RoomCreated, events.RoomApproved, events.RoomRejected, events.RoomClosed,
		events.RoomMemberAdded, events.RoomMemberRemoved:
		if re, ok := e.Data.(rooms.RoomEvent); ok {
			c.notifyRoomMembers(e.Type, re)
		}
	}
}

func (c *Controller) announcePresence(msgType ctlmsg.ControlMessageType, connectionId string) {
	if err := c.broadcast(&ctlmsg.ControlMessage{MessageType: msgType, Data: connectionId}); err != nil {
		c.log.Warn("Presence broadcast incomplete", zap.String("connectionId", connectionId), zap.Error(err))
	}
	if err := c.BroadcastUserList(); err != nil {
		c.log.Warn("User list broadcast incomplete", zap.Error(err))
	}
}

// BroadcastUserList sends the current connection ids to every connection.
func (c *Controller) BroadcastUserList() error {
	msg, err := ctlmsg.NewUserList(c.params.Transport.Connections())
	if err != nil {
		return err
	}
	return c.broadcast(msg)
}

func (c *Controller) notifyRoomMembers(t events.EventType, re rooms.RoomEvent) {
	body := ctlmsg.RoomEvent{
		Event:   string(t),
		RoomId:  re.Room.Id,
		Name:    re.Room.Name,
		State:   string(re.Room.State),
		Creator: re.Room.CreatorId,
		Members: re.Room.Members,
		Member:  re.Member,
	}
	msg, err := ctlmsg.NewJSON(ctlmsg.ControlMessageType_RoomEvent, body)
	if err != nil {
		c.log.Error("Failed to encode room event", zap.Error(err))
		return
	}

	targets := re.Room.Members
	if t == events.RoomMemberRemoved && re.Member != "" {
		targets = append(append([]string{}, targets...), re.Member)
	}

	for _, member := range targets {
		if !c.params.Transport.HasConnection(member) {
			continue
		}
		if err := c.send(member, msg); err != nil {
			c.log.Warn("Failed to deliver room event",
				zap.String("member", member), zap.Int64("roomId", re.Room.Id), zap.Error(err))
		}
	}
}

// HandleRelay processes a CONTROL frame a client sent to the relay.
func (c *Controller) HandleRelay(source string, f *frame.Frame) {
	msg, err := ctlmsg.Parse(f.Payload)
	if err != nil {
		c.log.Warn("Dropping malformed control frame", zap.String("source", source), zap.Error(err))
		return
	}

	log := c.log.With(zap.String("source", source), zap.Uint8("controlType", uint8(msg.MessageType)))

	switch msg.MessageType {
	case ctlmsg.ControlMessageType_AdminAction:
		if !c.params.AllowClientAdminActions {
			log.Warn("Ignoring admin action from client")
			return
		}
		action, err := ctlmsg.ParseAdminAction(msg.Data)
		if err != nil {
			log.Warn("Dropping malformed admin action", zap.Error(err))
			return
		}
		if err := c.ApplyAdminAction(action); err != nil {
			log.Warn("Admin action failed", zap.Error(err))
		}

	case ctlmsg.ControlMessageType_RoomRequest:
		if c.params.Rooms == nil {
			log.Warn("Room request received but rooms are not enabled")
			return
		}
		var req ctlmsg.RoomRequest
		if err := msg.DecodeJSON(&req); err != nil {
			log.Warn("Dropping malformed room request", zap.Error(err))
			return
		}
		if _, err := c.params.Rooms.CreateRoomRequest(req.Name, source, req.CreatorUsername, req.Members, req.Message, req.IncludeServer); err != nil {
			log.Warn("Room request failed", zap.Error(err))
		}

	case ctlmsg.ControlMessageType_RoomMessage:
		var req ctlmsg.RoomMessage
		if err := msg.DecodeJSON(&req); err != nil {
			log.Warn("Dropping malformed room message", zap.Error(err))
			return
		}
		if err := c.SendRoomMessageFrom(req.RoomId, source, req.Text); err != nil {
			log.Warn("Room message not delivered", zap.Int64("roomId", req.RoomId), zap.Error(err))
		}

	default:
		log.Debug("Ignoring relay-bound control message")
	}
}

// ApplyAdminAction executes KICK (notify the target, then disconnect it) or NOTICE (broadcast).
func (c *Controller) ApplyAdminAction(action *ctlmsg.AdminAction) error {
	msg := &ctlmsg.ControlMessage{MessageType: ctlmsg.ControlMessageType_AdminAction, Data: action.String()}

	switch action.Code {
	case ctlmsg.AdminAction_Kick:
		if !c.params.Transport.HasConnection(action.Target) {
			return &errors.MissingConnection{ConnectionId: action.Target}
		}
		if err := c.send(action.Target, msg); err != nil {
			c.log.Debug("Kick notice not delivered", zap.String("target", action.Target), zap.Error(err))
		}
		c.params.Transport.Disconnect(action.Target)
		c.log.Info("Kicked connection", zap.String("target", action.Target))
		return nil

	case ctlmsg.AdminAction_Notice:
		return c.broadcast(msg)
	}
	return &errors.InvalidEnumValue{EnumName: "AdminActionCode"}
}

func (c *Controller) Kick(connectionId string) error {
	return c.ApplyAdminAction(&ctlmsg.AdminAction{Code: ctlmsg.AdminAction_Kick, Target: connectionId})
}

func (c *Controller) Notice(text string) error {
	return c.ApplyAdminAction(&ctlmsg.AdminAction{Code: ctlmsg.AdminAction_Notice, Target: text})
}

// SendRoomMessageFrom fans text out to the reachable members of an ACTIVE room, skipping the sender.
// The server pseudo-member receives it as a local MESSAGE_RECEIVED event.
func (c *Controller) SendRoomMessageFrom(roomId int64, senderId, text string) error {
	if c.params.Rooms == nil || c.params.Chat == nil {
		return fmt.Errorf("room messaging is not enabled")
	}

	room, ok := c.params.Rooms.GetRoom(roomId)
	if !ok {
		return &errors.MissingRecord{Kind: "room", Id: roomId}
	}
	if room.State != rooms.RoomState_Active || !room.HasMember(senderId) {
		return &errors.InvalidRoomState{RoomId: roomId, State: string(room.State), Operation: "message " + senderId + " in"}
	}

	serverMember := c.params.Rooms.ServerMemberId()
	reachable := func(member string) bool {
		return member == serverMember || c.params.Transport.HasConnection(member)
	}

	text = fmt.Sprintf("[%s] %s", room.Name, text)
	for _, member := range c.params.Rooms.Recipients(roomId, senderId, reachable) {
		if member == serverMember {
			c.params.Publisher.Publish(events.Event{
				Type:   events.MessageReceived,
				Data:   chat.Message{Source: senderId, Sender: senderId, Text: text},
				Source: senderId,
			})
			continue
		}
		if err := c.params.Chat.SendFrom(member, senderId, text); err != nil {
			c.log.Warn("Room message not delivered to member",
				zap.Int64("roomId", roomId), zap.String("member", member), zap.Error(err))
		}
	}
	return nil
}

//
// Client side
//

// HandleClient decodes a CONTROL frame from the relay and republishes it on the bus.
func (c *Controller) HandleClient(source string, f *frame.Frame) {
	msg, err := ctlmsg.Parse(f.Payload)
	if err != nil {
		c.log.Warn("Dropping malformed control frame", zap.String("source", source), zap.Error(err))
		return
	}

	switch msg.MessageType {
	case ctlmsg.ControlMessageType_UserList:
		var users []string
		if err := msg.DecodeJSON(&users); err != nil {
			c.log.Warn("Dropping malformed user list", zap.Error(err))
			return
		}
		c.publish(events.UserListUpdated, users, source)

	case ctlmsg.ControlMessageType_UserJoined:
		c.publish(events.UserJoined, msg.Data, source)

	case ctlmsg.ControlMessageType_UserLeft:
		c.publish(events.UserLeft, msg.Data, source)

	case ctlmsg.ControlMessageType_AdminAction:
		action, err := ctlmsg.ParseAdminAction(msg.Data)
		if err != nil {
			c.log.Warn("Dropping malformed admin action", zap.Error(err))
			return
		}
		c.publish(events.AdminAction, *action, source)

	case ctlmsg.ControlMessageType_RoomEvent:
		var re ctlmsg.RoomEvent
		if err := msg.DecodeJSON(&re); err != nil {
			c.log.Warn("Dropping malformed room event", zap.Error(err))
			return
		}
		c.publish(events.RoomEvent, re, source)

	default:
		c.log.Debug("Ignoring client-bound control message", zap.Uint8("controlType", uint8(msg.MessageType)))
	}
}

func (c *Controller) publish(t events.EventType, data any, source string) {
	c.params.Publisher.Publish(events.Event{Type: t, Data: data, Source: source})
}

func (c *Controller) RequestRoom(connectionId string, req ctlmsg.RoomRequest) error {
	msg, err := ctlmsg.NewJSON(ctlmsg.ControlMessageType_RoomRequest, req)
	if err != nil {
		return err
	}
	return c.send(connectionId, msg)
}

func (c *Controller) SendRoomMessage(connectionId string, roomId int64, text string) error {
	msg, err := ctlmsg.NewJSON(ctlmsg.ControlMessageType_RoomMessage, ctlmsg.RoomMessage{RoomId: roomId, Text: text})
	if err != nil {
		return err
	}
	return c.send(connectionId, msg)
}

func (c *Controller) SendAdminAction(connectionId string, action ctlmsg.AdminAction) error {
	return c.send(connectionId, &ctlmsg.ControlMessage{
		MessageType: ctlmsg.ControlMessageType_AdminAction,
		Data:        action.String(),
	})
}
