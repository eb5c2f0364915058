package control

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
)

type ControlMessageType uint8

const (
	ControlMessageType_UserList    ControlMessageType = 1
	ControlMessageType_UserJoined  ControlMessageType = 2
	ControlMessageType_UserLeft    ControlMessageType = 3
	ControlMessageType_AdminAction ControlMessageType = 4
	ControlMessageType_RoomEvent   ControlMessageType = 5
	ControlMessageType_RoomRequest ControlMessageType = 6
	ControlMessageType_RoomMessage ControlMessageType = 7
)

func (t ControlMessageType) isValid() bool {
	return t >= ControlMessageType_UserList && t <= ControlMessageType_RoomMessage
}

type AdminActionCode string

const (
	AdminAction_Kick   AdminActionCode = "KICK"
	AdminAction_Notice AdminActionCode = "NOTICE"
)

type ControlMessage struct {
	MessageType ControlMessageType
	Data        string
}

type AdminAction struct {
	Code   AdminActionCode
	Target string
}

// RoomEvent is the JSON body of a RoomEvent control message.
type RoomEvent struct {
	Event   string   `json:"event"`
	RoomId  int64    `json:"roomId"`
	Name    string   `json:"name"`
	State   string   `json:"state"`
	Creator string   `json:"creator"`
	Members []string `json:"members"`
	Member  string   `json:"member,omitempty"`
}

// RoomRequest is the JSON body a client sends to ask the relay for a new room.
type RoomRequest struct {
	Name            string   `json:"name"`
	CreatorUsername string   `json:"creatorUsername"`
	Members         []string `json:"members"`
	Message         string   `json:"message,omitempty"`
	IncludeServer   bool     `json:"includeServer"`
}

type RoomMessage struct {
	RoomId int64  `json:"roomId"`
	Text   string `json:"text"`
}

func Serialize(msg *ControlMessage) ([]byte, error) {
	if !msg.MessageType.isValid() {
		return nil, &errors.InvalidEnumValue{
			EnumName: "ControlMessage::MessageType",
			IntValue: uint8(msg.MessageType),
		}
	}

	out := make([]byte, 0, 1+len(msg.Data))
	out = append(out, byte(msg.MessageType))
	return append(out, msg.Data...), nil
}

func Parse(msg []byte) (*ControlMessage, error) {
	if len(msg) < 1 {
		return nil, &errors.Underflow{
			MessageName: "ControlMessage",
			MsgSize:     len(msg),
			MinimumSize: 1,
		}
	}

	msgType := ControlMessageType(msg[0])
	if !msgType.isValid() {
		return nil, &errors.InvalidEnumValue{
			EnumName: "ControlMessage::MessageType",
			IntValue: msg[0],
		}
	}

	return &ControlMessage{
		MessageType: msgType,
		Data:        string(msg[1:]),
	}, nil
}

func NewJSON(msgType ControlMessageType, v any) (*ControlMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &ControlMessage{MessageType: msgType, Data: string(data)}, nil
}

func (m *ControlMessage) DecodeJSON(v any) error {
	return json.Unmarshal([]byte(m.Data), v)
}

func NewUserList(users []string) (*ControlMessage, error) {
	if users == nil {
		users = []string{}
	}
	return NewJSON(ControlMessageType_UserList, users)
}

func (a AdminAction) String() string {
	return fmt.Sprintf("%s:%s", a.Code, a.Target)
}

func ParseAdminAction(data string) (*AdminAction, error) {
	code, target, found := strings.Cut(data, ":")
	if !found {
		return nil, &errors.MalformedAddress{Scheme: "AdminAction", Payload: data}
	}

	switch AdminActionCode(code) {
	case AdminAction_Kick, AdminAction_Notice:
	default:
		return nil, &errors.MalformedAddress{Scheme: "AdminAction", Payload: data}
	}

	return &AdminAction{Code: AdminActionCode(code), Target: target}, nil
}
