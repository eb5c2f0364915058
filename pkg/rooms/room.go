package rooms

import (
	"time"

	"github.com/sessamekesh/spanreed-relay/internal"
	"github.com/sessamekesh/spanreed-relay/pkg/store"
)

type RoomState string

const (
	RoomState_Pending  RoomState = "PENDING"
	RoomState_Active   RoomState = "ACTIVE"
	RoomState_Rejected RoomState = "REJECTED"
	RoomState_Closed   RoomState = "CLOSED"
)

func (s RoomState) IsTerminal() bool {
	return s == RoomState_Rejected || s == RoomState_Closed
}

// Room is an immutable snapshot. Members are sorted.
type Room struct {
	Id              int64     `json:"id"`
	Name            string    `json:"name"`
	CreatorId       string    `json:"creatorId"`
	CreatorUsername string    `json:"creatorUsername"`
	ServerUsername  string    `json:"serverUsername"`
	State           RoomState `json:"state"`
	CreatedAt       time.Time `json:"createdAt"`
	Message         string    `json:"message,omitempty"`
	IncludeServer   bool      `json:"includeServer"`
	Members         []string  `json:"members"`
}

func (r Room) HasMember(member string) bool {
	for _, m := range r.Members {
		if m == member {
			return true
		}
	}
	return false
}

type RoomRepository = store.Repository[Room]

// RoomEvent is the Data of every ROOM_* event. Member is set for membership changes.
type RoomEvent struct {
	Room   Room   `json:"room"`
	Member string `json:"member,omitempty"`
}

func snapshot(e *internal.RoomEntry) Room {
	return Room{
		Id:              e.Id,
		Name:            e.Name,
		CreatorId:       e.CreatorId,
		CreatorUsername: e.CreatorUsername,
		ServerUsername:  e.ServerUsername,
		State:           RoomState(e.State),
		CreatedAt:       e.CreatedAt,
		Message:         e.Message,
		IncludeServer:   e.IncludeServer,
		Members:         e.SortedMembers(),
	}
}

func entryFromRoom(r Room) *internal.RoomEntry {
	members := make(map[string]bool, len(r.Members))
	for _, m := range r.Members {
		members[m] = true
	}
	return &internal.RoomEntry{
		Id:              r.Id,
		Name:            r.Name,
		CreatorId:       r.CreatorId,
		CreatorUsername: r.CreatorUsername,
		ServerUsername:  r.ServerUsername,
		Message:         r.Message,
		IncludeServer:   r.IncludeServer,
		CreatedAt:       r.CreatedAt,
		State:           string(r.State),
		Members:         members,
	}
}
