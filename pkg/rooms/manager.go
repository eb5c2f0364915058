// Package rooms owns room lifecycle and membership. Rooms move PENDING -> ACTIVE | REJECTED and
// ACTIVE -> CLOSED, never back. State operations report success as a bool and never panic; delivering
// messages to members is left to the caller (see Recipients).
package rooms

import (
	"time"

	"github.com/sessamekesh/spanreed-relay/internal"
	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/store"
	"go.uber.org/zap"
)

const ServerMemberPrefix = "SERVER_"

type ManagerParams struct {
	Publisher events.Publisher

	// Repository defaults to an in-memory repository.
	Repository RoomRepository

	// ServerUsername is the relay operator's username; rooms are scoped to it.
	ServerUsername string
	MaxRooms       int

	Logger *zap.Logger
}

type Manager struct {
	params ManagerParams
	log    *zap.Logger

	cache *internal.RoomStore
}

func CreateManager(params ManagerParams) (*Manager, error) {
	if params.Publisher == nil {
		return nil, &errors.MissingFieldError{MessageName: "ManagerParams", FieldName: "Publisher"}
	}
	if params.ServerUsername == "" {
		return nil, &errors.MissingFieldError{MessageName: "ManagerParams", FieldName: "ServerUsername"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Repository == nil {
		params.Repository = store.CreateMemoryRepository[Room]("room")
	}

	return &Manager{
		params: params,
		log:    logger.With(zap.String("handler", "RoomManager"), zap.String("serverUsername", params.ServerUsername)),
		cache:  internal.CreateRoomStore(params.MaxRooms),
	}, nil
}

// ServerMemberId is the pseudo-member standing for the relay operator.
func (m *Manager) ServerMemberId() string {
	return ServerMemberPrefix + m.params.ServerUsername
}

// LoadFromRepository warms the cache with rooms this relay owns that are not yet terminal.
func (m *Manager) LoadFromRepository() error {
	all, err := m.params.Repository.List()
	if err != nil {
		return err
	}

	for _, r := range all {
		if r.ServerUsername != m.params.ServerUsername || r.State.IsTerminal() || m.cache.HasRoom(r.Id) {
			continue
		}
		if err := m.cache.AddRoom(entryFromRoom(r)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) publish(t events.EventType, room Room, member string) {
	m.params.Publisher.Publish(events.Event{
		Type:   t,
		Data:   RoomEvent{Room: room, Member: member},
		Source: m.ServerMemberId(),
	})
}

func (m *Manager) persist(room Room) {
	if err := m.params.Repository.Update(room.Id, room); err != nil {
		m.log.Warn("Failed to persist room", zap.Int64("roomId", room.Id), zap.Error(err))
	}
}

func (m *Manager) create(name, creatorId, creatorUsername string, initialMembers []string, message string, includeServer bool, state RoomState) (Room, error) {
	room := Room{
		Name:            name,
		CreatorId:       creatorId,
		CreatorUsername: creatorUsername,
		ServerUsername:  m.params.ServerUsername,
		State:           state,
		CreatedAt:       time.Now(),
		Message:         message,
		IncludeServer:   includeServer,
	}

	entry := entryFromRoom(room)
	entry.Members[creatorId] = true
	for _, member := range initialMembers {
		if member != "" {
			entry.Members[member] = true
		}
	}
	if state == RoomState_Active && includeServer {
		entry.Members[m.ServerMemberId()] = true
	}

	id, err := m.params.Repository.Save(snapshot(entry))
	if err != nil {
		return Room{}, err
	}
	entry.Id = id
	room = snapshot(entry)
	m.persist(room)

	if err := m.cache.AddRoom(entry); err != nil {
		m.params.Repository.Delete(id)
		return Room{}, err
	}

	m.log.Info("Room created", zap.Int64("roomId", id), zap.String("name", name), zap.String("state", string(state)))
	m.publish(events.RoomCreated, room, "")
	return room, nil
}

// CreateRoomRequest opens a PENDING room awaiting operator approval. The creator is always a member.
func (m *Manager) CreateRoomRequest(name, creatorId, creatorUsername string, initialMembers []string, message string, includeServer bool) (Room, error) {
	return m.create(name, creatorId, creatorUsername, initialMembers, message, includeServer, RoomState_Pending)
}

// CreateRoomByServer skips approval: the room starts ACTIVE with the operator as creator and member.
func (m *Manager) CreateRoomByServer(name string, initialMembers []string, message string) (Room, error) {
	return m.create(name, m.ServerMemberId(), m.params.ServerUsername, initialMembers, message, true, RoomState_Active)
}

// transition applies fn under the room lock. A false result from fn means the operation does not apply
// in the current state; nothing is persisted or published in that case.
func (m *Manager) transition(roomId int64, operation string, fn func(e *internal.RoomEntry) bool) (Room, bool) {
	var room Room
	applied := false

	err := m.cache.UpdateRoom(roomId, func(e *internal.RoomEntry) error {
		if !fn(e) {
			return &errors.InvalidRoomState{RoomId: roomId, State: e.State, Operation: operation}
		}
		applied = true
		room = snapshot(e)
		return nil
	})
	if err != nil {
		m.log.Debug("Room operation rejected", zap.Int64("roomId", roomId), zap.String("operation", operation), zap.Error(err))
		return Room{}, false
	}
	if !applied {
		return Room{}, false
	}

	m.persist(room)
	return room, true
}

func (m *Manager) ApproveRoom(roomId int64) bool {
	room, ok := m.transition(roomId, "approve", func(e *internal.RoomEntry) bool {
		if RoomState(e.State) != RoomState_Pending {
			return false
		}
		e.State = string(RoomState_Active)
		if e.IncludeServer {
			e.Members[m.ServerMemberId()] = true
		}
		return true
	})
	if ok {
		m.log.Info("Room approved", zap.Int64("roomId", roomId))
		m.publish(events.RoomApproved, room, "")
	}
	return ok
}

func (m *Manager) RejectRoom(roomId int64) bool {
	room, ok := m.transition(roomId, "reject", func(e *internal.RoomEntry) bool {
		if RoomState(e.State) != RoomState_Pending {
			return false
		}
		e.State = string(RoomState_Rejected)
		return true
	})
	if ok {
		m.log.Info("Room rejected", zap.Int64("roomId", roomId))
		m.publish(events.RoomRejected, room, "")
	}
	return ok
}

// CloseRoom ends a room that is not already REJECTED or CLOSED.
func (m *Manager) CloseRoom(roomId int64) bool {
	room, ok := m.transition(roomId, "close", func(e *internal.RoomEntry) bool {
		if RoomState(e.State).IsTerminal() {
			return false
		}
		e.State = string(RoomState_Closed)
		return true
	})
	if ok {
		m.log.Info("Room closed", zap.Int64("roomId", roomId))
		m.publish(events.RoomClosed, room, "")
	}
	return ok
}

// AddMemberToRoom is idempotent: adding an existing member succeeds without publishing again.
func (m *Manager) AddMemberToRoom(roomId int64, member string) bool {
	added := false
	room, ok := m.transition(roomId, "add member to", func(e *internal.RoomEntry) bool {
		if RoomState(e.State) != RoomState_Active || member == "" {
			return false
		}
		if !e.Members[member] {
			e.Members[member] = true
			added = true
		}
		return true
	})
	if ok && added {
		m.publish(events.RoomMemberAdded, room, member)
	}
	return ok
}

func (m *Manager) RemoveMemberFromRoom(roomId int64, member string) bool {
	removed := false
	room, ok := m.transition(roomId, "remove member from", func(e *internal.RoomEntry) bool {
		if RoomState(e.State) != RoomState_Active {
			return false
		}
		if e.Members[member] {
			delete(e.Members, member)
			removed = true
		}
		return true
	})
	if ok && removed {
		m.publish(events.RoomMemberRemoved, room, member)
	}
	return ok
}

func (m *Manager) GetRoom(roomId int64) (Room, bool) {
	var room Room
	err := m.cache.ReadRoom(roomId, func(e *internal.RoomEntry) {
		room = snapshot(e)
	})
	return room, err == nil
}

func (m *Manager) ListRooms() []Room {
	rooms := []Room{}
	for _, id := range m.cache.RoomIds() {
		if room, ok := m.GetRoom(id); ok {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func (m *Manager) RoomsForMember(member string) []Room {
	rooms := []Room{}
	for _, room := range m.ListRooms() {
		if room.HasMember(member) {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// Recipients lists who a message from senderId in an ACTIVE room should reach: every member except the
// sender and anyone reachable reports as offline. The server pseudo-member is included only if reachable
// says so, which lets the caller deliver to the operator locally.
func (m *Manager) Recipients(roomId int64, senderId string, reachable func(member string) bool) []string {
	room, ok := m.GetRoom(roomId)
	if !ok || room.State != RoomState_Active {
		return nil
	}

	recipients := []string{}
	for _, member := range room.Members {
		if member == senderId {
			continue
		}
		if reachable != nil && !reachable(member) {
			continue
		}
		recipients = append(recipients, member)
	}
	return recipients
}
