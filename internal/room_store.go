package internal

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type DuplicateRoomIdError struct {
	Id int64
}

func (e *DuplicateRoomIdError) Error() string {
	return fmt.Sprintf("Attempted to cache room with duplicate ID %d", e.Id)
}

type MissingRoomIdError struct {
	Id int64
}

func (e *MissingRoomIdError) Error() string {
	return fmt.Sprintf("Missing room with id=%d", e.Id)
}

type TooManyRoomsError struct{}

func (e *TooManyRoomsError) Error() string {
	return "Too many rooms are open - cannot create new room"
}

// RoomEntry is the cached, mutable view of one room. Everything except Id is guarded by Mut.
type RoomEntry struct {
	Mut sync.RWMutex

	Id              int64
	Name            string
	CreatorId       string
	CreatorUsername string
	ServerUsername  string
	Message         string
	IncludeServer   bool
	CreatedAt       time.Time

	State   string
	Members map[string]bool
}

func (e *RoomEntry) SortedMembers() []string {
	members := make([]string, 0, len(e.Members))
	for m := range e.Members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

// RoomStore caches rooms by id. The map lock only guards membership of the map; each entry carries
// its own lock, so work on one room never blocks another.
type RoomStore struct {
	MaxRooms int

	mut_rooms sync.RWMutex
	rooms     map[int64]*RoomEntry
}

func CreateRoomStore(maxRooms int) *RoomStore {
	return &RoomStore{
		MaxRooms:  maxRooms,
		mut_rooms: sync.RWMutex{},
		rooms:     make(map[int64]*RoomEntry),
	}
}

func (store *RoomStore) HasRoom(roomId int64) bool {
	store.mut_rooms.RLock()
	defer store.mut_rooms.RUnlock()

	_, has := store.rooms[roomId]
	return has
}

func (store *RoomStore) AddRoom(entry *RoomEntry) error {
	store.mut_rooms.Lock()
	defer store.mut_rooms.Unlock()

	if _, has := store.rooms[entry.Id]; has {
		return &DuplicateRoomIdError{Id: entry.Id}
	}

	if store.MaxRooms > 0 && len(store.rooms) >= store.MaxRooms {
		return &TooManyRoomsError{}
	}

	if entry.Members == nil {
		entry.Members = make(map[string]bool)
	}
	store.rooms[entry.Id] = entry
	return nil
}

func (store *RoomStore) RemoveRoom(roomId int64) {
	store.mut_rooms.Lock()
	defer store.mut_rooms.Unlock()
	delete(store.rooms, roomId)
}

// UpdateRoom runs fn with the entry's write lock held.
func (store *RoomStore) UpdateRoom(roomId int64, fn func(entry *RoomEntry) error) error {
	store.mut_rooms.RLock()
	entry, has := store.rooms[roomId]
	store.mut_rooms.RUnlock()

	if !has {
		return &MissingRoomIdError{Id: roomId}
	}

	entry.Mut.Lock()
	defer entry.Mut.Unlock()

	return fn(entry)
}

// ReadRoom runs fn with the entry's read lock held.
func (store *RoomStore) ReadRoom(roomId int64, fn func(entry *RoomEntry)) error {
	store.mut_rooms.RLock()
	entry, has := store.rooms[roomId]
	store.mut_rooms.RUnlock()

	if !has {
		return &MissingRoomIdError{Id: roomId}
	}

	entry.Mut.RLock()
	defer entry.Mut.RUnlock()

	fn(entry)
	return nil
}

func (store *RoomStore) RoomIds() []int64 {
	store.mut_rooms.RLock()
	defer store.mut_rooms.RUnlock()

	ids := make([]int64, 0, len(store.rooms))
	for id := range store.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
