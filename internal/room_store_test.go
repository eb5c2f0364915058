package internal

import (
	goerrs "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomStoreAddAndLimits(t *testing.T) {
	store := CreateRoomStore(2)

	require.NoError(t, store.AddRoom(&RoomEntry{Id: 1}))
	var dup *DuplicateRoomIdError
	assert.ErrorAs(t, store.AddRoom(&RoomEntry{Id: 1}), &dup)

	require.NoError(t, store.AddRoom(&RoomEntry{Id: 2}))
	var full *TooManyRoomsError
	assert.ErrorAs(t, store.AddRoom(&RoomEntry{Id: 3}), &full)

	assert.Equal(t, []int64{1, 2}, store.RoomIds())
	store.RemoveRoom(1)
	assert.False(t, store.HasRoom(1))
}

func TestRoomStoreUpdateMissing(t *testing.T) {
	store := CreateRoomStore(0)

	var missing *MissingRoomIdError
	assert.ErrorAs(t, store.UpdateRoom(9, func(*RoomEntry) error { return nil }), &missing)
	assert.ErrorAs(t, store.ReadRoom(9, func(*RoomEntry) {}), &missing)
}

func TestRoomStoreUpdatePropagatesError(t *testing.T) {
	store := CreateRoomStore(0)
	require.NoError(t, store.AddRoom(&RoomEntry{Id: 1}))

	boom := goerrs.New("boom")
	assert.ErrorIs(t, store.UpdateRoom(1, func(*RoomEntry) error { return boom }), boom)
}

func TestRoomStoreConcurrentMembership(t *testing.T) {
	store := CreateRoomStore(0)
	require.NoError(t, store.AddRoom(&RoomEntry{Id: 1}))

	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			store.UpdateRoom(1, func(e *RoomEntry) error {
				e.Members[string(rune('a'+n%26))] = true
				return nil
			})
		}(i)
	}
	wg.Wait()

	var members []string
	require.NoError(t, store.ReadRoom(1, func(e *RoomEntry) { members = e.SortedMembers() }))
	assert.Len(t, members, 26)
	assert.Equal(t, "a", members[0])
}
