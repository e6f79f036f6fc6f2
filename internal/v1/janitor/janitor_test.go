package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/signalserver/internal/v1/store"
)

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	st, err := store.New(mr.Addr(), "")
	require.NoError(t, err)
	return st, mr
}

func TestSweepEvictsExpiredRoomIndices(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	require.NoError(t, st.PutRoom(ctx, &store.Room{RoomID: "expiring", ExpiresAt: time.Now().Add(time.Second)}))
	require.NoError(t, st.PutMembership(ctx, &store.RoomMembership{UserID: "u1", RoomID: "expiring", Role: store.RoleOwner, JoinedAt: time.Now()}))

	require.NoError(t, st.PutRoom(ctx, &store.Room{RoomID: "live", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, st.PutMembership(ctx, &store.RoomMembership{UserID: "u2", RoomID: "live", Role: store.RoleOwner, JoinedAt: time.Now()}))

	mr.FastForward(2 * time.Second)

	j := New(st, time.Minute)
	evicted, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	members, err := st.SetMembers(ctx, "room:expiring:members")
	require.NoError(t, err)
	assert.Empty(t, members)

	members, err = st.SetMembers(ctx, "room:live:members")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, members)
}

func TestSweepNoopWhenNothingExpired(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	require.NoError(t, st.PutRoom(ctx, &store.Room{RoomID: "live", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, st.PutMembership(ctx, &store.RoomMembership{UserID: "u1", RoomID: "live", Role: store.RoleOwner, JoinedAt: time.Now()}))

	j := New(st, time.Minute)
	evicted, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}
