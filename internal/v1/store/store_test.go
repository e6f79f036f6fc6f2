package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	st, err := New(mr.Addr(), "")
	require.NoError(t, err)

	return st, mr
}

func TestNew(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	defer func() { _ = st.Close() }()

	assert.NotNil(t, st.Client())
	assert.NoError(t, st.Ping(context.Background()))
}

func TestUserRoundTrip(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	u := &User{UserID: "u1", Username: "alice", CreatedAt: time.Now().UTC()}
	require.NoError(t, st.PutUser(ctx, u))

	got, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = st.GetUser(ctx, "does-not-exist")
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNotFound, appErr.Code)
}

func TestUserPutIsIdempotent(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	u := &User{UserID: "u1", Username: "alice"}
	require.NoError(t, st.PutUser(ctx, u))
	require.NoError(t, st.PutUser(ctx, u))

	got, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
}

func TestRoomRoundTripAndTTL(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	r := &Room{RoomID: "r1", CreatedBy: "u1", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.PutRoom(ctx, r))

	got, err := st.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.CreatedBy)

	ttl := mr.TTL("room:r1")
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestRoomDeleteCascadesMembershipsAndTokens(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	r := &Room{RoomID: "r1", CreatedBy: "u1", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.PutRoom(ctx, r))

	m := &RoomMembership{UserID: "u1", RoomID: "r1", Role: RoleOwner, JoinedAt: time.Now()}
	require.NoError(t, st.PutMembership(ctx, m))

	tok := &WorkerToken{TokenID: "t1", UserID: "u1", RoomID: "r1", WorkerName: "recorder"}
	require.NoError(t, st.PutWorkerToken(ctx, tok))

	require.NoError(t, st.DeleteRoom(ctx, "r1"))

	_, err := st.GetRoom(ctx, "r1")
	assert.Error(t, err)

	_, err = st.GetMembership(ctx, "u1", "r1")
	assert.Error(t, err)

	_, err = st.GetWorkerToken(ctx, "t1")
	assert.Error(t, err)

	members, err := st.SetMembers(ctx, roomMembersKey("r1"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMembershipIndices(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	m1 := &RoomMembership{UserID: "u1", RoomID: "r1", Role: RoleOwner, JoinedAt: time.Now()}
	m2 := &RoomMembership{UserID: "u2", RoomID: "r1", Role: RoleMember, JoinedAt: time.Now()}
	require.NoError(t, st.PutMembership(ctx, m1))
	require.NoError(t, st.PutMembership(ctx, m2))

	byRoom, err := st.QueryMembershipsByRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, byRoom, 2)

	byUser, err := st.QueryMembershipsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "r1", byUser[0].RoomID)

	require.NoError(t, st.DeleteMembership(ctx, "u1", "r1"))

	byRoom, err = st.QueryMembershipsByRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, byRoom, 1)
}

func TestWorkerTokenRevoke(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	tok := &WorkerToken{TokenID: "t1", UserID: "u1", RoomID: "r1", WorkerName: "recorder", CreatedAt: time.Now()}
	require.NoError(t, st.PutWorkerToken(ctx, tok))

	got, err := st.GetWorkerToken(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.Valid(time.Now()))

	require.NoError(t, st.RevokeWorkerToken(ctx, "t1"))

	got, err = st.GetWorkerToken(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, got.Valid(time.Now()))

	tokens, err := st.QueryWorkerTokensByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.NotNil(t, tokens[0].RevokedAt)
}

func TestWorkerTokenExpiry(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	tok := &WorkerToken{TokenID: "t1", ExpiresAt: &past}
	assert.False(t, tok.Valid(time.Now()))

	future := time.Now().Add(time.Hour)
	tok2 := &WorkerToken{TokenID: "t2", ExpiresAt: &future}
	assert.True(t, tok2.Valid(time.Now()))
}

func TestRedisUnavailableDegradesGracefully(t *testing.T) {
	st, mr := newTestStore(t)
	defer func() { _ = st.Close() }()
	mr.Close()

	ctx := context.Background()
	err := st.Ping(ctx)
	assert.Error(t, err)

	members, err := st.SetMembers(ctx, "some:set")
	assert.NoError(t, err)
	assert.Nil(t, members)
}
