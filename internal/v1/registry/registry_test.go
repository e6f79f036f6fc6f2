package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
)

type noopSender struct{ sent [][]byte }

func (n *noopSender) Send(msg []byte) bool {
	n.sent = append(n.sent, msg)
	return true
}

func TestJoinAndLookup(t *testing.T) {
	reg := New()
	peer := &Peer{ID: "p1", RoomID: "r1", Role: RolePeer, ConnectedAt: time.Now(), Conn: &noopSender{}}

	require.NoError(t, reg.Join("r1", "p1", peer))

	got, ok := reg.LookupInRoom("r1", "p1")
	require.True(t, ok)
	assert.Equal(t, PeerID("p1"), got.ID)
}

func TestJoinSamePeerIDDifferentRoomsAllowed(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Join("r1", "p1", &Peer{ID: "p1", RoomID: "r1"}))
	require.NoError(t, reg.Join("r2", "p1", &Peer{ID: "p1", RoomID: "r2"}))

	got1, ok := reg.LookupInRoom("r1", "p1")
	require.True(t, ok)
	assert.Equal(t, RoomID("r1"), got1.RoomID)

	got2, ok := reg.LookupInRoom("r2", "p1")
	require.True(t, ok)
	assert.Equal(t, RoomID("r2"), got2.RoomID)

	assert.True(t, reg.ExistsElsewhere("r1", "p1"))
	assert.True(t, reg.ExistsElsewhere("r2", "p1"))
	assert.False(t, reg.ExistsElsewhere("r1", "ghost"))
}

func TestJoinDuplicateConflicts(t *testing.T) {
	reg := New()
	peer := &Peer{ID: "p1", RoomID: "r1"}
	require.NoError(t, reg.Join("r1", "p1", peer))

	err := reg.Join("r1", "p1", peer)
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeConflict, appErr.Code)
}

func TestLeaveDestroysEmptyRoom(t *testing.T) {
	reg := New()
	peer := &Peer{ID: "p1", RoomID: "r1"}
	require.NoError(t, reg.Join("r1", "p1", peer))

	empty, err := reg.Leave("r1", "p1")
	require.NoError(t, err)
	assert.True(t, empty)

	assert.Empty(t, reg.ListRoom("r1"))
	_, ok := reg.LookupInRoom("r1", "p1")
	assert.False(t, ok)
}

func TestLeaveKeepsRoomWithRemainingPeers(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Join("r1", "p1", &Peer{ID: "p1"}))
	require.NoError(t, reg.Join("r1", "p2", &Peer{ID: "p2"}))

	empty, err := reg.Leave("r1", "p1")
	require.NoError(t, err)
	assert.False(t, empty)

	assert.Len(t, reg.ListRoom("r1"), 1)
}

func TestLeaveUnknownPeer(t *testing.T) {
	reg := New()
	_, err := reg.Leave("r1", "ghost")
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNotFound, appErr.Code)
}

func TestSetAdminFirstComeAndConflict(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Join("r1", "p1", &Peer{ID: "p1"}))
	require.NoError(t, reg.Join("r1", "p2", &Peer{ID: "p2"}))

	require.NoError(t, reg.SetAdmin("r1", "p1"))
	assert.Equal(t, PeerID("p1"), reg.AdminOf("r1"))

	// Re-confirming the same admin is not a conflict.
	require.NoError(t, reg.SetAdmin("r1", "p1"))

	err := reg.SetAdmin("r1", "p2")
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeAdminConflict, appErr.Code)
	// Incumbent is not displaced.
	assert.Equal(t, PeerID("p1"), reg.AdminOf("r1"))
}

func TestClearAdminIfOnDisconnect(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Join("r1", "p1", &Peer{ID: "p1"}))
	require.NoError(t, reg.SetAdmin("r1", "p1"))

	reg.ClearAdminIf("r1", "p1")
	assert.Equal(t, PeerID(""), reg.AdminOf("r1"))
}

func TestClearAdminIfWrongPeerIsNoop(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Join("r1", "p1", &Peer{ID: "p1"}))
	require.NoError(t, reg.Join("r1", "p2", &Peer{ID: "p2"}))
	require.NoError(t, reg.SetAdmin("r1", "p1"))

	reg.ClearAdminIf("r1", "p2")
	assert.Equal(t, PeerID("p1"), reg.AdminOf("r1"))
}

func TestUpdateMetadataMerges(t *testing.T) {
	reg := New()
	peer := &Peer{ID: "p1", Metadata: Metadata{Tags: []string{"gpu"}, Properties: map[string]any{"region": "us"}}}
	require.NoError(t, reg.Join("r1", "p1", peer))

	merged, err := reg.UpdateMetadata("r1", "p1", Metadata{
		Tags:       []string{"fast"},
		Properties: map[string]any{"region": "eu", "cores": float64(8)},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"gpu", "fast"}, merged.Tags)
	assert.Equal(t, "eu", merged.Properties["region"])
	assert.Equal(t, float64(8), merged.Properties["cores"])
}

func TestUpdateMetadataUnknownPeer(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Join("r1", "p1", &Peer{ID: "p1"}))

	_, err := reg.UpdateMetadata("r1", "ghost", Metadata{})
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePeerNotFound, appErr.Code)
}

func TestJoinSameRoomConcurrently(t *testing.T) {
	reg := New()
	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		i := i
		go func() {
			id := PeerID(rune('a' + i))
			done <- reg.Join("r1", id, &Peer{ID: id})
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}
	assert.Len(t, reg.ListRoom("r1"), 20)
}
