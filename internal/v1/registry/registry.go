// Package registry is the Room Registry: the in-memory, authoritative map
// of live rooms to live peers. It is the only state the WS Session Layer
// and Dispatcher share across connections while a room is active.
//
// Locking discipline mirrors the teacher's Hub/Room split: a process-wide
// registry mutex guards the top-level room map; each RoomLive has its own
// RWMutex guarding that room's peer map and admin designation. The registry
// lock is never acquired while a room lock is held; the only place both are
// held at once is destroyIfEmpty, which takes the registry lock first and
// then the room lock, so the lock order is always registry before room. peer_id
// uniqueness is enforced per room, not globally (§3), so there is no
// process-wide peer index to keep consistent with the room maps.
package registry

import (
	"sync"
	"time"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
)

type RoomID string
type PeerID string

// Role is the capacity a peer registered under.
type Role string

const (
	RoleWorker Role = "worker"
	RoleClient Role = "client"
	RolePeer   Role = "peer"
)

// Metadata is the open document attached to a Peer. Tags is a set
// (duplicates collapse on merge); Properties is a flat string-keyed map of
// scalars or structured values.
type Metadata struct {
	Tags       []string       `json:"tags,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Sender abstracts the WebSocket write side so the registry never imports
// the transport package — it only needs to hand a message to whatever
// delivers it, and learn whether delivery was accepted.
type Sender interface {
	Send(msg []byte) bool
}

// Peer is a live, registered connection.
type Peer struct {
	ID          PeerID
	RoomID      RoomID
	Role        Role
	Metadata    Metadata
	ConnectedAt time.Time
	IsAdmin     bool
	Conn        Sender
}

// RoomLive is a room while it has at least one connected peer.
type RoomLive struct {
	mu          sync.RWMutex
	ID          RoomID
	Peers       map[PeerID]*Peer
	AdminPeerID PeerID
}

func newRoomLive(id RoomID) *RoomLive {
	return &RoomLive{ID: id, Peers: make(map[PeerID]*Peer)}
}

// Registry is the process-wide Room Registry.
type Registry struct {
	mu    sync.Mutex
	rooms map[RoomID]*RoomLive
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		rooms: make(map[RoomID]*RoomLive),
	}
}

// Join inserts peer under (roomID, peerID), creating the RoomLive entry if
// it is the first peer in the room. peer_id uniqueness is scoped to the
// room (§3's Data Model: "must be unique within the room") — the same
// peer_id may be live in two different rooms at once.
func (reg *Registry) Join(roomID RoomID, peerID PeerID, peer *Peer) error {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	if !ok {
		room = newRoomLive(roomID)
		reg.rooms[roomID] = room
		metrics.RoomsActive.Inc()
	}
	reg.mu.Unlock()

	room.mu.Lock()
	if _, dup := room.Peers[peerID]; dup {
		room.mu.Unlock()
		return apperrors.Conflict("peer_id already registered in this room")
	}
	room.Peers[peerID] = peer
	count := len(room.Peers)
	room.mu.Unlock()

	metrics.RoomPeers.WithLabelValues(string(roomID)).Set(float64(count))
	return nil
}

// Leave removes peerID from roomID. It reports whether that room is now
// empty. A room that goes empty is destroyed synchronously — the state
// machine in §4.6 has no paused/grace state.
func (reg *Registry) Leave(roomID RoomID, peerID PeerID) (bool, error) {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return false, apperrors.NotFound("peer not registered")
	}

	room.mu.Lock()
	if _, existed := room.Peers[peerID]; !existed {
		room.mu.Unlock()
		return false, apperrors.NotFound("peer not registered")
	}
	delete(room.Peers, peerID)
	if room.AdminPeerID == peerID {
		room.AdminPeerID = ""
	}
	empty := len(room.Peers) == 0
	count := len(room.Peers)
	room.mu.Unlock()

	metrics.RoomPeers.WithLabelValues(string(roomID)).Set(float64(count))

	if empty {
		reg.destroyIfEmpty(roomID, room)
	}

	return empty, nil
}

// destroyIfEmpty removes the room from the top-level map if it is still
// empty, re-checked under the registry lock to avoid racing a concurrent
// Join that repopulated it between Leave's unlock and this call.
func (reg *Registry) destroyIfEmpty(roomID RoomID, room *RoomLive) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room.mu.RLock()
	stillEmpty := len(room.Peers) == 0
	room.mu.RUnlock()

	if stillEmpty && reg.rooms[roomID] == room {
		delete(reg.rooms, roomID)
		metrics.RoomsActive.Dec()
		metrics.RoomPeers.DeleteLabelValues(string(roomID))
	}
}

// LookupInRoom resolves peerID within a specific room — the normal relay
// target resolution path, since peer_id is only unique room-scoped.
func (reg *Registry) LookupInRoom(roomID RoomID, peerID PeerID) (*Peer, bool) {
	reg.mu.Lock()
	room := reg.rooms[roomID]
	reg.mu.Unlock()

	if room == nil {
		return nil, false
	}

	room.mu.RLock()
	peer, ok := room.Peers[peerID]
	room.mu.RUnlock()

	return peer, ok
}

// ExistsElsewhere reports whether peerID is live in any room other than
// excludeRoomID. It exists solely to distinguish PEER_NOT_FOUND from
// PEER_NOT_IN_ROOM for error classification — normal dispatch never needs
// a cross-room index. Room pointers are copied out under reg.mu and then
// released before any room lock is taken, preserving the no-nesting rule.
func (reg *Registry) ExistsElsewhere(excludeRoomID RoomID, peerID PeerID) bool {
	reg.mu.Lock()
	rooms := make([]*RoomLive, 0, len(reg.rooms))
	for id, room := range reg.rooms {
		if id == excludeRoomID {
			continue
		}
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	for _, room := range rooms {
		room.mu.RLock()
		_, ok := room.Peers[peerID]
		room.mu.RUnlock()
		if ok {
			return true
		}
	}
	return false
}

// ListRoom returns a snapshot of every peer currently in roomID.
func (reg *Registry) ListRoom(roomID RoomID) []*Peer {
	reg.mu.Lock()
	room := reg.rooms[roomID]
	reg.mu.Unlock()

	if room == nil {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()

	peers := make([]*Peer, 0, len(room.Peers))
	for _, p := range room.Peers {
		peers = append(peers, p)
	}
	return peers
}

// AdminOf returns the current admin peer_id for a room, or "" if unset or
// the room does not exist.
func (reg *Registry) AdminOf(roomID RoomID) PeerID {
	reg.mu.Lock()
	room := reg.rooms[roomID]
	reg.mu.Unlock()

	if room == nil {
		return ""
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.AdminPeerID
}

// SetAdmin assigns peerID as room admin if none is set, or confirms it if
// this peer already holds it. Any other existing admin is never displaced;
// the caller gets an admin_conflict-shaped error naming the incumbent.
func (reg *Registry) SetAdmin(roomID RoomID, peerID PeerID) error {
	reg.mu.Lock()
	room := reg.rooms[roomID]
	reg.mu.Unlock()
	if room == nil {
		return apperrors.PeerNotFound("room has no live peers")
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	peer, ok := room.Peers[peerID]
	if !ok {
		return apperrors.PeerNotFound("peer not registered in room")
	}

	if room.AdminPeerID == "" || room.AdminPeerID == peerID {
		room.AdminPeerID = peerID
		peer.IsAdmin = true
		return nil
	}

	return apperrors.New(apperrors.CodeAdminConflict, "room already has an admin: "+string(room.AdminPeerID))
}

// ClearAdminIf clears the room's admin designation if it currently points
// at peerID. Used on disconnect so a departed admin never lingers.
func (reg *Registry) ClearAdminIf(roomID RoomID, peerID PeerID) {
	reg.mu.Lock()
	room := reg.rooms[roomID]
	reg.mu.Unlock()
	if room == nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.AdminPeerID == peerID {
		room.AdminPeerID = ""
		if peer, ok := room.Peers[peerID]; ok {
			peer.IsAdmin = false
		}
	}
}

// UpdateMetadata merges newMeta into peerID's live metadata: tags union,
// properties shallow-merge (new keys win), and returns the merged document.
func (reg *Registry) UpdateMetadata(roomID RoomID, peerID PeerID, newMeta Metadata) (Metadata, error) {
	reg.mu.Lock()
	room := reg.rooms[roomID]
	reg.mu.Unlock()
	if room == nil {
		return Metadata{}, apperrors.PeerNotFound("room has no live peers")
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	peer, ok := room.Peers[peerID]
	if !ok {
		return Metadata{}, apperrors.PeerNotFound("peer not registered in room")
	}

	peer.Metadata = mergeMetadata(peer.Metadata, newMeta)
	return peer.Metadata, nil
}

func mergeMetadata(existing, incoming Metadata) Metadata {
	tagSet := make(map[string]struct{}, len(existing.Tags)+len(incoming.Tags))
	for _, t := range existing.Tags {
		tagSet[t] = struct{}{}
	}
	for _, t := range incoming.Tags {
		tagSet[t] = struct{}{}
	}
	mergedTags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		mergedTags = append(mergedTags, t)
	}

	mergedProps := make(map[string]any, len(existing.Properties)+len(incoming.Properties))
	for k, v := range existing.Properties {
		mergedProps[k] = v
	}
	for k, v := range incoming.Properties {
		mergedProps[k] = v
	}

	return Metadata{Tags: mergedTags, Properties: mergedProps}
}
