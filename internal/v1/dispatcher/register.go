package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
	"github.com/relaymesh/signalserver/internal/v1/registry"
)

// registerInbound is the union of all three register credential shapes.
// Exactly one of api_key, jwt, or (id_token, token) drives resolution, in
// that priority order.
type registerInbound struct {
	APIKey  string `json:"api_key,omitempty"`
	JWT     string `json:"jwt,omitempty"`
	IDToken string `json:"id_token,omitempty"`
	Token   string `json:"token,omitempty"`

	RoomID   string            `json:"room_id,omitempty"`
	PeerID   string            `json:"peer_id,omitempty"`
	Role     string            `json:"role,omitempty"`
	Metadata registry.Metadata `json:"metadata,omitempty"`
	IsAdmin  bool              `json:"is_admin,omitempty"`
}

type registeredAuthResponse struct {
	Type           string                       `json:"type"`
	RoomID         string                       `json:"room_id"`
	Token          string                       `json:"token"`
	PeerID         string                       `json:"peer_id"`
	AdminPeerID    *string                      `json:"admin_peer_id"`
	PeerList       []string                     `json:"peer_list"`
	PeerMetadata   map[string]registry.Metadata `json:"peer_metadata"`
	ICEServers     []ICEServer                  `json:"ice_servers"`
	MeshICEServers []ICEServer                  `json:"mesh_ice_servers"`
	OTPSecret      string                       `json:"otp_secret,omitempty"`
}

type adminConflictEnvelope struct {
	Type          string `json:"type"`
	RoomID        string `json:"room_id"`
	CurrentAdmin  string `json:"current_admin"`
	AttemptedPeer string `json:"attempted_peer"`
}

// handleRegister resolves one of the three credential shapes, validates the
// referenced room, and binds the connection's Session to a live Peer in the
// Room Registry. Per §4.7, an auth failure here is the only dispatcher
// failure that aborts the registration rather than simply leaving the
// connection unregistered.
func (d *Dispatcher) handleRegister(ctx context.Context, sess *Session, conn Conn, raw []byte) error {
	var in registerInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		appErr := apperrors.New(apperrors.CodeInvalidJSON, "malformed register payload")
		d.writeError(conn, appErr)
		return appErr
	}

	var (
		roomID    string
		peerID    string
		otpSecret string
	)

	switch {
	case in.APIKey != "":
		identity, err := d.cred.ValidateWorkerAPIKey(ctx, in.APIKey)
		if err != nil {
			appErr, _ := apperrors.As(err)
			d.writeError(conn, appErr)
			return err
		}
		roomID = identity.RoomID
		peerID = in.PeerID
		if peerID == "" {
			peerID = identity.WorkerName
		}
		if in.Role == "" {
			in.Role = string(registry.RoleWorker)
		}

	case in.JWT != "":
		claims, err := d.cred.VerifySessionToken(in.JWT)
		if err != nil {
			appErr, _ := apperrors.As(err)
			d.writeError(conn, appErr)
			return err
		}
		if in.RoomID == "" {
			appErr := apperrors.InvalidRequest("room_id is required")
			d.writeError(conn, appErr)
			return appErr
		}
		if _, err := d.store.GetMembership(ctx, claims.Subject, in.RoomID); err != nil {
			appErr := apperrors.Forbidden("not a member of this room")
			d.writeError(conn, appErr)
			return appErr
		}
		roomID = in.RoomID
		peerID = in.PeerID
		if peerID == "" {
			peerID = claims.Subject
		}

	case in.IDToken != "" && in.RoomID != "" && in.Token != "":
		if _, err := d.cred.VerifyLegacyToken(ctx, in.IDToken); err != nil {
			appErr, _ := apperrors.As(err)
			d.writeError(conn, appErr)
			return err
		}
		room, err := d.store.GetRoom(ctx, in.RoomID)
		if err != nil {
			appErr := apperrors.Unauthenticated("invalid room")
			d.writeError(conn, appErr)
			return appErr
		}
		if in.Token != room.Password {
			appErr := apperrors.Unauthenticated("invalid room password")
			d.writeError(conn, appErr)
			return appErr
		}
		if in.PeerID == "" {
			appErr := apperrors.InvalidRequest("peer_id is required")
			d.writeError(conn, appErr)
			return appErr
		}
		roomID = in.RoomID
		peerID = in.PeerID

	default:
		appErr := apperrors.Unauthenticated("no recognized credential supplied")
		d.writeError(conn, appErr)
		return appErr
	}

	room, err := d.store.GetRoom(ctx, roomID)
	if err != nil {
		appErr := apperrors.Unauthenticated("room does not exist")
		d.writeError(conn, appErr)
		return appErr
	}
	if time.Now().UTC().After(room.ExpiresAt) {
		appErr := apperrors.Expired("room has expired")
		d.writeError(conn, appErr)
		return appErr
	}
	if in.APIKey != "" {
		otpSecret = room.OTPSecret
	}

	role := registry.Role(in.Role)
	if role == "" {
		role = registry.RolePeer
	}

	peer := &registry.Peer{
		ID:          registry.PeerID(peerID),
		RoomID:      registry.RoomID(roomID),
		Role:        role,
		Metadata:    in.Metadata,
		ConnectedAt: time.Now().UTC(),
		Conn:        conn,
	}

	if err := d.registry.Join(registry.RoomID(roomID), registry.PeerID(peerID), peer); err != nil {
		appErr, _ := apperrors.As(err)
		d.writeError(conn, appErr)
		return err
	}

	sess.Registered = true
	sess.RoomID = registry.RoomID(roomID)
	sess.PeerID = registry.PeerID(peerID)
	metrics.TotalConnections.Inc()

	if in.IsAdmin {
		if err := d.registry.SetAdmin(registry.RoomID(roomID), registry.PeerID(peerID)); err != nil {
			current := string(d.registry.AdminOf(registry.RoomID(roomID)))
			conflict := adminConflictEnvelope{
				Type:          "admin_conflict",
				RoomID:        roomID,
				CurrentAdmin:  current,
				AttemptedPeer: peerID,
			}
			if data, merr := json.Marshal(conflict); merr == nil {
				conn.Send(data)
			}
		}
	}

	peers := d.registry.ListRoom(registry.RoomID(roomID))
	peerList := make([]string, 0, len(peers))
	peerMetadata := make(map[string]registry.Metadata, len(peers))
	for _, p := range peers {
		if p.ID == registry.PeerID(peerID) {
			continue
		}
		peerList = append(peerList, string(p.ID))
		peerMetadata[string(p.ID)] = p.Metadata
	}

	adminPeerID := d.registry.AdminOf(registry.RoomID(roomID))
	var adminPtr *string
	if adminPeerID != "" {
		s := string(adminPeerID)
		adminPtr = &s
	}

	resp := registeredAuthResponse{
		Type:           "registered_auth",
		RoomID:         roomID,
		Token:          credentialEcho(in),
		PeerID:         peerID,
		AdminPeerID:    adminPtr,
		PeerList:       peerList,
		PeerMetadata:   peerMetadata,
		ICEServers:     d.iceServers,
		MeshICEServers: d.meshICEServers,
		OTPSecret:      otpSecret,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to encode registration response", err)
	}
	conn.Send(data)
	return nil
}

// credentialEcho returns whichever credential the caller authenticated
// with, so a reconnecting peer can resubmit the same one without having to
// remember which of the three shapes it used.
func credentialEcho(in registerInbound) string {
	switch {
	case in.APIKey != "":
		return in.APIKey
	case in.JWT != "":
		return in.JWT
	default:
		return strings.TrimSpace(in.IDToken)
	}
}
