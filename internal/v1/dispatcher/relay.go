package dispatcher

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/logging"
	"github.com/relaymesh/signalserver/internal/v1/registry"
)

type peerMessageInbound struct {
	ToPeerID string          `json:"to_peer_id"`
	Payload  json.RawMessage `json:"payload"`
}

type peerMessageEnvelope struct {
	Type       string          `json:"type"`
	FromPeerID string          `json:"from_peer_id"`
	ToPeerID   string          `json:"to_peer_id"`
	Payload    json.RawMessage `json:"payload"`
}

// resolveTarget looks up targetID and confirms it shares sess's room. It
// returns the classified taxonomy error for every failure shape the
// relay handlers need to distinguish.
func (d *Dispatcher) resolveTarget(sess *Session, targetID registry.PeerID) (*registry.Peer, *apperrors.Error) {
	peer, ok := d.registry.LookupInRoom(sess.RoomID, targetID)
	if ok {
		return peer, nil
	}
	if d.registry.ExistsElsewhere(sess.RoomID, targetID) {
		return nil, apperrors.PeerNotInRoom("target peer is not in the caller's room")
	}
	return nil, apperrors.PeerNotFound("target peer is not connected")
}

// handlePeerMessage forwards an opaque payload from the caller to
// to_peer_id, per §4.5.4. from_peer_id is always the session's own bound
// peer id — never trusted from the client — closing the spoofing gap the
// legacy relay left open.
func (d *Dispatcher) handlePeerMessage(ctx context.Context, sess *Session, conn Conn, raw []byte) error {
	var in peerMessageInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		appErr := apperrors.New(apperrors.CodeInvalidJSON, "malformed peer_message payload")
		d.writeError(conn, appErr)
		return appErr
	}

	target, appErr := d.resolveTarget(sess, registry.PeerID(in.ToPeerID))
	if appErr != nil {
		d.writeError(conn, appErr)
		return appErr
	}

	env := peerMessageEnvelope{
		Type:       "peer_message",
		FromPeerID: string(sess.PeerID),
		ToPeerID:   in.ToPeerID,
		Payload:    in.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to encode peer_message", err)
	}

	if !target.Conn.Send(data) {
		appErr := apperrors.DeliveryFailed("target connection could not accept the message")
		d.writeError(conn, appErr)
		return appErr
	}
	return nil
}

type meshRelayInbound struct {
	TargetPeerID string          `json:"target_peer_id"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
}

type meshRelayEnvelope struct {
	Type       string          `json:"type"`
	FromPeerID string          `json:"from_peer_id"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
}

// handleMeshRelay forwards mesh_connect/mesh_answer between workers
// establishing a direct worker-to-worker connection, per §4.5.5. SDP is
// never parsed — it travels as an opaque json.RawMessage.
func (d *Dispatcher) handleMeshRelay(ctx context.Context, sess *Session, conn Conn, raw []byte, inType, outType string) error {
	var in meshRelayInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		appErr := apperrors.New(apperrors.CodeInvalidJSON, "malformed "+inType+" payload")
		d.writeError(conn, appErr)
		return appErr
	}

	target, appErr := d.resolveTarget(sess, registry.PeerID(in.TargetPeerID))
	if appErr != nil {
		d.writeError(conn, appErr)
		return appErr
	}

	env := meshRelayEnvelope{
		Type:       outType,
		FromPeerID: string(sess.PeerID),
		Offer:      in.Offer,
		Answer:     in.Answer,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to encode "+outType, err)
	}

	if !target.Conn.Send(data) {
		appErr := apperrors.DeliveryFailed("target connection could not accept the message")
		d.writeError(conn, appErr)
		return appErr
	}
	return nil
}

type iceCandidateInbound struct {
	TargetPeerID string          `json:"target_peer_id"`
	Candidate    json.RawMessage `json:"candidate"`
}

type iceCandidateEnvelope struct {
	Type       string          `json:"type"`
	FromPeerID string          `json:"from_peer_id"`
	Candidate  json.RawMessage `json:"candidate"`
}

// handleIceCandidate forwards ICE candidates between mesh peers. Unlike
// every other relay, a missing target is expected churn (candidates keep
// trickling in after the remote side has already moved on) and is logged
// and suppressed rather than reported back to the sender.
func (d *Dispatcher) handleIceCandidate(ctx context.Context, sess *Session, conn Conn, raw []byte) error {
	var in iceCandidateInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		appErr := apperrors.New(apperrors.CodeInvalidJSON, "malformed ice_candidate payload")
		d.writeError(conn, appErr)
		return appErr
	}

	target, appErr := d.resolveTarget(sess, registry.PeerID(in.TargetPeerID))
	if appErr != nil {
		logging.Warn(ctx, "ice_candidate target unavailable, suppressing",
			zap.String("from_peer_id", string(sess.PeerID)),
			zap.String("target_peer_id", in.TargetPeerID))
		return nil
	}

	env := iceCandidateEnvelope{Type: "ice_candidate", FromPeerID: string(sess.PeerID), Candidate: in.Candidate}
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to encode ice_candidate", err)
	}

	if !target.Conn.Send(data) {
		logging.Warn(ctx, "ice_candidate delivery failed, suppressing",
			zap.String("from_peer_id", string(sess.PeerID)),
			zap.String("target_peer_id", in.TargetPeerID))
	}
	return nil
}

type legacyRelayInbound struct {
	Sender    string          `json:"sender"`
	Target    string          `json:"target"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type legacyRelayEnvelope struct {
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	Target    string          `json:"target"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// handleLegacyRelay forwards the pre-mesh offer/answer/candidate shape
// verbatim to target, per §4.5.6. The source this was distilled from
// trusted the client-supplied sender field without checking it against the
// connection's registered identity; this implementation derives it from
// the session binding instead, closing that spoofing gap for legacy peers
// along with mesh and peer_message relays.
func (d *Dispatcher) handleLegacyRelay(ctx context.Context, sess *Session, conn Conn, raw []byte, msgType string) error {
	var in legacyRelayInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		appErr := apperrors.New(apperrors.CodeInvalidJSON, "malformed "+msgType+" payload")
		d.writeError(conn, appErr)
		return appErr
	}

	target, appErr := d.resolveTarget(sess, registry.PeerID(in.Target))
	if appErr != nil {
		d.writeError(conn, appErr)
		return appErr
	}

	env := legacyRelayEnvelope{
		Type:      msgType,
		Sender:    string(sess.PeerID),
		Target:    in.Target,
		SDP:       in.SDP,
		Candidate: in.Candidate,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to encode "+msgType, err)
	}

	if !target.Conn.Send(data) {
		appErr := apperrors.DeliveryFailed("target connection could not accept the message")
		d.writeError(conn, appErr)
		return appErr
	}
	return nil
}
