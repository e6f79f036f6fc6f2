// Package dispatcher is the Dispatcher: it classifies inbound WebSocket
// envelopes by their "type" field and invokes the matching handler. It is
// the only component that understands the wire shape of every message a
// peer can send; the Room Registry and Credential Engine it drives stay
// wire-format agnostic.
//
// Grounded on the teacher's session.Room router switch and its
// handlers.go/handlers_webrtc.go family, generalized from a nested
// {event, payload} envelope with reflection-based payload assertion to a
// flat {"type": <string>, ...} document decoded directly per handler.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/credential"
	"github.com/relaymesh/signalserver/internal/v1/logging"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
	"github.com/relaymesh/signalserver/internal/v1/registry"
	"github.com/relaymesh/signalserver/internal/v1/store"
	"github.com/relaymesh/signalserver/internal/v1/tracing"
)

// Conn is the write side of a registered WebSocket connection. Dispatcher
// never imports the transport package; it only needs to hand a message to
// whatever delivers it and learn whether delivery was accepted. It is
// satisfied structurally by registry.Sender and by the WS session layer's
// client type — same method, no adapter needed.
type Conn interface {
	Send(msg []byte) bool
}

// Session is the per-connection state the WS Session Layer owns and passes
// into every Dispatch call for that socket. It is touched only from the
// connection's own read loop, so no lock guards it.
type Session struct {
	Registered bool
	RoomID     registry.RoomID
	PeerID     registry.PeerID
}

// ICEServer is one STUN/TURN entry handed to a peer on registration. STUN
// carries only urls; TURN (client-to-worker connections only — mesh peers
// are expected to reach each other directly) adds username/credential.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Dispatcher wires the Room Registry, Credential Engine, and Room Store
// together to process one connection's message stream.
type Dispatcher struct {
	registry       *registry.Registry
	cred           *credential.Engine
	store          *store.Store
	iceServers     []ICEServer
	meshICEServers []ICEServer
}

// New builds a Dispatcher. iceServers and meshICEServers are the
// client-to-worker and worker-to-worker ICE configuration lists handed
// back on registration.
func New(reg *registry.Registry, cred *credential.Engine, st *store.Store, iceServers, meshICEServers []ICEServer) *Dispatcher {
	return &Dispatcher{
		registry:       reg,
		cred:           cred,
		store:          st,
		iceServers:     iceServers,
		meshICEServers: meshICEServers,
	}
}

type envelopeHeader struct {
	Type string `json:"type"`
}

// errorEnvelope is what every taxonomy failure renders as on the wire.
type errorEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func wireCode(code apperrors.Code) string {
	out := make([]byte, 0, len(code))
	for _, r := range string(code) {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// writeError sends an {type: "error", code, message} envelope to conn. It
// never returns an error itself: a failure to deliver the error envelope is
// indistinguishable from the connection already being gone.
func (d *Dispatcher) writeError(conn Conn, appErr *apperrors.Error) {
	env := errorEnvelope{Type: "error", Code: wireCode(appErr.Code), Message: appErr.Message}
	if data, err := json.Marshal(env); err == nil {
		conn.Send(data)
	}
}

// Dispatch classifies raw by its "type" field and invokes the matching
// handler. It never panics and never tears down the connection itself —
// only the caller's read loop, on a transport-level error, does that.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, conn Conn, raw []byte) {
	start := time.Now()

	var hdr envelopeHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		d.writeError(conn, apperrors.New(apperrors.CodeInvalidJSON, "malformed message envelope"))
		metrics.TotalMessages.WithLabelValues("unknown", "invalid_json").Inc()
		return
	}

	ctx, span := tracing.Dispatch().Start(ctx, "dispatch."+hdr.Type)
	span.SetAttributes(
		attribute.String("signalserver.message_type", hdr.Type),
		attribute.String("signalserver.room_id", string(sess.RoomID)),
		attribute.String("signalserver.peer_id", string(sess.PeerID)),
	)
	defer span.End()

	if !sess.Registered && hdr.Type != "register" {
		d.writeError(conn, apperrors.Unauthenticated("must register before sending other message types"))
		metrics.TotalMessages.WithLabelValues(hdr.Type, "unregistered").Inc()
		span.SetStatus(codes.Error, "unregistered")
		return
	}

	var err error
	switch hdr.Type {
	case "register":
		err = d.handleRegister(ctx, sess, conn, raw)
	case "discover_peers":
		err = d.handleDiscoverPeers(sess, conn, raw)
	case "update_metadata":
		err = d.handleUpdateMetadata(sess, conn, raw)
	case "peer_message":
		err = d.handlePeerMessage(ctx, sess, conn, raw)
	case "mesh_connect":
		err = d.handleMeshRelay(ctx, sess, conn, raw, "mesh_connect", "mesh_offer")
	case "mesh_answer":
		err = d.handleMeshRelay(ctx, sess, conn, raw, "mesh_answer", "mesh_answer")
	case "ice_candidate":
		err = d.handleIceCandidate(ctx, sess, conn, raw)
	case "offer", "answer", "candidate":
		err = d.handleLegacyRelay(ctx, sess, conn, raw, hdr.Type)
	case "ping":
		// Heartbeat: acknowledged implicitly by the transport's read deadline
		// reset, nothing to dispatch.
	default:
		d.writeError(conn, apperrors.New(apperrors.CodeUnknownMessage, "unknown message type: "+hdr.Type))
		metrics.TotalMessages.WithLabelValues(hdr.Type, "unknown_type").Inc()
		metrics.DispatchDuration.WithLabelValues(hdr.Type).Observe(time.Since(start).Seconds())
		return
	}

	if hdr.Type == "register" && sess.Registered {
		span.SetAttributes(
			attribute.String("signalserver.room_id", string(sess.RoomID)),
			attribute.String("signalserver.peer_id", string(sess.PeerID)),
		)
	}

	status := "success"
	if err != nil {
		status = "error"
		logging.Warn(ctx, "dispatch handler returned an error",
			zap.String("message_type", hdr.Type), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.TotalMessages.WithLabelValues(hdr.Type, status).Inc()
	metrics.DispatchDuration.WithLabelValues(hdr.Type).Observe(time.Since(start).Seconds())
}
