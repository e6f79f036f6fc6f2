// Package wsserver is the WebSocket Session Layer (§4.4): it upgrades one
// HTTP connection per peer, runs its read/write pumps, and feeds every
// inbound frame to the Dispatcher. It never authenticates at the transport
// layer — the first application-level message must be `register`; the
// Dispatcher enforces that.
//
// Grounded on the teacher's session.Client/Hub split (goroutine-per-
// connection, buffered send channel, one writer per socket), generalized
// from a binary protobuf envelope to the flat JSON `{"type": ...}` document
// this rendezvous server's Dispatcher expects.
package wsserver

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaymesh/signalserver/internal/v1/dispatcher"
	"github.com/relaymesh/signalserver/internal/v1/logging"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
	"github.com/relaymesh/signalserver/internal/v1/registry"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// Client is one peer's live WebSocket connection. It owns the socket;
// the Room Registry only ever sees it through the narrow Sender interface
// satisfied by Send below.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	sess *dispatcher.Session
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  hub,
		sess: &dispatcher.Session{},
	}
}

// Send queues msg for delivery without blocking. A full buffer (the
// receiver reading too slowly, or already gone) reports failure rather than
// stalling the caller — every relay handler treats that as delivery_failed.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// readPump reads text frames sequentially from the socket and hands each
// to the Dispatcher. It runs until the connection errors or closes, then
// runs the janitor (§4.9) so a departed peer never lingers in the Room
// Registry.
func (c *Client) readPump() {
	ctx := context.Background()
	defer func() {
		c.cleanup(ctx)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.hub.dispatcher.Dispatch(ctx, c.sess, c, data)
	}
}

// writePump is the socket's single writer; WebSocket frames on one
// connection cannot interleave, so every send passes through this loop.
func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// cleanup runs the janitor sequence from §4.9: remove the peer from its
// room (which itself clears a departing admin designation and destroys an
// emptied room). The active_connections gauge is decremented by readPump
// right after cleanup returns.
func (c *Client) cleanup(ctx context.Context) {
	if !c.sess.Registered {
		return
	}
	_, err := c.hub.registry.Leave(c.sess.RoomID, c.sess.PeerID)
	if err != nil {
		logging.Warn(ctx, "janitor leave failed", zap.String("peer_id", string(c.sess.PeerID)), zap.Error(err))
		return
	}
	logging.Info(ctx, "peer disconnected", zap.String("room_id", string(c.sess.RoomID)), zap.String("peer_id", string(c.sess.PeerID)))
}

var _ registry.Sender = (*Client)(nil)
