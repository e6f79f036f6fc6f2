package wsserver

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relaymesh/signalserver/internal/v1/dispatcher"
	"github.com/relaymesh/signalserver/internal/v1/logging"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
	"github.com/relaymesh/signalserver/internal/v1/registry"
)

// Hub upgrades HTTP connections to WebSocket and hands each off to its own
// Client. Unlike the teacher's Hub, it owns no room map itself — the Room
// Registry is the single authority on live rooms, shared across every
// connection's Dispatcher.
type Hub struct {
	dispatcher     *dispatcher.Dispatcher
	registry       *registry.Registry
	allowedOrigins []string
}

// NewHub builds a Hub over a shared Dispatcher and Room Registry.
func NewHub(disp *dispatcher.Dispatcher, reg *registry.Registry, allowedOrigins []string) *Hub {
	return &Hub{dispatcher: disp, registry: reg, allowedOrigins: allowedOrigins}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// ServeWs upgrades the request to a WebSocket connection with no
// transport-level authentication, per §4.4 — credentials are presented in
// the first application message (`register`), not at the HTTP layer.
func (h *Hub) ServeWs(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "failed to upgrade websocket connection")
		return
	}

	client := newClient(h, conn)
	metrics.IncConnection() // tracks the open socket; total_connections is counted on successful register

	go client.writePump()
	go client.readPump()
}
