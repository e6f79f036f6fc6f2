// Package httpapi is the HTTP Control Plane (§4.3): the Gin router
// fronting OAuth exchange, worker-token issuance, and room lifecycle
// management. Everything here authenticates via a Bearer session token
// except the OAuth callback, the health/metrics endpoints, and (in dev mode
// only) /anonymous-signin.
//
// Grounded on the teacher's cmd/v1/session/main.go router setup (gin.New,
// gin.Recovery, gin-contrib/cors) and internal/v1/ratelimit's per-endpoint
// middleware.
package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/signalserver/internal/v1/credential"
	"github.com/relaymesh/signalserver/internal/v1/health"
	"github.com/relaymesh/signalserver/internal/v1/middleware"
	"github.com/relaymesh/signalserver/internal/v1/ratelimit"
	"github.com/relaymesh/signalserver/internal/v1/store"
)

// Server holds the HTTP Control Plane's dependencies.
type Server struct {
	cred        *credential.Engine
	store       *store.Store
	oauth       credential.OAuthConfig
	roomURIBase string
	devMode     bool
}

// NewServer builds the HTTP Control Plane over a shared Credential Engine
// and Store. devMode enables the anonymous-signin/create-room bypass
// endpoints used by local testing scripts; it must never be set when
// GO_ENV=production.
func NewServer(cred *credential.Engine, st *store.Store, oauth credential.OAuthConfig, roomURIBase string, devMode bool) *Server {
	return &Server{cred: cred, store: st, oauth: oauth, roomURIBase: roomURIBase, devMode: devMode}
}

// Router assembles the Gin engine for every §4.3 endpoint plus health and
// metrics.
func (s *Server) Router(rl *ratelimit.RateLimiter, allowedOrigins []string, healthHandler *health.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	r.Use(cors.New(corsCfg))

	if rl != nil {
		r.Use(rl.GlobalMiddleware())
	}

	r.GET("/health", healthHandler.Liveness)
	r.GET("/health/live", healthHandler.Liveness)
	r.GET("/health/ready", healthHandler.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := r.Group("/auth")
	authGroup.POST("/github/callback", s.githubCallback)

	if s.devMode {
		r.POST("/anonymous-signin", s.anonymousSignin)
		r.POST("/create-room", s.devCreateRoom)
	}

	sessionGroup := authGroup.Group("")
	sessionGroup.Use(requireSession(s.cred))
	sessionGroup.POST("/token", s.createWorkerToken)
	sessionGroup.GET("/tokens", s.listWorkerTokens)
	sessionGroup.DELETE("/token/:id", s.revokeWorkerToken)

	rooms := sessionGroup.Group("/rooms")
	if rl != nil {
		rooms.Use(rl.MiddlewareForEndpoint("rooms"))
	}
	rooms.GET("", s.listRooms)
	rooms.POST("", s.createRoom)
	rooms.DELETE("/:id", s.deleteRoom)
	rooms.POST("/:id/invite", s.createInvite)
	rooms.POST("/join", s.joinRoom)

	return r
}
