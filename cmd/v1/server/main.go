package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaymesh/signalserver/internal/v1/auth"
	"github.com/relaymesh/signalserver/internal/v1/config"
	"github.com/relaymesh/signalserver/internal/v1/credential"
	"github.com/relaymesh/signalserver/internal/v1/dispatcher"
	"github.com/relaymesh/signalserver/internal/v1/health"
	"github.com/relaymesh/signalserver/internal/v1/httpapi"
	"github.com/relaymesh/signalserver/internal/v1/janitor"
	"github.com/relaymesh/signalserver/internal/v1/logging"
	"github.com/relaymesh/signalserver/internal/v1/ratelimit"
	"github.com/relaymesh/signalserver/internal/v1/registry"
	"github.com/relaymesh/signalserver/internal/v1/store"
	"github.com/relaymesh/signalserver/internal/v1/tracing"
	"github.com/relaymesh/signalserver/internal/v1/wsserver"

	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Absence of a .env file is normal in production; only note it.
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()
	logging.Info(ctx, "starting signaling server", zap.String("go_env", cfg.GoEnv))

	if cfg.OTelEnabled {
		tp, err := tracing.InitTracer(ctx, "signalserver", cfg.OTelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	st, err := store.New(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Error(ctx, "failed to connect to store", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	cred, err := credential.New(cfg.SessionJWTPrivateKeyPEM, cfg.SessionJWTPublicKeyPEM, cfg.SessionIssuer, st)
	if err != nil {
		logging.Error(ctx, "failed to build credential engine", zap.Error(err))
		os.Exit(1)
	}

	if cfg.LegacyAuthEnabled {
		legacyValidator, err := auth.NewValidator(ctx, cfg.LegacyIssuer, cfg.LegacyAudience)
		if err != nil {
			logging.Warn(ctx, "legacy auth disabled: failed to initialize JWKS validator", zap.Error(err))
		} else {
			cred = cred.WithLegacyValidator(legacyValidator)
			logging.Info(ctx, "legacy Cognito-style authentication enabled", zap.String("issuer", cfg.LegacyIssuer))
		}
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go janitor.New(st, 10*time.Minute).Run(janitorCtx)

	reg := registry.New()
	disp := dispatcher.New(reg, cred, st, clientICEServers(cfg), meshICEServers(cfg))

	allowedOrigins := splitCSV(cfg.AllowedOrigins)
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	hub := wsserver.NewHub(disp, reg, allowedOrigins)

	rl, err := ratelimit.NewRateLimiter(cfg, st.Client())
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter", zap.Error(err))
		os.Exit(1)
	}

	oauthCfg := credential.OAuthConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURI:  cfg.OAuthRedirectURI,
		TokenURL:     cfg.OAuthTokenURL,
		UserURL:      cfg.OAuthUserURL,
	}
	apiServer := httpapi.NewServer(cred, st, oauthCfg, "https://"+cfg.SessionIssuer+"/rooms", cfg.GoEnv != "production")
	healthHandler := health.NewHandler(st)

	router := apiServer.Router(rl, allowedOrigins, healthHandler)
	router.GET("/ws", hub.ServeWs)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown", zap.Error(err))
	}
}

// splitCSV parses a comma-separated environment value into a trimmed,
// non-empty slice. An empty input yields an empty (not nil-panicking)
// slice, since allowed-origin lists are optional per §4.1.
func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// meshICEServers is STUN-only: worker-to-worker mesh connections are
// expected to reach each other directly, so TURN is never offered.
func meshICEServers(cfg *config.Config) []dispatcher.ICEServer {
	if len(cfg.ICEStunURLs) == 0 {
		return nil
	}
	return []dispatcher.ICEServer{{URLs: cfg.ICEStunURLs}}
}

// clientICEServers is STUN plus, when TURN_HOST and TURN_PASSWORD are both
// configured, a TURN entry carrying the username/credential a client needs
// to actually authenticate against it.
func clientICEServers(cfg *config.Config) []dispatcher.ICEServer {
	var servers []dispatcher.ICEServer
	if len(cfg.ICEStunURLs) > 0 {
		servers = append(servers, dispatcher.ICEServer{URLs: cfg.ICEStunURLs})
	}
	if cfg.TURNHost != "" && cfg.TURNPassword != "" {
		servers = append(servers, dispatcher.ICEServer{
			URLs: []string{
				"turn:" + cfg.TURNHost + ":" + cfg.TURNPort + "?transport=udp",
				"turn:" + cfg.TURNHost + ":" + cfg.TURNPort + "?transport=tcp",
			},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}
	return servers
}
