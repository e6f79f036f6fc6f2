package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/credential"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
	"github.com/relaymesh/signalserver/internal/v1/store"
)

// Dev-mode bootstrap endpoints: an anonymous-signin + create-room pair that
// bypasses the GitHub OAuth exchange, grounded on the original
// create_test_room.py/test_discovery.py local-testing flow (POST
// /anonymous-signin -> {id_token}, then POST /create-room with that token
// as a bearer -> {room_id, token}). Registered only when devMode is set —
// never reachable with GO_ENV=production.

type anonymousSigninResponse struct {
	IDToken string `json:"id_token"`
}

// anonymousSignin issues a session token for a synthetic, unauthenticated
// identity, standing in for a real OAuth round trip during local testing.
func (s *Server) anonymousSignin(c *gin.Context) {
	sub, err := randomToken(12)
	if err != nil {
		writeError(c, apperrors.UpstreamFailure(err))
		return
	}
	token, err := s.cred.IssueSessionToken("anon:"+sub, "anonymous")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, anonymousSigninResponse{IDToken: token})
}

type devCreateRoomResponse struct {
	RoomID string `json:"room_id"`
	Token  string `json:"token"`
}

// devCreateRoom verifies the bearer id_token from anonymousSignin directly
// (rather than through the requireSession middleware, since this route
// sits outside the authenticated group) and creates a room the same way
// createRoom does, answering with the {room_id, token} shape the bypass
// scripts expect — "token" here is the room password a WS register call
// echoes back as its legacy `token` field.
func (s *Server) devCreateRoom(c *gin.Context) {
	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, prefix) {
		writeError(c, apperrors.Unauthenticated("missing bearer id_token"))
		return
	}
	claims, err := s.cred.VerifySessionToken(strings.TrimPrefix(header, prefix))
	if err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	roomID, err := randomToken(9)
	if err != nil {
		writeError(c, apperrors.UpstreamFailure(err))
		return
	}
	password, err := randomToken(16)
	if err != nil {
		writeError(c, apperrors.UpstreamFailure(err))
		return
	}
	otpSecret, err := credential.IssueOTPSecret()
	if err != nil {
		writeError(c, err)
		return
	}

	room := &store.Room{
		RoomID:    roomID,
		CreatedBy: claims.Subject,
		Password:  password,
		OTPSecret: otpSecret,
		ExpiresAt: time.Now().UTC().Add(roomTTL),
	}
	if err := s.store.PutRoom(ctx, room); err != nil {
		writeError(c, err)
		return
	}

	membership := &store.RoomMembership{
		UserID:   claims.Subject,
		RoomID:   roomID,
		Role:     store.RoleOwner,
		JoinedAt: time.Now().UTC(),
	}
	if err := s.store.PutMembership(ctx, membership); err != nil {
		writeError(c, err)
		return
	}
	metrics.RoomsCreatedTotal.Inc()

	c.JSON(http.StatusCreated, devCreateRoomResponse{RoomID: roomID, Token: password})
}
