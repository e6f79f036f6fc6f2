package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/credential"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
	"github.com/relaymesh/signalserver/internal/v1/store"
)

const roomTTL = 24 * time.Hour

type createRoomRequest struct {
	Name string `json:"name,omitempty"`
}

type createRoomResponse struct {
	RoomID    string `json:"room_id"`
	Password  string `json:"password"`
	OTPSecret string `json:"otp_secret"`
	URI       string `json:"uri"`
}

// createRoom generates a password and OTP secret, persists the room, and
// inserts an owner membership for the caller, per §4.3.
func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	_ = c.ShouldBindJSON(&req)

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
		CreatedBy: userID(c),
		Password:  password,
		OTPSecret: otpSecret,
		ExpiresAt: time.Now().UTC().Add(roomTTL),
		Name:      req.Name,
	}
	if err := s.store.PutRoom(ctx, room); err != nil {
		writeError(c, err)
		return
	}

	membership := &store.RoomMembership{
		UserID:   userID(c),
		RoomID:   roomID,
		Role:     store.RoleOwner,
		JoinedAt: time.Now().UTC(),
	}
	if err := s.store.PutMembership(ctx, membership); err != nil {
		writeError(c, err)
		return
	}
	metrics.RoomsCreatedTotal.Inc()

	c.JSON(http.StatusCreated, createRoomResponse{
		RoomID:    roomID,
		Password:  password,
		OTPSecret: otpSecret,
		URI:       s.roomURIBase + "/" + roomID,
	})
}

type roomSummary struct {
	RoomID   string `json:"room_id"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
	JoinedAt string `json:"joined_at,omitempty"`
}

// listRooms lists the caller's rooms via membership. The room's password
// and OTP secret are deliberately left out of this response — they were
// already handed to the caller at creation time and have no reason to be
// re-exposed on every subsequent listing.
func (s *Server) listRooms(c *gin.Context) {
	ctx := c.Request.Context()
	memberships, err := s.store.QueryMembershipsByUser(ctx, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]roomSummary, 0, len(memberships))
	for _, m := range memberships {
		room, err := s.store.GetRoom(ctx, m.RoomID)
		if err != nil {
			continue
		}
		out = append(out, roomSummary{
			RoomID:   room.RoomID,
			Name:     room.Name,
			Role:     string(m.Role),
			JoinedAt: m.JoinedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// requireOwner confirms the caller holds an owner membership for roomID.
// A missing membership and a non-owner membership both collapse to
// not_found, so a probing caller cannot distinguish "room doesn't exist"
// from "you're not the owner" — the same privacy rule §4.3 calls out.
func (s *Server) requireOwner(c *gin.Context, roomID string) bool {
	m, err := s.store.GetMembership(c.Request.Context(), userID(c), roomID)
	if err != nil || m.Role != store.RoleOwner {
		writeError(c, apperrors.NotFound("room not found"))
		return false
	}
	return true
}

// deleteRoom cascade-deletes memberships and tokens, then the room, owner
// only, per §4.3.
func (s *Server) deleteRoom(c *gin.Context) {
	roomID := c.Param("id")
	if !s.requireOwner(c, roomID) {
		return
	}
	if err := s.store.DeleteRoom(c.Request.Context(), roomID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type inviteResponse struct {
	Code      string `json:"code"`
	RoomID    string `json:"room_id"`
	ExpiresAt string `json:"expires_at"`
}

// createInvite generates an 8-character, 1-hour-TTL invite code, owner
// only, per §4.3.
func (s *Server) createInvite(c *gin.Context) {
	roomID := c.Param("id")
	if !s.requireOwner(c, roomID) {
		return
	}

	inv, err := s.cred.IssueInvite(roomID, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inviteResponse{
		Code:      inv.Code,
		RoomID:    inv.RoomID,
		ExpiresAt: inv.ExpiresAt.Format(time.RFC3339),
	})
}

type joinRoomRequest struct {
	Code string `json:"code" binding:"required"`
}

// joinRoom redeems an invite code and creates a member membership if the
// caller doesn't already have one — redeeming the same code twice, or a
// membership that already exists, converges to the same state rather than
// erroring, per §4.2's idempotent-write-path rule.
func (s *Server) joinRoom(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidRequest("invite code is required"))
		return
	}

	inv, err := s.cred.RedeemInvite(req.Code)
	if err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.GetMembership(ctx, userID(c), inv.RoomID); err == nil {
		c.JSON(http.StatusOK, roomSummary{RoomID: inv.RoomID, Role: string(store.RoleMember)})
		return
	}

	membership := &store.RoomMembership{
		UserID:    userID(c),
		RoomID:    inv.RoomID,
		Role:      store.RoleMember,
		InvitedBy: inv.CreatedBy,
		JoinedAt:  time.Now().UTC(),
	}
	if err := s.store.PutMembership(ctx, membership); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, roomSummary{
		RoomID:   inv.RoomID,
		Role:     string(store.RoleMember),
		JoinedAt: membership.JoinedAt.Format(time.RFC3339),
	})
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
