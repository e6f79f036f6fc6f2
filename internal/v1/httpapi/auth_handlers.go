package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/store"
)

type githubCallbackRequest struct {
	Code string `json:"code" binding:"required"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

// githubCallback exchanges an OAuth authorization code for a session
// token and upserts the User row, per §4.1's OAuth exchange operation.
// The redirect URI is read from server configuration, never from the
// request body, so a caller cannot redirect the exchange to an arbitrary
// endpoint.
func (s *Server) githubCallback(c *gin.Context) {
	var req githubCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidRequest("missing authorization code"))
		return
	}

	token, err := s.cred.ExchangeOAuthCode(c.Request.Context(), s.oauth, req.Code)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse{Token: token})
}

type createWorkerTokenRequest struct {
	RoomID        string `json:"room_id" binding:"required"`
	WorkerName    string `json:"worker_name" binding:"required"`
	ExpiresInDays *int   `json:"expires_in_days,omitempty"`
}

type workerTokenResponse struct {
	TokenID    string  `json:"token_id"`
	RoomID     string  `json:"room_id"`
	WorkerName string  `json:"worker_name"`
	Key        string  `json:"key,omitempty"`
	CreatedAt  string  `json:"created_at"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	RevokedAt  *string `json:"revoked_at,omitempty"`
}

// createWorkerToken mints a WorkerToken for a room the caller belongs to,
// per §4.3. Membership is required so a caller can only mint credentials
// for rooms they have a relation to.
func (s *Server) createWorkerToken(c *gin.Context) {
	var req createWorkerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidRequest("room_id and worker_name are required"))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.GetMembership(ctx, userID(c), req.RoomID); err != nil {
		writeError(c, apperrors.NotFound("room not found"))
		return
	}

	key, err := s.cred.IssueWorkerAPIKey(ctx, userID(c), req.RoomID, req.WorkerName)
	if err != nil {
		writeError(c, err)
		return
	}

	tok, err := s.store.GetWorkerToken(ctx, key)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.ExpiresInDays != nil {
		expiry := time.Now().UTC().AddDate(0, 0, *req.ExpiresInDays)
		tok.ExpiresAt = &expiry
		if err := s.store.PutWorkerToken(ctx, tok); err != nil {
			writeError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, toWorkerTokenResponse(tok, key))
}

// listWorkerTokens lists the caller's own WorkerTokens. Nothing is
// redacted except the OTP secret, which belongs to the room rather than
// the token and is never part of this response, per §4.3.
func (s *Server) listWorkerTokens(c *gin.Context) {
	toks, err := s.store.QueryWorkerTokensByUser(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]workerTokenResponse, 0, len(toks))
	for i := range toks {
		out = append(out, toWorkerTokenResponse(&toks[i], ""))
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out})
}

// revokeWorkerToken sets revoked_at on a caller-owned token. It reports
// 404 for a token the caller does not own rather than 403, and is
// idempotent — revoking an already-revoked token still returns 204.
func (s *Server) revokeWorkerToken(c *gin.Context) {
	ctx := c.Request.Context()
	tokenID := c.Param("id")

	tok, err := s.store.GetWorkerToken(ctx, tokenID)
	if err != nil || tok.UserID != userID(c) {
		writeError(c, apperrors.NotFound("token not found"))
		return
	}

	if err := s.store.RevokeWorkerToken(ctx, tokenID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func toWorkerTokenResponse(tok *store.WorkerToken, key string) workerTokenResponse {
	resp := workerTokenResponse{
		TokenID:    tok.TokenID,
		RoomID:     tok.RoomID,
		WorkerName: tok.WorkerName,
		Key:        key,
		CreatedAt:  tok.CreatedAt.Format(time.RFC3339),
	}
	if tok.ExpiresAt != nil {
		v := tok.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &v
	}
	if tok.RevokedAt != nil {
		v := tok.RevokedAt.Format(time.RFC3339)
		resp.RevokedAt = &v
	}
	return resp
}
