// Package credential is the Credential Engine: it issues and verifies the
// three credential families peers use to cross the trust boundary into the
// Room Registry — short-lived session tokens, long-lived worker API keys,
// and per-room OTP secrets — plus OAuth code exchange and an optional
// legacy JWKS-backed verify path kept for backwards compatibility.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/auth"
	"github.com/relaymesh/signalserver/internal/v1/logging"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
	"github.com/relaymesh/signalserver/internal/v1/store"
)

// workerKeyPrefix marks worker API keys so they are visually distinguishable
// from session tokens and invite codes in logs, bug reports, and Redis keys.
const workerKeyPrefix = "wtk_"

// SessionClaims is the claims document carried by session tokens.
type SessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Engine is the Credential Engine. A single Engine issues and verifies
// session tokens and worker API keys; once WithLegacyValidator has attached
// a JWKS-backed validator, the same Engine also backs the optional
// Cognito-style verify path.
type Engine struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string

	store *store.Store

	legacyValidator *auth.Validator

	invites *inviteRegistry
}

// New builds the primary Credential Engine from PEM-encoded RSA keys.
func New(privateKeyPEM, publicKeyPEM, issuer string, st *store.Store) (*Engine, error) {
	priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session signing key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session verification key: %w", err)
	}

	return &Engine{
		privateKey: priv,
		publicKey:  pub,
		issuer:     issuer,
		store:      st,
		invites:    newInviteRegistry(),
	}, nil
}

// WithLegacyValidator attaches a JWKS-backed validator, turning on the
// legacy Cognito-style verify path alongside the primary RS256 path.
func (e *Engine) WithLegacyValidator(v *auth.Validator) *Engine {
	e.legacyValidator = v
	return e
}

// IssueSessionToken produces an RS256-signed claims document valid for
// seven days, per §4.1.
func (e *Engine) IssueSessionToken(userID, username string) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    e.issuer,
			Audience:  jwt.ClaimStrings{e.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(7 * 24 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(e.privateKey)
	if err != nil {
		metrics.CredentialRejectedTotal.WithLabelValues("session", "sign_failed").Inc()
		return "", apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to issue session token", err)
	}
	metrics.CredentialIssuedTotal.WithLabelValues("session").Inc()
	return signed, nil
}

// VerifySessionToken validates signature, issuer, audience, and expiry.
// Every failure collapses to unauthenticated; the token body is never
// logged.
func (e *Engine) VerifySessionToken(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return e.publicKey, nil
	}, jwt.WithIssuer(e.issuer), jwt.WithAudience(e.issuer), jwt.WithValidMethods([]string{"RS256"}))

	if err != nil || !token.Valid {
		metrics.CredentialRejectedTotal.WithLabelValues("session", "invalid").Inc()
		return nil, apperrors.Unauthenticated("invalid or expired session token")
	}
	return claims, nil
}

// IssueWorkerAPIKey generates a 192-bit URL-safe key, persists a WorkerToken
// row keyed by the key itself, and returns it to the caller once.
func (e *Engine) IssueWorkerAPIKey(ctx context.Context, userID, roomID, workerName string) (string, error) {
	raw := make([]byte, 24) // 192 bits
	if _, err := rand.Read(raw); err != nil {
		return "", apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to generate worker key", err)
	}
	key := workerKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	tok := &store.WorkerToken{
		TokenID:    key,
		UserID:     userID,
		RoomID:     roomID,
		WorkerName: workerName,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.PutWorkerToken(ctx, tok); err != nil {
		return "", err
	}

	metrics.CredentialIssuedTotal.WithLabelValues("worker_key").Inc()
	return key, nil
}

// WorkerIdentity is what a validated worker API key resolves to.
type WorkerIdentity struct {
	UserID     string
	RoomID     string
	WorkerName string
}

// ValidateWorkerAPIKey looks up the WorkerToken row, checks revocation,
// expiry, and that the referenced Room still exists and has not expired.
func (e *Engine) ValidateWorkerAPIKey(ctx context.Context, key string) (*WorkerIdentity, error) {
	tok, err := e.store.GetWorkerToken(ctx, key)
	if err != nil {
		metrics.CredentialRejectedTotal.WithLabelValues("worker_key", "not_found").Inc()
		return nil, apperrors.Unauthenticated("invalid worker API key")
	}
	if !tok.Valid(time.Now().UTC()) {
		metrics.CredentialRejectedTotal.WithLabelValues("worker_key", "revoked_or_expired").Inc()
		return nil, apperrors.Unauthenticated("invalid worker API key")
	}

	room, err := e.store.GetRoom(ctx, tok.RoomID)
	if err != nil {
		metrics.CredentialRejectedTotal.WithLabelValues("worker_key", "room_gone").Inc()
		return nil, apperrors.Unauthenticated("invalid worker API key")
	}
	if time.Now().UTC().After(room.ExpiresAt) {
		metrics.CredentialRejectedTotal.WithLabelValues("worker_key", "room_expired").Inc()
		return nil, apperrors.Unauthenticated("invalid worker API key")
	}

	return &WorkerIdentity{UserID: tok.UserID, RoomID: tok.RoomID, WorkerName: tok.WorkerName}, nil
}

// IssueOTPSecret generates a 160-bit base32 secret. The server transports
// this to authorized workers but never evaluates TOTP codes itself.
func IssueOTPSecret() (string, error) {
	raw := make([]byte, 20) // 160 bits
	if _, err := rand.Read(raw); err != nil {
		return "", apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to generate OTP secret", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	metrics.CredentialIssuedTotal.WithLabelValues("otp").Inc()
	return secret, nil
}

// VerifyLegacyToken validates a token under the optional Cognito-style JWKS
// path. Returns unauthenticated if the legacy path is not configured.
func (e *Engine) VerifyLegacyToken(ctx context.Context, tokenString string) (*auth.CustomClaims, error) {
	if e.legacyValidator == nil {
		return nil, apperrors.Unauthenticated("legacy authentication is not configured")
	}
	claims, err := e.legacyValidator.ValidateToken(tokenString)
	if err != nil {
		metrics.CredentialRejectedTotal.WithLabelValues("legacy", "invalid").Inc()
		logging.Warn(ctx, "legacy token rejected", zap.Error(err))
		return nil, apperrors.Unauthenticated("invalid or expired token")
	}
	return claims, nil
}
