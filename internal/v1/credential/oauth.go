package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/logging"
	"github.com/relaymesh/signalserver/internal/v1/store"
)

// OAuthConfig is the provider endpoint shape; GitHub's token/user endpoints
// are the reference shape but any provider exposing the same two calls
// works unmodified.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	TokenURL     string
	UserURL      string
}

// oauthTokenResponse is GitHub's access-token exchange response shape.
type oauthTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

// oauthUserResponse is GitHub's /user response shape, trimmed to the
// fields the Identity Store cares about.
type oauthUserResponse struct {
	ID        json.Number `json:"id"`
	Login     string      `json:"login"`
	Email     string      `json:"email"`
	AvatarURL string      `json:"avatar_url"`
}

// ExchangeOAuthCode trades a provider authorization code for a session
// token: it calls the token endpoint, fetches the profile, upserts the
// User row, and issues a session token for it. Any provider-side failure
// surfaces as invalid_request with a sanitized message — the provider's
// raw error body is never forwarded to the caller.
func (e *Engine) ExchangeOAuthCode(ctx context.Context, cfg OAuthConfig, code string) (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	accessToken, err := exchangeCodeForToken(ctx, client, cfg, code)
	if err != nil {
		return "", err
	}

	profile, err := fetchUserProfile(ctx, client, cfg, accessToken)
	if err != nil {
		return "", err
	}

	user := &store.User{
		UserID:    profile.ID.String(),
		Username:  profile.Login,
		Email:     profile.Email,
		AvatarURL: profile.AvatarURL,
		CreatedAt: time.Now().UTC(),
		LastLogin: time.Now().UTC(),
	}
	if existing, err := e.store.GetUser(ctx, user.UserID); err == nil {
		user.CreatedAt = existing.CreatedAt
	}
	if err := e.store.PutUser(ctx, user); err != nil {
		return "", err
	}

	return e.IssueSessionToken(user.UserID, user.Username)
}

func exchangeCodeForToken(ctx context.Context, client *http.Client, cfg OAuthConfig, code string) (string, error) {
	form := url.Values{
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {cfg.RedirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, nil)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidRequest, "failed to build token exchange request", err)
	}
	req.URL.RawQuery = form.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		logging.Error(ctx, "oauth token exchange request failed", zap.Error(err))
		return "", apperrors.InvalidRequest("failed to reach OAuth provider")
	}
	defer func() { _ = resp.Body.Close() }()

	var tokenResp oauthTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", apperrors.InvalidRequest("malformed response from OAuth provider")
	}
	if tokenResp.Error != "" || tokenResp.AccessToken == "" {
		logging.Warn(ctx, "oauth provider rejected code", zap.String("error", tokenResp.Error))
		return "", apperrors.InvalidRequest("OAuth provider rejected the authorization code")
	}
	return tokenResp.AccessToken, nil
}

func fetchUserProfile(ctx context.Context, client *http.Client, cfg OAuthConfig, accessToken string) (*oauthUserResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserURL, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "failed to build profile request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		logging.Error(ctx, "oauth profile fetch failed", zap.Error(err))
		return nil, apperrors.InvalidRequest("failed to fetch profile from OAuth provider")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("OAuth provider returned status %d", resp.StatusCode))
	}

	var profile oauthUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, apperrors.InvalidRequest("malformed profile response from OAuth provider")
	}
	if profile.ID.String() == "" {
		return nil, apperrors.InvalidRequest("OAuth provider profile missing id")
	}
	return &profile, nil
}
