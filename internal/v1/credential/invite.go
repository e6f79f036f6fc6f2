package credential

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
)

const (
	inviteCodeLength = 8
	inviteTTL        = time.Hour
	inviteAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // unambiguous upper-case + digits
)

// Invite is a short-lived, in-memory room invitation. Invites are lost on
// restart by design (§3) — they are a convenience for out-of-band sharing,
// never a durable grant.
type Invite struct {
	Code      string
	RoomID    string
	CreatedBy string
	ExpiresAt time.Time
}

// inviteRegistry holds live invites in memory, pruning each entry with a
// timer set to its TTL when it is issued — no background sweep goroutine is
// needed for a map this small.
type inviteRegistry struct {
	mu      sync.Mutex
	invites map[string]*Invite
}

func newInviteRegistry() *inviteRegistry {
	return &inviteRegistry{invites: make(map[string]*Invite)}
}

func randomInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(inviteAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = inviteAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// IssueInvite mints an 8-character invite code with a one-hour TTL.
func (e *Engine) IssueInvite(roomID, createdBy string) (*Invite, error) {
	code, err := randomInviteCode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to generate invite code", err)
	}

	inv := &Invite{
		Code:      code,
		RoomID:    roomID,
		CreatedBy: createdBy,
		ExpiresAt: time.Now().UTC().Add(inviteTTL),
	}

	reg := e.invites
	reg.mu.Lock()
	reg.invites[code] = inv
	reg.mu.Unlock()

	ttl := inviteTTL
	time.AfterFunc(ttl, func() {
		reg.mu.Lock()
		delete(reg.invites, code)
		reg.mu.Unlock()
	})

	metrics.CredentialIssuedTotal.WithLabelValues("invite").Inc()
	return inv, nil
}

// RedeemInvite looks up a code and returns the room it targets. Invites are
// reusable until expiry rather than single-use: a room owner sharing one
// link with several workers should not have it burn out after the first
// join.
func (e *Engine) RedeemInvite(code string) (*Invite, error) {
	reg := e.invites
	reg.mu.Lock()
	inv, ok := reg.invites[code]
	reg.mu.Unlock()

	if !ok {
		metrics.CredentialRejectedTotal.WithLabelValues("invite", "not_found").Inc()
		return nil, apperrors.NotFound("invite code not found or expired")
	}
	if time.Now().UTC().After(inv.ExpiresAt) {
		metrics.CredentialRejectedTotal.WithLabelValues("invite", "expired").Inc()
		return nil, apperrors.Expired("invite code expired")
	}
	return inv, nil
}
