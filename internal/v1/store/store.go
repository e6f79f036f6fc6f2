// Package store is the persistent Identity Store and Room Store: a thin
// Redis-backed layer over four logical tables (Users, Rooms,
// RoomMemberships, WorkerTokens), generalized from the pub/sub primitives
// the teacher used for cross-pod fanout into row storage for durable
// entities. Rows are JSON-encoded Redis string values (SET/GET); secondary
// indices are Redis sets. Every primary-key and secondary-index lookup goes
// through a circuit breaker so a degraded Redis returns an error (or, for a
// secondary-index read, an empty set) rather than hanging the HTTP or WS
// planes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/relaymesh/signalserver/internal/v1/logging"
)

// User is the persistent identity row keyed by external OAuth provider id.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login"`
}

// Room is the persistent room row.
type Room struct {
	RoomID    string    `json:"room_id"`
	CreatedBy string    `json:"created_by"`
	Password  string    `json:"password"`
	OTPSecret string    `json:"otp_secret"`
	ExpiresAt time.Time `json:"expires_at"`
	Name      string    `json:"name,omitempty"`
}

// MembershipRole is the role a user holds within a room.
type MembershipRole string

const (
	RoleOwner  MembershipRole = "owner"
	RoleMember MembershipRole = "member"
)

// RoomMembership is the unique (user_id, room_id) relation.
type RoomMembership struct {
	UserID    string         `json:"user_id"`
	RoomID    string         `json:"room_id"`
	Role      MembershipRole `json:"role"`
	InvitedBy string         `json:"invited_by,omitempty"`
	JoinedAt  time.Time      `json:"joined_at"`
}

// WorkerToken is a persistent long-lived bearer credential bound to a room.
type WorkerToken struct {
	TokenID    string     `json:"token_id"`
	UserID     string     `json:"user_id"`
	RoomID     string     `json:"room_id"`
	WorkerName string     `json:"worker_name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Valid reports whether a WorkerToken may still authenticate a register
// call, per §4.1's `validate_worker_api_key` invariant. The referenced
// Room's existence and expiry is checked separately by the caller.
func (t *WorkerToken) Valid(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
		return false
	}
	return true
}

// Store is the Redis-backed Identity Store + Room Store.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// New creates a Store, verifying connectivity immediately.
func New(addr, password string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to store backend: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store").Set(stateVal)
		},
	}

	return &Store{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Client exposes the underlying Redis client for components (rate limiting)
// that need their own keyspace on the same connection.
func (s *Store) Client() *redis.Client { return s.client }

// Close releases the Redis connection.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.execute(ctx, "ping", func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// execute wraps a store call with the circuit breaker, operation metrics,
// and a uniform upstream_failure translation on non-breaker errors.
func (s *Store) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.StoreOperationsTotal.WithLabelValues(op, "not_found").Inc()
			return nil, apperrors.NotFound("row not found")
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("store").Inc()
			metrics.StoreOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			logging.Warn(ctx, "store circuit breaker open", zap.String("op", op))
			return nil, apperrors.Wrap(apperrors.CodeUpstreamFailure, "store temporarily unavailable", err)
		}
		metrics.StoreOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, apperrors.Wrap(apperrors.CodeUpstreamFailure, "store operation failed", err)
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

func userKey(id string) string                  { return "user:" + id }
func roomKey(id string) string                   { return "room:" + id }
func membershipKey(userID, roomID string) string { return "membership:" + userID + ":" + roomID }
func workerTokenKey(id string) string            { return "workertoken:" + id }

func roomMembersKey(roomID string) string { return "room:" + roomID + ":members" }
func userRoomsKey(userID string) string   { return "user:" + userID + ":rooms" }
func userTokensKey(userID string) string  { return "user:" + userID + ":tokens" }
func roomTokensKey(roomID string) string  { return "room:" + roomID + ":tokens" }

// getRow is the shared primary-key GET + JSON-decode path.
func getRow[T any](s *Store, ctx context.Context, op, key string) (*T, error) {
	res, err := s.execute(ctx, op, func() (any, error) {
		return s.client.Get(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, apperrors.NotFound("row not found")
	}
	var row T
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamFailure, "corrupt row", err)
	}
	return &row, nil
}

// putRow is the shared primary-key SET + JSON-encode path.
func putRow(s *Store, ctx context.Context, op, key string, row any, ttl time.Duration) error {
	data, err := json.Marshal(row)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to encode row", err)
	}
	_, err = s.execute(ctx, op, func() (any, error) {
		return nil, s.client.Set(ctx, key, data, ttl).Err()
	})
	return err
}

// --- User ---

func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	return getRow[User](s, ctx, "get_user", userKey(userID))
}

// PutUser is idempotent: a repeated upsert for the same user_id converges
// to the given row (the OAuth exchange supplies CreatedAt only on first
// insert and always refreshes LastLogin).
func (s *Store) PutUser(ctx context.Context, u *User) error {
	return putRow(s, ctx, "put_user", userKey(u.UserID), u, 0)
}

// --- Room ---

func (s *Store) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	return getRow[Room](s, ctx, "get_room", roomKey(roomID))
}

// PutRoom persists the room with a TTL matching its ExpiresAt, realizing
// physical eviction at the storage layer in addition to register-time
// filtering.
func (s *Store) PutRoom(ctx context.Context, r *Room) error {
	ttl := time.Until(r.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second // already-expired rooms still get written, briefly
	}
	return putRow(s, ctx, "put_room", roomKey(r.RoomID), r, ttl)
}

// DeleteRoom removes the room row and cascade-deletes its memberships and
// worker tokens, per the owner-deletion flow in §4.3.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	members, err := s.SetMembers(ctx, roomMembersKey(roomID))
	if err != nil {
		return err
	}
	for _, userID := range members {
		if err := s.DeleteMembership(ctx, userID, roomID); err != nil {
			return err
		}
	}

	tokens, err := s.SetMembers(ctx, roomTokensKey(roomID))
	if err != nil {
		return err
	}
	for _, tokenID := range tokens {
		if _, err := s.execute(ctx, "del_worker_token", func() (any, error) {
			return nil, s.client.Del(ctx, workerTokenKey(tokenID)).Err()
		}); err != nil {
			return err
		}
	}

	_, err = s.execute(ctx, "delete_room", func() (any, error) {
		return nil, s.client.Del(ctx, roomKey(roomID), roomMembersKey(roomID), roomTokensKey(roomID)).Err()
	})
	return err
}

// --- RoomMembership ---

func (s *Store) GetMembership(ctx context.Context, userID, roomID string) (*RoomMembership, error) {
	return getRow[RoomMembership](s, ctx, "get_membership", membershipKey(userID, roomID))
}

// PutMembership is idempotent on (user_id, room_id) and maintains both
// secondary indices.
func (s *Store) PutMembership(ctx context.Context, m *RoomMembership) error {
	if err := putRow(s, ctx, "put_membership", membershipKey(m.UserID, m.RoomID), m, 0); err != nil {
		return err
	}
	if err := s.SetAdd(ctx, roomMembersKey(m.RoomID), m.UserID); err != nil {
		return err
	}
	return s.SetAdd(ctx, userRoomsKey(m.UserID), m.RoomID)
}

func (s *Store) DeleteMembership(ctx context.Context, userID, roomID string) error {
	_, err := s.execute(ctx, "delete_membership", func() (any, error) {
		return nil, s.client.Del(ctx, membershipKey(userID, roomID)).Err()
	})
	if err != nil {
		return err
	}
	if err := s.SetRem(ctx, roomMembersKey(roomID), userID); err != nil {
		return err
	}
	return s.SetRem(ctx, userRoomsKey(userID), roomID)
}

// QueryMembershipsByRoom lists all members of a room (secondary index scan,
// bounded by the set of members — never a full table scan).
func (s *Store) QueryMembershipsByRoom(ctx context.Context, roomID string) ([]RoomMembership, error) {
	userIDs, err := s.SetMembers(ctx, roomMembersKey(roomID))
	if err != nil {
		return nil, err
	}
	rows := make([]RoomMembership, 0, len(userIDs))
	for _, userID := range userIDs {
		m, err := s.GetMembership(ctx, userID, roomID)
		if err != nil {
			continue
		}
		rows = append(rows, *m)
	}
	return rows, nil
}

// QueryMembershipsByUser lists all rooms a user belongs to.
func (s *Store) QueryMembershipsByUser(ctx context.Context, userID string) ([]RoomMembership, error) {
	roomIDs, err := s.SetMembers(ctx, userRoomsKey(userID))
	if err != nil {
		return nil, err
	}
	rows := make([]RoomMembership, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		m, err := s.GetMembership(ctx, userID, roomID)
		if err != nil {
			continue
		}
		rows = append(rows, *m)
	}
	return rows, nil
}

// --- WorkerToken ---

func (s *Store) GetWorkerToken(ctx context.Context, tokenID string) (*WorkerToken, error) {
	return getRow[WorkerToken](s, ctx, "get_worker_token", workerTokenKey(tokenID))
}

func (s *Store) PutWorkerToken(ctx context.Context, t *WorkerToken) error {
	if err := putRow(s, ctx, "put_worker_token", workerTokenKey(t.TokenID), t, 0); err != nil {
		return err
	}
	if err := s.SetAdd(ctx, userTokensKey(t.UserID), t.TokenID); err != nil {
		return err
	}
	return s.SetAdd(ctx, roomTokensKey(t.RoomID), t.TokenID)
}

// RevokeWorkerToken sets revoked_at; retained (non-destructive) per the
// WorkerToken lifecycle.
func (s *Store) RevokeWorkerToken(ctx context.Context, tokenID string) error {
	tok, err := s.GetWorkerToken(ctx, tokenID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	tok.RevokedAt = &now
	return putRow(s, ctx, "revoke_worker_token", workerTokenKey(tokenID), tok, 0)
}

func (s *Store) QueryWorkerTokensByUser(ctx context.Context, userID string) ([]WorkerToken, error) {
	ids, err := s.SetMembers(ctx, userTokensKey(userID))
	if err != nil {
		return nil, err
	}
	rows := make([]WorkerToken, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetWorkerToken(ctx, id)
		if err != nil {
			continue
		}
		rows = append(rows, *t)
	}
	return rows, nil
}

// --- Secondary-index primitives (Redis sets) ---

func (s *Store) SetAdd(ctx context.Context, key, member string) error {
	_, err := s.execute(ctx, "set_add", func() (any, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	return err
}

func (s *Store) SetRem(ctx context.Context, key, member string) error {
	_, err := s.execute(ctx, "set_rem", func() (any, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	return err
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute(ctx, "set_members", func() (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) && appErr.Code == apperrors.CodeUpstreamFailure {
			// Store unavailable (circuit open or a failed call): degrade to an
			// empty index rather than failing the caller.
			return nil, nil
		}
		return nil, err
	}
	members, _ := res.([]string)
	return members, nil
}
