// Package janitor implements the optional background sweep named in
// §4.9: eviction of Room rows whose TTL already expired in Redis, plus
// the membership and worker-token set entries that would otherwise
// dangle once the primary row is gone. Redis expires the room: key on
// its own; nothing expires the room:<id>:members / room:<id>:tokens
// index sets that point at it, since those only get cleaned up through
// an explicit DeleteRoom cascade.
//
// This sweep is best-effort: stale rooms are already filtered out at
// register time (a registration against an expired room fails the
// same way a registration against a never-created one does), so a
// missed or delayed sweep never produces an incorrect result, only a
// slightly larger set of orphaned index entries until the next pass.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaymesh/signalserver/internal/v1/store"
)

const roomMembersPattern = "room:*:members"

// Janitor periodically sweeps the persistent store for expired rooms.
type Janitor struct {
	store    *store.Store
	interval time.Duration
}

// New builds a Janitor that sweeps at the given interval.
func New(st *store.Store, interval time.Duration) *Janitor {
	return &Janitor{store: st, interval: interval}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := j.Sweep(ctx)
			if err != nil {
				slog.Warn("janitor sweep failed", "error", err)
				continue
			}
			if evicted > 0 {
				slog.Info("janitor evicted expired rooms", "count", evicted)
			}
		}
	}
}

// Sweep scans every room:<id>:members index key, and for each one whose
// room row no longer exists, cascade-deletes the dangling membership
// and token indices via store.DeleteRoom. It returns the number of
// rooms evicted this way.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	client := j.store.Client()
	evicted := 0

	iter := client.Scan(ctx, 0, roomMembersPattern, 100).Iterator()
	for iter.Next(ctx) {
		roomID := roomIDFromMembersKey(iter.Val())
		if roomID == "" {
			continue
		}
		if _, err := j.store.GetRoom(ctx, roomID); err == nil {
			continue // still live
		}
		if err := j.store.DeleteRoom(ctx, roomID); err != nil {
			return evicted, err
		}
		evicted++
	}
	if err := iter.Err(); err != nil {
		return evicted, err
	}
	return evicted, nil
}

// roomIDFromMembersKey strips the "room:" prefix and ":members" suffix
// a roomMembersKey was built with.
func roomIDFromMembersKey(key string) string {
	const prefix = "room:"
	const suffix = ":members"
	if len(key) <= len(prefix)+len(suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}
