package agora

import (
	"crypto/rand"
	"math/big"
	insecurerand "math/rand"
	"sort"
	"sync"
	"time"

	"github.com/agora-chat/agora/types"
	"github.com/sirupsen/logrus"
)

// DefaultIdleEviction is how long a participant may stay silent before the
// roster drops them. With announcements every 30s this is ten missed
// heartbeats in a row. Announcement timestamps are unix milliseconds;
// EvictIdle converts the duration accordingly.
const DefaultIdleEviction = 300 * time.Second

// ActiveUser is the most recent presence announcement from a participant.
// Index is the latest feed position the participant claims to have written,
// or -1 when they haven't posted yet.
type ActiveUser struct {
	Address  types.Address  `json:"address"`
	Username types.UserName `json:"username"`
	Ts       int64          `json:"ts"` // unix ms
	Index    int64          `json:"index"`
}

// Roster tracks which participants are currently active. It is a
// last-applied-wins registry keyed by address: whatever announcement arrives
// last is the one that sticks, matching how the gossip layer delivers them.
type Roster struct {
	users map[types.Address]ActiveUser
	mu    sync.RWMutex

	// enforceMonotonicIndex drops announcements whose index is lower than
	// the stored one. Off by default: a participant that restarts may
	// legitimately re-announce an older index.
	enforceMonotonicIndex bool
}

// NewRoster creates an empty roster.
func NewRoster(enforceMonotonicIndex bool) *Roster {
	return &Roster{
		users:                 make(map[types.Address]ActiveUser),
		enforceMonotonicIndex: enforceMonotonicIndex,
	}
}

// Upsert inserts or replaces the entry for the announcement's address.
// Returns false when the announcement was rejected by the monotonic-index
// guard.
func (r *Roster) Upsert(user ActiveUser) bool {
	if user.Address == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.users[user.Address]; ok && r.enforceMonotonicIndex && user.Index < existing.Index {
		logrus.Debugf("👀 ignoring stale announcement from %s (index %d < %d)", user.Address, user.Index, existing.Index)
		return false
	}
	r.users[user.Address] = user
	return true
}

// Get returns the stored entry for an address.
func (r *Roster) Get(address types.Address) (ActiveUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[address]
	return user, ok
}

// Contains reports whether an address is currently active.
func (r *Roster) Contains(address types.Address) bool {
	_, ok := r.Get(address)
	return ok
}

// Len returns the number of active participants.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Snapshot returns the active participants sorted by address so callers
// iterate in a stable order.
func (r *Roster) Snapshot() []ActiveUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]ActiveUser, 0, len(r.users))
	for _, user := range r.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Address < users[j].Address
	})
	return users
}

// EvictIdle removes every participant whose last announcement is older than
// threshold, and returns the evicted set so history can record departures.
// now is unix milliseconds.
func (r *Roster) EvictIdle(threshold time.Duration, now int64) []ActiveUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []ActiveUser
	cutoff := now - threshold.Milliseconds()
	for address, user := range r.users {
		if user.Ts < cutoff {
			evicted = append(evicted, user)
			delete(r.users, address)
			logrus.Infof("🗑️ evicting idle participant %s (%s), silent for %v", user.Username, address, time.Duration(now-user.Ts)*time.Millisecond)
		}
	}
	return evicted
}

// PickRandomUpdater chooses which active participant should publish the next
// history checkpoint. Uniform among active participants (self included, since
// we announce ourselves too); an empty roster falls back to self so the chat
// never ends up without a mandated updater.
func (r *Roster) PickRandomUpdater(self types.Address) types.Address {
	users := r.Snapshot()
	if len(users) == 0 {
		return self
	}
	return users[randomIndex(len(users))].Address
}

// randomIndex draws from crypto/rand, falling back to math/rand when the
// system source is unavailable.
func randomIndex(n int) int {
	if n <= 1 {
		return 0
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		logrus.Warnf("🎲 crypto/rand unavailable, falling back to math/rand: %v", err)
		return insecurerand.Intn(n)
	}
	return int(idx.Int64())
}
