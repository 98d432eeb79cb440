package agora

import (
	"sync"

	"github.com/agora-chat/agora/types"
	"github.com/sirupsen/logrus"
)

// Retry budgets for snapshot references. Transient failures (gateway down,
// timeouts) get more slack than validation failures (garbage payloads):
// garbage never fixes itself, but a first bad read can still be a truncated
// download, so one re-check is allowed before the ban.
const (
	MaxRefAttempts        = 3
	MaxRefInvalidAttempts = 2
)

// RefLedger tracks the fate of every snapshot reference the client has been
// pointed at: how often fetching it failed, whether it has been banned, and
// whether it was already consumed. Banning is terminal: a banned ref is
// never fetched again for the lifetime of the session.
type RefLedger struct {
	attempts  map[types.Reference]int
	invalid   map[types.Reference]int
	banned    map[types.Reference]bool
	processed map[types.Reference]bool
	mu        sync.RWMutex
}

// NewRefLedger creates an empty ledger.
func NewRefLedger() *RefLedger {
	return &RefLedger{
		attempts:  make(map[types.Reference]int),
		invalid:   make(map[types.Reference]int),
		banned:    make(map[types.Reference]bool),
		processed: make(map[types.Reference]bool),
	}
}

// ShouldProcess reports whether a reference is still worth fetching.
// Processed and banned references are skipped silently.
func (l *RefLedger) ShouldProcess(ref types.Reference) bool {
	if ref.IsZero() {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.processed[ref] && !l.banned[ref]
}

// MarkSuccess records that a reference resolved and was consumed. Terminal:
// the ref will never be processed again, and its failure counters are
// cleared.
func (l *RefLedger) MarkSuccess(ref types.Reference) {
	if ref.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processed[ref] = true
	delete(l.attempts, ref)
	delete(l.invalid, ref)
}

// MarkFailure records a transient fetch failure. Returns true when the
// failure count reaches MaxRefAttempts and the ref gets banned.
func (l *RefLedger) MarkFailure(ref types.Reference) bool {
	if ref.IsZero() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[ref]++
	if l.attempts[ref] >= MaxRefAttempts {
		l.banned[ref] = true
		logrus.Errorf("🚫 banning ref %s after %d failed fetches", ref, l.attempts[ref])
		return true
	}
	return false
}

// MarkInvalid records that a reference resolved to a payload that failed
// validation. Uses a separate budget from MarkFailure so one corrupt read
// doesn't ban a ref, but persistent garbage does.
func (l *RefLedger) MarkInvalid(ref types.Reference) bool {
	if ref.IsZero() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invalid[ref]++
	if l.invalid[ref] >= MaxRefInvalidAttempts {
		l.banned[ref] = true
		logrus.Errorf("🚫 banning ref %s after %d invalid payloads", ref, l.invalid[ref])
		return true
	}
	return false
}

// IsBanned reports whether a reference has been banned.
func (l *RefLedger) IsBanned(ref types.Reference) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.banned[ref]
}

// BannedCount returns how many refs are currently banned.
func (l *RefLedger) BannedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.banned)
}

// ProcessedCount returns how many refs resolved successfully.
func (l *RefLedger) ProcessedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.processed)
}

// Reset clears all state. Called on session teardown so a restarted session
// starts with a clean slate.
func (l *RefLedger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = make(map[types.Reference]int)
	l.invalid = make(map[types.Reference]int)
	l.banned = make(map[types.Reference]bool)
	l.processed = make(map[types.Reference]bool)
}
