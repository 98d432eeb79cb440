package agora

import (
	"context"
	"sync"
	"time"

	"github.com/agora-chat/agora/types"
	"github.com/sirupsen/logrus"
)

// DefaultUpdaterInterval is how often a mandated updater checks its buffer
// and publishes the next history generation.
const DefaultUpdaterInterval = 5 * time.Second

// UpdaterCoordinator decides when this participant publishes the next history
// checkpoint. Every history entry observed on the broadcast channel names the
// one participant mandated to publish the generation after it; entries naming
// us are buffered here and consumed by the publish loop.
type UpdaterCoordinator struct {
	topic    types.Topic
	self     types.Address
	gsoc     GsocClient
	roster   *Roster
	history  *HistoryStore
	resolver *SnapshotResolver

	interval            time.Duration
	convergenceRetries  int
	convergenceInterval time.Duration

	candidates   []HistoryRef
	consumed     map[mandateKey]bool
	candidatesMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// mandateKey identifies a mandate across rebroadcasts. Gen is part of the key
// because the seed entry has an empty ref; consuming one generation-zero
// mandate must not block a later re-seed.
type mandateKey struct {
	gen uint64
	ref types.Reference
}

// NewUpdaterCoordinator creates a coordinator. Start spawns the publish loop.
func NewUpdaterCoordinator(topic types.Topic, self types.Address, gsoc GsocClient, roster *Roster, history *HistoryStore, resolver *SnapshotResolver) *UpdaterCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &UpdaterCoordinator{
		topic:    topic,
		self:     self,
		gsoc:     gsoc,
		roster:   roster,
		history:  history,
		resolver: resolver,
		interval: DefaultUpdaterInterval,
		consumed: make(map[mandateKey]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the publish loop.
func (u *UpdaterCoordinator) Start() {
	go u.publishLoop()
}

// Stop shuts the publish loop down.
func (u *UpdaterCoordinator) Stop() {
	u.cancel()
}

// HandleEntry processes a history entry observed on the broadcast channel.
// Every entry advances the store's notion of the latest checkpoint; entries
// that mandate us as updater are buffered for the publish loop.
func (u *UpdaterCoordinator) HandleEntry(entry HistoryRef) {
	u.history.CommitEntry(entry)

	if entry.Updater != u.self {
		return
	}

	u.candidatesMu.Lock()
	defer u.candidatesMu.Unlock()
	if u.consumed[mandateKey{entry.Gen, entry.Ref}] {
		return // stale rebroadcast of a mandate we already acted on
	}
	for _, existing := range u.candidates {
		if existing.Gen == entry.Gen && existing.Ref == entry.Ref {
			return // rebroadcast of something already buffered
		}
	}
	u.candidates = append(u.candidates, entry)
	logrus.Debugf("🧾 buffered updater mandate gen=%d ref=%s", entry.Gen, entry.Ref)
}

// PendingCandidates reports how many mandates are waiting to be consumed.
func (u *UpdaterCoordinator) PendingCandidates() int {
	u.candidatesMu.Lock()
	defer u.candidatesMu.Unlock()
	return len(u.candidates)
}

func (u *UpdaterCoordinator) publishLoop() {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.publishIfMandated()
		case <-u.ctx.Done():
			return
		}
	}
}

// publishIfMandated consumes the best buffered mandate and publishes the next
// generation. The buffer is only drained after the new entry has converged;
// a failed publish leaves the mandate in place so the next tick retries it.
func (u *UpdaterCoordinator) publishIfMandated() {
	u.candidatesMu.Lock()
	if len(u.candidates) == 0 {
		u.candidatesMu.Unlock()
		return
	}
	best := selectBestCandidate(u.candidates)
	u.candidatesMu.Unlock()

	if err := u.publishNext(best); err != nil {
		logrus.Warnf("⏳ history publish for gen %d did not stick: %v", best.Gen+1, err)
		return
	}

	u.candidatesMu.Lock()
	u.consumed[mandateKey{best.Gen, best.Ref}] = true
	kept := u.candidates[:0]
	for _, candidate := range u.candidates {
		if candidate.Gen > best.Gen {
			kept = append(kept, candidate)
		}
	}
	u.candidates = kept
	u.candidatesMu.Unlock()
}

// publishNext merges the mandate's snapshot into local history, uploads the
// merged result, and broadcasts the next-generation entry until the channel
// reflects it. The next updater is drawn at random from the roster so the
// mandate keeps moving between participants.
func (u *UpdaterCoordinator) publishNext(mandate HistoryRef) error {
	ctx, cancelCtx := context.WithTimeout(u.ctx, time.Minute)
	defer cancelCtx()

	if err := u.history.MergeRemote(ctx, mandate.Ref); err != nil {
		// Publish anyway: local history is still worth checkpointing, and
		// the ledger has already judged the dead ref.
		logrus.Warnf("📸 merging snapshot behind %s failed, publishing local state: %v", mandate.Ref, err)
	}

	merged, err := u.history.TrimmedCopy()
	if err != nil {
		return err
	}
	ref, err := u.resolver.Publish(ctx, merged)
	if err != nil {
		return err
	}

	next := u.roster.PickRandomUpdater(u.self)
	entry := HistoryRef{
		Gen:     mandate.Gen + 1,
		Ref:     ref,
		Updater: next,
		Ts:      time.Now().UnixMilli(),
	}
	payload, err := entry.Encode()
	if err != nil {
		return err
	}

	err = WaitForBroadcast(ctx, WaitOptions{
		MaxRetries: u.convergenceRetries,
		Interval:   u.convergenceInterval,
		Broadcast: func(ctx context.Context) error {
			return u.gsoc.Broadcast(ctx, u.topic, ResourceHistory, payload)
		},
		Condition: func(ctx context.Context) (bool, error) {
			latest, err := u.gsoc.FetchLatest(ctx, u.topic, ResourceHistory)
			if err != nil {
				return false, err
			}
			observed, err := DecodeHistoryRef(latest)
			if err != nil {
				return false, err
			}
			if observed.Gen > entry.Gen {
				return true, nil // someone already published past us
			}
			return observed.Gen == entry.Gen && observed.Ref == entry.Ref, nil
		},
	})
	if err != nil {
		return err
	}

	u.history.CommitEntry(entry)
	checkpointsPublishedTotal.Inc()
	logrus.Infof("📸 published history gen=%d ref=%s, next updater %s", entry.Gen, entry.Ref, next)
	return nil
}

// selectBestCandidate returns the mandate worth acting on: highest
// generation, latest timestamp on ties.
func selectBestCandidate(candidates []HistoryRef) HistoryRef {
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Supersedes(best) {
			best = candidate
		}
	}
	return best
}
