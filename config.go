package agora

import (
	"fmt"
	"time"

	"github.com/agora-chat/agora/types"
	"github.com/gookit/validate"
)

// ChatConfig carries everything a session needs beyond its keypair. The zero
// value of every tunable means "use the default".
type ChatConfig struct {
	Topic    types.Topic    `json:"topic" validate:"required"`
	Username types.UserName `json:"username" validate:"required|minLen:1|maxLen:64"`

	// Address pins the expected identity. When set, NewChat refuses a
	// keypair that derives to anything else; this catches a swapped
	// keystore before a single byte goes out under the wrong name.
	Address types.Address `json:"address,omitempty"`

	AnnounceInterval time.Duration `json:"announce_interval,omitempty"`
	FetchInterval    time.Duration `json:"fetch_interval,omitempty"`
	UpdaterInterval  time.Duration `json:"updater_interval,omitempty"`
	IdleEviction     time.Duration `json:"idle_eviction,omitempty"`

	HistoryMaxBytes    int `json:"history_max_bytes,omitempty"`
	TrimBatch          int `json:"trim_batch,omitempty"`
	SelectBatch        int `json:"select_batch,omitempty"`
	LoadedCacheEntries int `json:"loaded_cache_entries,omitempty"`

	// EnforceMonotonicIndex drops roster announcements whose feed index is
	// lower than what we already hold for that address. Off by default:
	// a participant restarting without local state legitimately announces
	// a lower index until it catches up with its own feed.
	EnforceMonotonicIndex bool `json:"enforce_monotonic_index,omitempty"`
}

// DefaultAnnounceInterval is the presence heartbeat. It has to undercut the
// idle eviction threshold by a wide margin so a healthy participant is never
// evicted between heartbeats.
const DefaultAnnounceInterval = 30 * time.Second

// Validate checks the schema-level rules.
func (c *ChatConfig) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		return fmt.Errorf("chat config: %s", v.Errors.One())
	}
	return nil
}

// withDefaults returns a copy with every zero tunable filled in.
func (c ChatConfig) withDefaults() ChatConfig {
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.FetchInterval <= 0 {
		c.FetchInterval = DefaultFetchInterval
	}
	if c.UpdaterInterval <= 0 {
		c.UpdaterInterval = DefaultUpdaterInterval
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = DefaultIdleEviction
	}
	if c.HistoryMaxBytes <= 0 {
		c.HistoryMaxBytes = DefaultHistoryMaxBytes
	}
	if c.TrimBatch <= 0 {
		c.TrimBatch = DefaultTrimBatch
	}
	if c.SelectBatch <= 0 {
		c.SelectBatch = DefaultSelectBatch
	}
	if c.LoadedCacheEntries <= 0 {
		c.LoadedCacheEntries = DefaultLoadedCacheSize
	}
	return c
}
