package agora

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryMode describes coarse memory profiles for a chat client.
type MemoryMode string

const (
	MemoryModeAuto   MemoryMode = "auto"
	MemoryModeShort  MemoryMode = "short"
	MemoryModeMedium MemoryMode = "medium"
	MemoryModeHog    MemoryMode = "hog"
	MemoryModeCustom MemoryMode = "custom"
)

// MemoryProfile sizes the local caches. None of these affect the wire
// protocol; a short-profile client and a hog-profile client interoperate,
// one just re-downloads more.
type MemoryProfile struct {
	Mode MemoryMode

	// BudgetMB is the overall memory the profile assumes it may use.
	BudgetMB int

	// ObjectCacheBytes sizes the gateway's immutable-object cache.
	ObjectCacheBytes int

	// LoadedEntries caps the history store's already-loaded dedup cache.
	LoadedEntries int
}

// Chat objects are mostly sub-kilobyte messages plus the odd compressed
// snapshot, so even the short profile caches thousands of them.
var memoryProfiles = map[MemoryMode]MemoryProfile{
	MemoryModeShort: {
		Mode:             MemoryModeShort,
		BudgetMB:         256,
		ObjectCacheBytes: 8 * 1024 * 1024,
		LoadedEntries:    256,
	},
	MemoryModeMedium: {
		Mode:             MemoryModeMedium,
		BudgetMB:         512,
		ObjectCacheBytes: 32 * 1024 * 1024,
		LoadedEntries:    DefaultLoadedCacheSize,
	},
	MemoryModeHog: {
		Mode:             MemoryModeHog,
		BudgetMB:         2048,
		ObjectCacheBytes: 128 * 1024 * 1024,
		LoadedEntries:    4096,
	},
	// Custom leaves every knob at zero; the caller fills them in.
	MemoryModeCustom: {Mode: MemoryModeCustom},
}

// ParseMemoryMode normalizes a mode string into a known MemoryMode.
// Unrecognized input falls back to medium.
func ParseMemoryMode(mode string) MemoryMode {
	normalized := MemoryMode(strings.ToLower(strings.TrimSpace(mode)))
	if normalized == MemoryModeAuto {
		return MemoryModeAuto
	}
	if _, ok := memoryProfiles[normalized]; ok {
		return normalized
	}
	return MemoryModeMedium
}

// MemoryModeForBudget chooses a mode based on available memory budget.
func MemoryModeForBudget(budgetMB int) MemoryMode {
	switch {
	case budgetMB <= 512:
		return MemoryModeShort
	case budgetMB <= 2048:
		return MemoryModeMedium
	default:
		return MemoryModeHog
	}
}

// MemoryProfileForMode returns the default profile for a given mode.
func MemoryProfileForMode(mode MemoryMode) MemoryProfile {
	if profile, ok := memoryProfiles[mode]; ok {
		return profile
	}
	return memoryProfiles[MemoryModeMedium]
}

// DefaultMemoryProfile returns the standard profile (medium).
func DefaultMemoryProfile() MemoryProfile {
	return MemoryProfileForMode(MemoryModeMedium)
}

// AutoMemoryProfile picks a profile from the host's memory, honoring a
// container limit when one is set. The returned string names the source of
// the measurement (cgroup or system).
func AutoMemoryProfile() (MemoryProfile, string, error) {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return DefaultMemoryProfile(), "default", err
	}

	budgetBytes, source := vmem.Total, "system"
	if limit := containerMemoryLimit(vmem.Total); limit > 0 && limit < vmem.Total {
		budgetBytes, source = limit, "cgroup"
	}

	budgetMB := int(budgetBytes / (1024 * 1024))
	return MemoryProfileForMode(MemoryModeForBudget(budgetMB)), source, nil
}

// containerMemoryLimit reads the cgroup memory ceiling, returning 0 when the
// process is unconfined. Cgroup v2 writes "max" for no limit; v1 reports an
// absurdly large number, which the totalBytes comparison filters out.
func containerMemoryLimit(totalBytes uint64) uint64 {
	for _, path := range []string{
		"/sys/fs/cgroup/memory.max",
		"/sys/fs/cgroup/memory/memory.limit_in_bytes",
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		raw := strings.TrimSpace(string(data))
		if raw == "" || raw == "max" {
			return 0
		}
		limit, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || (totalBytes > 0 && limit > totalBytes*2) {
			return 0
		}
		return limit
	}
	return 0
}
