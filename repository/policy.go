package repository

import (
	"sort"
	"time"
)

// EvictionInfo is a snapshot of an entry handed to EvictionPolicy
type EvictionInfo struct {
	// ID identifies the entry within the repository, not meaningful to policies
	ID             uint64
	Weight         SpaceWeight
	LastAccessTime time.Time
	UsageCount     int64
	InsertionOrder uint64
	Locked         bool
}

// EvictionPolicy decides when and what to evict.
// Both methods must be free of side effects.
type EvictionPolicy interface {
	// IsNecessary returns true if a sweep must select entries for the given total weight
	IsNecessary(totalWeight SpaceWeight) bool
	// SelectForEviction returns entries to evict, cheapest-to-evict first
	SelectForEviction(infos []EvictionInfo) []EvictionInfo
}

// sortByLeastRecentlyUsed returns a sorted copy, oldest access first, ties by insertion order
func sortByLeastRecentlyUsed(infos []EvictionInfo) []EvictionInfo {
	sorted := make([]EvictionInfo, len(infos))
	copy(sorted, infos)

	sort.SliceStable(sorted, func(i int, j int) bool {
		if !sorted[i].LastAccessTime.Equal(sorted[j].LastAccessTime) {
			return sorted[i].LastAccessTime.Before(sorted[j].LastAccessTime)
		}
		return sorted[i].InsertionOrder < sorted[j].InsertionOrder
	})
	return sorted
}

// SizeEvictionPolicy evicts least recently used entries once total weight exceeds HighWaterMark,
// until total weight drops to LowWaterMark or below
type SizeEvictionPolicy struct {
	HighWaterMark SpaceWeight
	LowWaterMark  SpaceWeight
}

// NewSizeEvictionPolicy creates SizeEvictionPolicy keeping total weight at most maxWeight
func NewSizeEvictionPolicy(maxWeight SpaceWeight) *SizeEvictionPolicy {
	return &SizeEvictionPolicy{
		HighWaterMark: maxWeight,
		LowWaterMark:  maxWeight,
	}
}

// NewSizeEvictionPolicyWithLowWaterMark creates SizeEvictionPolicy with separate marks.
// lowWaterMark is capped to highWaterMark.
func NewSizeEvictionPolicyWithLowWaterMark(highWaterMark SpaceWeight, lowWaterMark SpaceWeight) *SizeEvictionPolicy {
	if lowWaterMark > highWaterMark || lowWaterMark < 0 {
		lowWaterMark = highWaterMark
	}

	return &SizeEvictionPolicy{
		HighWaterMark: highWaterMark,
		LowWaterMark:  lowWaterMark,
	}
}

// IsNecessary returns true if totalWeight is above high water mark
func (policy *SizeEvictionPolicy) IsNecessary(totalWeight SpaceWeight) bool {
	return totalWeight > policy.HighWaterMark
}

// SelectForEviction selects oldest entries until projected total is at or below low water mark
func (policy *SizeEvictionPolicy) SelectForEviction(infos []EvictionInfo) []EvictionInfo {
	total := SpaceWeight(0)
	for _, info := range infos {
		total = total.Add(info.Weight)
	}

	selected := []EvictionInfo{}
	for _, info := range sortByLeastRecentlyUsed(infos) {
		if total <= policy.LowWaterMark {
			break
		}

		selected = append(selected, info)
		total = total.Sub(info.Weight)
	}
	return selected
}

// LRUEvictionPolicy keeps only the MaxEntries most recently used entries
type LRUEvictionPolicy struct {
	MaxEntries int
}

// NewLRUEvictionPolicy creates LRUEvictionPolicy
func NewLRUEvictionPolicy(maxEntries int) *LRUEvictionPolicy {
	if maxEntries < 0 {
		maxEntries = 0
	}

	return &LRUEvictionPolicy{
		MaxEntries: maxEntries,
	}
}

// IsNecessary always returns true
func (policy *LRUEvictionPolicy) IsNecessary(totalWeight SpaceWeight) bool {
	return true
}

// SelectForEviction returns all but the newest MaxEntries entries
func (policy *LRUEvictionPolicy) SelectForEviction(infos []EvictionInfo) []EvictionInfo {
	if len(infos) <= policy.MaxEntries {
		return []EvictionInfo{}
	}

	sorted := sortByLeastRecentlyUsed(infos)
	return sorted[:len(sorted)-policy.MaxEntries]
}

// NeverEvictionPolicy never evicts, for unbounded caches
type NeverEvictionPolicy struct{}

// NewNeverEvictionPolicy creates NeverEvictionPolicy
func NewNeverEvictionPolicy() *NeverEvictionPolicy {
	return &NeverEvictionPolicy{}
}

// IsNecessary always returns false
func (policy *NeverEvictionPolicy) IsNecessary(totalWeight SpaceWeight) bool {
	return false
}

// SelectForEviction returns nothing
func (policy *NeverEvictionPolicy) SelectForEviction(infos []EvictionInfo) []EvictionInfo {
	return []EvictionInfo{}
}
