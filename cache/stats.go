package cache

// Stats is a snapshot of a backend's counters.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	StaleHits   uint64 `json:"stale_hits"`
	Writes      uint64 `json:"writes"`
	Deletes     uint64 `json:"deletes"`
	Evictions   uint64 `json:"evictions"`
	Entries     int    `json:"entries"`
	MemoryBytes int    `json:"memory_bytes"`
}

// HitRatio returns hits/(hits+misses), or 0 when no lookups happened.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// TotalRequests returns hits+misses.
func (s Stats) TotalRequests() uint64 {
	return s.Hits + s.Misses
}

// Merge folds other into s. Counters add; gauges take the latest value.
func (s *Stats) Merge(other Stats) {
	s.Hits += other.Hits
	s.Misses += other.Misses
	s.StaleHits += other.StaleHits
	s.Writes += other.Writes
	s.Deletes += other.Deletes
	s.Evictions += other.Evictions
	s.Entries = other.Entries
	s.MemoryBytes = other.MemoryBytes
}
