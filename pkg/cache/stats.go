package cache

import "sync/atomic"

// Statistics tracks cache activity with lock-free counters.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// HitRate returns hits over lookups, or 0 with no lookups.
func (s Snapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s *Statistics) snapshot() Snapshot {
	return Snapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Size:      s.size.Load(),
	}
}
