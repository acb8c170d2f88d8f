package cache

import "fmt"

// Stats tracks cache-level counters, mirroring how go-fuse tracks its
// entry/attribute cache hit rates.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

func (s *Stats) addHit()       { s.Hits++ }
func (s *Stats) addMiss()      { s.Misses++ }
func (s *Stats) addEviction()  { s.Evictions++ }
func (s *Stats) addWriteback() { s.Writebacks++ }

func (s Stats) String() string {
	return fmt.Sprintf("hits=%d misses=%d evictions=%d writebacks=%d", s.Hits, s.Misses, s.Evictions, s.Writebacks)
}
