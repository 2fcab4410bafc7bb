package swcache

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	network   atomic.Uint64
	fallbacks atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	switch src {
	case SourceHit:
		s.hits.Add(1)
	case SourceMiss:
		s.misses.Add(1)
	case SourceNetwork:
		s.network.Add(1)
	case SourceFallback:
		s.fallbacks.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalRespBytes.Add(n)
	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Network   uint64 `json:"network"`
	Fallbacks uint64 `json:"fallbacks"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Network:   s.network.Load(),
		Fallbacks: s.fallbacks.Load(),
	}
	out.TotalResponses = out.Hits + out.Misses + out.Network + out.Fallbacks
	if out.TotalResponses == 0 {
		return out
	}
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	if minv := s.minRespBytes.Load(); minv != math.MaxUint64 {
		out.MinRespBytes = minv
	}
	out.AvgRespBytes = out.TotalRespBytes / out.TotalResponses
	return out
}
