package salonsync

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	network   atomic.Uint64
	stale     atomic.Uint64
	fallbacks atomic.Uint64
	offline   atomic.Uint64

	replayed atomic.Uint64
	failed   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one response served by the interceptor.
func (s *statsCollector) Observe(mark string, respBytes int) {
	switch mark {
	case markHit:
		s.hits.Add(1)
	case markMiss:
		s.misses.Add(1)
	case markNetwork:
		s.network.Add(1)
	case markStale:
		s.stale.Add(1)
	case markFallback:
		s.fallbacks.Add(1)
	case markOffline:
		s.offline.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
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

// ObserveReplay records the outcome of one queued mutation replay.
func (s *statsCollector) ObserveReplay(ok bool) {
	if ok {
		s.replayed.Add(1)
		return
	}
	s.failed.Add(1)
}

type statsSnapshot struct {
	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`

	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Network   uint64 `json:"network"`
	Stale     uint64 `json:"stale"`
	Fallbacks uint64 `json:"fallbacks"`
	Offline   uint64 `json:"offline"`

	Replayed       uint64 `json:"replayed"`
	ReplayFailures uint64 `json:"replayFailures"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Network:        s.network.Load(),
		Stale:          s.stale.Load(),
		Fallbacks:      s.fallbacks.Load(),
		Offline:        s.offline.Load(),
		Replayed:       s.replayed.Load(),
		ReplayFailures: s.failed.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	return out
}
