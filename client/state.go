package client

import (
	"sync"
	"time"

	"github.com/mindmirror/mindlink/proto"
)

// trendEpsilon absorbs sample noise so the trend does not flap.
const trendEpsilon = 0.001

type Trend string

const (
	TrendAscending  Trend = "ascending"
	TrendDescending Trend = "descending"
	TrendStable     Trend = "stable"
)

type Sample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is an immutable copy of the mirrored state handed to
// application code.
type Snapshot struct {
	Value      float64   `json:"value"`
	Phase      string    `json:"phase"`
	UpdatedAt  time.Time `json:"updated_at"`
	History    []Sample  `json:"history"`
	Milestones []string  `json:"milestones"`
}

// stateStore holds the mirrored state. It is mutated only from inbound
// state_sync messages on the dispatch loop; the remote authority is the
// single source of truth (last-write-wins, no merging).
type stateStore struct {
	mu         sync.RWMutex
	value      float64
	phase      string
	updatedAt  time.Time
	history    []Sample
	historyCap int
	thresholds []Milestone // ascending
	achieved   map[string]bool
	order      []string
}

func newStateStore(historyCap int, thresholds []Milestone) *stateStore {
	return &stateStore{
		historyCap: historyCap,
		thresholds: thresholds,
		achieved:   make(map[string]bool),
	}
}

// applyInbound replaces value and phase from an authoritative sync,
// appends to the bounded history, and returns the milestones crossed
// for the first time. Crossing a threshold again is a no-op.
func (s *stateStore) applyInbound(p proto.StateSyncPayload, at time.Time) []Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value = p.Value
	if p.Phase != "" {
		s.phase = p.Phase
	}
	s.updatedAt = at

	s.history = append(s.history, Sample{Value: p.Value, Timestamp: at})
	if len(s.history) > s.historyCap {
		s.history = s.history[1:]
	}

	var crossed []Milestone
	for _, m := range s.thresholds {
		if p.Value < m.Threshold {
			break
		}
		if s.achieved[m.Name] {
			continue
		}
		s.achieved[m.Name] = true
		s.order = append(s.order, m.Name)
		crossed = append(crossed, m)
	}
	return crossed
}

// trend compares the last two history samples. Fewer than two samples
// reads as stable.
func (s *stateStore) trend() Trend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if n < 2 {
		return TrendStable
	}
	delta := s.history[n-1].Value - s.history[n-2].Value
	switch {
	case delta > trendEpsilon:
		return TrendAscending
	case delta < -trendEpsilon:
		return TrendDescending
	default:
		return TrendStable
	}
}

// snapshot copies; the internal ring is never handed out.
func (s *stateStore) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]Sample, len(s.history))
	copy(history, s.history)
	milestones := make([]string, len(s.order))
	copy(milestones, s.order)
	return Snapshot{
		Value:      s.value,
		Phase:      s.phase,
		UpdatedAt:  s.updatedAt,
		History:    history,
		Milestones: milestones,
	}
}
