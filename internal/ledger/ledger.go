// Package ledger tracks outstanding work per (channel, level).
//
// Each level owns one mutex covering all of its channels, so the
// read-all/pick-min/increment step of channel selection is atomic with
// respect to other triggers and completions of the same level. Levels
// never contend with each other.
package ledger

import (
	"fmt"
	"sync"

	"priority-dispatch/internal/domain"
)

// Entry is one row of a ledger snapshot.
type Entry struct {
	Channel     domain.Channel `json:"channel"`
	Level       domain.Level   `json:"level"`
	Outstanding int64          `json:"outstanding"`
}

type bucket struct {
	mu       sync.Mutex
	channels []domain.Channel
	counts   []int64
}

// Ledger is the concurrent outstanding-work counter store.
type Ledger struct {
	topology domain.Topology
	buckets  map[domain.Level]*bucket
}

// New creates a ledger with a zero entry for every queue key of the topology.
func New(topology domain.Topology) *Ledger {
	l := &Ledger{
		topology: topology,
		buckets:  make(map[domain.Level]*bucket, len(topology.Levels)),
	}
	for _, level := range topology.Levels {
		l.buckets[level] = &bucket{
			channels: topology.Channels,
			counts:   make([]int64, len(topology.Channels)),
		}
	}
	return l
}

// Acquire selects the least loaded channel for level and increments it.
// Ties go to the lowest channel index.
func (l *Ledger) Acquire(level domain.Level) (domain.QueueKey, int64, error) {
	b, ok := l.buckets[level]
	if !ok {
		return domain.QueueKey{}, 0, fmt.Errorf("%w: %q", domain.ErrInvalidLevel, level)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	best := 0
	for i := 1; i < len(b.counts); i++ {
		if b.counts[i] < b.counts[best] {
			best = i
		}
	}
	b.counts[best]++
	return domain.QueueKey{Channel: b.channels[best], Level: level}, b.counts[best], nil
}

// Release decrements the entry for key. At zero it is a no-op and released is false.
func (l *Ledger) Release(key domain.QueueKey) (remaining int64, released bool, err error) {
	b, i, err := l.locate(key)
	if err != nil {
		return 0, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.counts[i] == 0 {
		return 0, false, nil
	}
	b.counts[i]--
	return b.counts[i], true, nil
}

// Set overwrites the entry for key. Negative values are clamped to zero.
func (l *Ledger) Set(key domain.QueueKey, n int64) error {
	b, i, err := l.locate(key)
	if err != nil {
		return err
	}
	if n < 0 {
		n = 0
	}

	b.mu.Lock()
	b.counts[i] = n
	b.mu.Unlock()
	return nil
}

// Count returns the current value for key.
func (l *Ledger) Count(key domain.QueueKey) (int64, error) {
	b, i, err := l.locate(key)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[i], nil
}

// Snapshot copies every entry, holding each level lock only for its own copy.
func (l *Ledger) Snapshot() []Entry {
	entries := make([]Entry, 0, len(l.topology.Channels)*len(l.topology.Levels))
	for _, level := range l.topology.Levels {
		b := l.buckets[level]
		b.mu.Lock()
		counts := append([]int64(nil), b.counts...)
		b.mu.Unlock()

		for i, c := range b.channels {
			entries = append(entries, Entry{Channel: c, Level: level, Outstanding: counts[i]})
		}
	}
	return entries
}

func (l *Ledger) locate(key domain.QueueKey) (*bucket, int, error) {
	b, ok := l.buckets[key.Level]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", domain.ErrInvalidLevel, key.Level)
	}
	for i, c := range b.channels {
		if c == key.Channel {
			return b, i, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %q", domain.ErrInvalidChannel, key.Channel)
}
