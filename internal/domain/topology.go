// internal/domain/topology.go
package domain

import (
	"fmt"
	"strings"
)

// Level is the priority tier of a request.
type Level string

// Channel is a routing partition. Each channel owns exactly one queue per Level.
type Channel string

// QueueKey identifies one durable queue and one ledger entry.
type QueueKey struct {
	Channel Channel `json:"channel"`
	Level   Level   `json:"level"`
}

// RoutingKey returns "{channel}.{level}", which is also the queue name.
func (k QueueKey) RoutingKey() string {
	return string(k.Channel) + "." + string(k.Level)
}

func (k QueueKey) String() string {
	return k.RoutingKey()
}

// Topology is the process-wide channel and level configuration, fixed at startup.
// Levels are ordered highest priority first; channels are ordered by index.
type Topology struct {
	Channels []Channel
	Levels   []Level
}

// NewTopology builds a topology from configuration values.
func NewTopology(channels, levels []string) (Topology, error) {
	if len(channels) == 0 || len(levels) == 0 {
		return Topology{}, ErrEmptyTopology
	}

	t := Topology{
		Channels: make([]Channel, 0, len(channels)),
		Levels:   make([]Level, 0, len(levels)),
	}
	seen := make(map[string]bool, len(channels)+len(levels))
	for _, c := range channels {
		if c == "" || strings.Contains(c, ".") || seen["c:"+c] {
			return Topology{}, fmt.Errorf("invalid or duplicate channel %q", c)
		}
		seen["c:"+c] = true
		t.Channels = append(t.Channels, Channel(c))
	}
	for _, l := range levels {
		if l == "" || strings.Contains(l, ".") || seen["l:"+l] {
			return Topology{}, fmt.Errorf("invalid or duplicate level %q", l)
		}
		seen["l:"+l] = true
		t.Levels = append(t.Levels, Level(l))
	}
	return t, nil
}

// ParseLevel validates a raw level against the configured set.
func (t Topology) ParseLevel(raw string) (Level, error) {
	for _, l := range t.Levels {
		if string(l) == raw {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, raw)
}

// ParseChannel validates a raw channel against the configured set.
func (t Topology) ParseChannel(raw string) (Channel, error) {
	for _, c := range t.Channels {
		if string(c) == raw {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChannel, raw)
}

// ParseKey validates both halves of a queue key.
func (t Topology) ParseKey(channel, level string) (QueueKey, error) {
	c, err := t.ParseChannel(channel)
	if err != nil {
		return QueueKey{}, err
	}
	l, err := t.ParseLevel(level)
	if err != nil {
		return QueueKey{}, err
	}
	return QueueKey{Channel: c, Level: l}, nil
}

// Keys returns every queue key, channel-major.
func (t Topology) Keys() []QueueKey {
	keys := make([]QueueKey, 0, len(t.Channels)*len(t.Levels))
	for _, c := range t.Channels {
		for _, l := range t.Levels {
			keys = append(keys, QueueKey{Channel: c, Level: l})
		}
	}
	return keys
}
