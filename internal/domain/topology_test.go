package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTopology(t *testing.T) {
	t.Run("rejects empty sets", func(t *testing.T) {
		_, err := NewTopology(nil, []string{"high"})
		assert.ErrorIs(t, err, ErrEmptyTopology)

		_, err = NewTopology([]string{"channel0"}, nil)
		assert.ErrorIs(t, err, ErrEmptyTopology)
	})

	t.Run("rejects duplicates and dotted names", func(t *testing.T) {
		_, err := NewTopology([]string{"channel0", "channel0"}, []string{"high"})
		assert.Error(t, err)

		_, err = NewTopology([]string{"a.b"}, []string{"high"})
		assert.Error(t, err)
	})

	t.Run("keys are channel-major", func(t *testing.T) {
		topo, err := NewTopology([]string{"channel0", "channel1"}, []string{"high", "low"})
		require.NoError(t, err)

		var keys []string
		for _, k := range topo.Keys() {
			keys = append(keys, k.RoutingKey())
		}
		assert.Equal(t, []string{"channel0.high", "channel0.low", "channel1.high", "channel1.low"}, keys)
	})
}

func TestTopologyParse(t *testing.T) {
	topo, err := NewTopology([]string{"channel0", "channel1"}, []string{"high", "low"})
	require.NoError(t, err)

	l, err := topo.ParseLevel("high")
	require.NoError(t, err)
	assert.Equal(t, Level("high"), l)

	_, err = topo.ParseLevel("medium")
	assert.True(t, errors.Is(err, ErrInvalidLevel))

	_, err = topo.ParseKey("channel9", "high")
	assert.ErrorIs(t, err, ErrInvalidChannel)

	key, err := topo.ParseKey("channel1", "low")
	require.NoError(t, err)
	assert.Equal(t, "channel1.low", key.RoutingKey())
}

func TestSendTimestamp(t *testing.T) {
	sent := time.Date(2026, 1, 2, 3, 4, 5, 500_000_000, time.UTC)
	msg := NewMessage("id", QueueKey{Channel: "channel0", Level: "high"}, sent)

	got, err := SendTimestamp(msg.Headers)
	require.NoError(t, err)
	assert.WithinDuration(t, sent, got, time.Microsecond)
	assert.Equal(t, []byte("high"), msg.Body)

	t.Run("accepts text encodings", func(t *testing.T) {
		got, err := SendTimestamp(map[string]any{HeaderSendTimestamp: []byte("1700000000.25")})
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000), got.Unix())

		got, err = SendTimestamp(map[string]any{HeaderSendTimestamp: "1700000000"})
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000), got.Unix())
	})

	t.Run("missing or garbage", func(t *testing.T) {
		_, err := SendTimestamp(map[string]any{})
		assert.Error(t, err)
		_, err = SendTimestamp(map[string]any{HeaderSendTimestamp: "soon"})
		assert.Error(t, err)
		_, err = SendTimestamp(map[string]any{HeaderSendTimestamp: true})
		assert.Error(t, err)
	})
}

func TestAttempt(t *testing.T) {
	assert.Equal(t, 0, Attempt(map[string]any{}))
	assert.Equal(t, 2, Attempt(map[string]any{HeaderAttempt: int32(2)}))
	assert.Equal(t, 3, Attempt(map[string]any{HeaderAttempt: int64(3)}))
	assert.Equal(t, 1, Attempt(map[string]any{HeaderAttempt: "1"}))
}
